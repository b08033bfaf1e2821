package manager

import (
	"reflect"
	"testing"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

func TestHeuristicPlanner_Plan(t *testing.T) {
	p := &HeuristicPlanner{}

	task := models.Task{
		ID:          "t1",
		Type:        models.TaskTypeCommand,
		Description: "download the archive; unpack it; verify the checksums",
		Priority:    7,
		Effort:      9,
		Permissions: []string{"exec.command"},
	}
	subs, err := p.Plan(task)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("subtasks = %d, want 3", len(subs))
	}
	for _, sub := range subs {
		if sub.Priority != 7 || sub.Type != models.TaskTypeCommand {
			t.Errorf("subtask inherits wrong envelope: %+v", sub)
		}
		if sub.Effort != 3 {
			t.Errorf("effort = %d, want 9/3", sub.Effort)
		}
	}
	if subs[0].Description != "download the archive" {
		t.Errorf("first step = %q", subs[0].Description)
	}
}

func TestHeuristicPlanner_SingleStepRejected(t *testing.T) {
	p := &HeuristicPlanner{}
	_, err := p.Plan(models.Task{ID: "t1", Description: "just one thing"})
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestHeuristicPlanner_CapsFanOut(t *testing.T) {
	p := &HeuristicPlanner{MaxSubtasks: 2}
	subs, err := p.Plan(models.Task{ID: "t1", Description: "a; b; c; d"})
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Errorf("subtasks = %d, want capped at 2", len(subs))
	}
}

func TestIntersectPermissions(t *testing.T) {
	tests := []struct {
		name      string
		parent    []string
		requested []string
		want      []string
	}{
		{
			name:      "subset kept in requested order",
			parent:    []string{"a", "b", "c"},
			requested: []string{"c", "a"},
			want:      []string{"c", "a"},
		},
		{
			name:      "widening request dropped",
			parent:    []string{"a"},
			requested: []string{"a", "root"},
			want:      []string{"a"},
		},
		{
			name:      "disjoint yields empty",
			parent:    []string{"a"},
			requested: []string{"b"},
			want:      []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := intersectPermissions(tt.parent, tt.requested)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("intersect = %v, want %v", got, tt.want)
			}
		})
	}
}
