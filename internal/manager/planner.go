package manager

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// Planner decomposes a complex task into subtasks. Implementations
// return subtasks without IDs or parent links; the manager fills those
// in, chains dependencies, and narrows permissions.
type Planner interface {
	Plan(task models.Task) ([]models.Task, error)
}

// HeuristicPlanner splits the task description on step boundaries and
// emits one subtask per step. It is the default when no richer planner
// is wired in.
type HeuristicPlanner struct {
	// MaxSubtasks caps the fan-out. Zero means 8.
	MaxSubtasks int
}

var _ Planner = (*HeuristicPlanner)(nil)

// Plan implements Planner.
func (p *HeuristicPlanner) Plan(task models.Task) ([]models.Task, error) {
	steps := splitSteps(task.Description)
	if len(steps) < 2 {
		return nil, fault.Validation("description", fmt.Sprintf("task %s: nothing to decompose", task.ID))
	}
	limit := p.MaxSubtasks
	if limit <= 0 {
		limit = 8
	}
	if len(steps) > limit {
		steps = steps[:limit]
	}

	effort := task.Effort / len(steps)
	subtasks := make([]models.Task, len(steps))
	for i, step := range steps {
		subtasks[i] = models.Task{
			Type:         task.Type,
			Description:  step,
			Priority:     task.Priority,
			Capabilities: append([]string(nil), task.Capabilities...),
			Permissions:  append([]string(nil), task.Permissions...),
			Requirements: task.Requirements,
			Effort:       effort,
			Content:      task.Content,
		}
	}
	return subtasks, nil
}

func splitSteps(desc string) []string {
	raw := strings.FieldsFunc(desc, func(r rune) bool {
		return r == ';' || r == '\n'
	})
	steps := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}

// newTaskID returns a fresh task identifier, short enough to read in
// logs.
func newTaskID() string {
	return uuid.New().String()[:8]
}

// intersectPermissions keeps the requested permissions the parent also
// holds, in requested order. Requests outside the parent's set are
// dropped, never granted.
func intersectPermissions(parent, requested []string) []string {
	held := make(map[string]bool, len(parent))
	for _, p := range parent {
		held[p] = true
	}
	out := make([]string, 0, len(requested))
	for _, p := range requested {
		if held[p] {
			out = append(out, p)
		}
	}
	return out
}
