package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivecore/hive/pkg/models"
)

func writeTaskYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write task file: %v", err)
	}
	return path
}

func TestReadTaskFile(t *testing.T) {
	path := writeTaskYAML(t, `
id: report-1
type: command_execution
description: count the log lines
priority: 5
depends_on: [fetch-1]
permissions:
  - exec.command
effort: 3
memory_mb: 256
timeout: 30s
content:
  command: "wc -l /tmp/hive.log"
`)

	task, err := readTaskFile(path)
	if err != nil {
		t.Fatalf("readTaskFile: %v", err)
	}
	if task.ID != "report-1" {
		t.Errorf("ID = %q, want report-1", task.ID)
	}
	if task.Type != models.TaskTypeCommand {
		t.Errorf("Type = %q, want %q", task.Type, models.TaskTypeCommand)
	}
	if task.Priority != 5 {
		t.Errorf("Priority = %d, want 5", task.Priority)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != "fetch-1" {
		t.Errorf("DependsOn = %v, want [fetch-1]", task.DependsOn)
	}
	if task.Requirements.MemoryMB != 256 {
		t.Errorf("Requirements.MemoryMB = %d, want 256", task.Requirements.MemoryMB)
	}
	if task.Requirements.Timeout != 30*time.Second {
		t.Errorf("Requirements.Timeout = %v, want 30s", task.Requirements.Timeout)
	}
	if task.Content["command"] != "wc -l /tmp/hive.log" {
		t.Errorf("Content[command] = %v", task.Content["command"])
	}
}

func TestReadTaskFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown type",
			yaml: "type: juggling\ndescription: nope\n",
		},
		{
			name: "malformed yaml",
			yaml: "type: [unclosed\n",
		},
		{
			name: "bad timeout",
			yaml: "type: command_execution\ntimeout: soonish\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTaskYAML(t, tt.yaml)
			if _, err := readTaskFile(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestReadTaskFile_Missing(t *testing.T) {
	if _, err := readTaskFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestIsTaskFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"task.yaml", true},
		{"task.yml", true},
		{"task.YAML", true},
		{"task.yaml.done", false},
		{"task.yaml.err", false},
		{"notes.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTaskFile(tt.name); got != tt.want {
				t.Errorf("isTaskFile(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
