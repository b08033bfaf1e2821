package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hivecore/hive/pkg/models"
)

// taskFile is the YAML shape of a submitted task.
type taskFile struct {
	ID           string         `yaml:"id"`
	Type         string         `yaml:"type"`
	Description  string         `yaml:"description"`
	Priority     int            `yaml:"priority"`
	DependsOn    []string       `yaml:"depends_on"`
	Deadline     *time.Time     `yaml:"deadline"`
	Capabilities []string       `yaml:"capabilities"`
	Permissions  []string       `yaml:"permissions"`
	Complex      bool           `yaml:"complex"`
	Effort       int            `yaml:"effort"`
	MemoryMB     int            `yaml:"memory_mb"`
	Timeout      string         `yaml:"timeout"`
	Content      map[string]any `yaml:"content"`
}

// readTaskFile parses a task YAML file into a task record.
func readTaskFile(path string) (models.Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.Task{}, fmt.Errorf("read task file: %w", err)
	}

	var tf taskFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return models.Task{}, fmt.Errorf("parse task file %s: %w", path, err)
	}

	var timeout time.Duration
	if tf.Timeout != "" {
		timeout, err = time.ParseDuration(tf.Timeout)
		if err != nil {
			return models.Task{}, fmt.Errorf("task file %s: timeout: %w", path, err)
		}
	}

	task := models.Task{
		ID:           tf.ID,
		Type:         models.TaskType(tf.Type),
		Description:  tf.Description,
		Priority:     tf.Priority,
		DependsOn:    tf.DependsOn,
		Deadline:     tf.Deadline,
		Capabilities: tf.Capabilities,
		Permissions:  tf.Permissions,
		Complex:      tf.Complex,
		Effort:       tf.Effort,
		Requirements: models.ResourceLimits{MemoryMB: tf.MemoryMB, Timeout: timeout},
		Content:      tf.Content,
	}
	if !task.Type.Valid() {
		return models.Task{}, fmt.Errorf("task file %s: unknown type %q", path, tf.Type)
	}
	return task, nil
}
