// Package models defines the shared data types exchanged between the
// task manager, agents, and the message bus.
package models

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for assignment.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusAssigned indicates the task has been handed to an agent.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusRunning indicates an agent is actively executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task terminated with an error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskType identifies which class of work a task represents. The set is
// closed: dispatchers switch exhaustively over it and treat anything else
// as a validation failure rather than a silent no-op.
type TaskType string

const (
	// TaskTypeCommand is sandboxed command execution.
	TaskTypeCommand TaskType = "command_execution"
	// TaskTypeResearch is information gathering through registered functions.
	TaskTypeResearch TaskType = "research"
	// TaskTypePlanning is decomposition of a goal into subtasks.
	TaskTypePlanning TaskType = "planning"
	// TaskTypeAnalysis is evaluation of previously collected results.
	TaskTypeAnalysis TaskType = "analysis"
)

// Valid returns true if the type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCommand, TaskTypeResearch, TaskTypePlanning, TaskTypeAnalysis:
		return true
	default:
		return false
	}
}

// ResourceLimits bounds what a task, function, or sandbox may consume.
// A zero value means "no explicit limit" for that dimension.
type ResourceLimits struct {
	// CPUShare is the fraction of one CPU core, e.g. 0.5.
	CPUShare float64 `json:"cpu_share,omitempty"`
	// MemoryMB is the memory ceiling in megabytes.
	MemoryMB int `json:"memory_mb,omitempty"`
	// Timeout is the wall-clock ceiling for a single operation.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Exceeds reports whether r requests more than the ceiling allows in any
// dimension. Zero ceiling dimensions are unbounded.
func (r ResourceLimits) Exceeds(ceiling ResourceLimits) bool {
	if ceiling.CPUShare > 0 && r.CPUShare > ceiling.CPUShare {
		return true
	}
	if ceiling.MemoryMB > 0 && r.MemoryMB > ceiling.MemoryMB {
		return true
	}
	if ceiling.Timeout > 0 && r.Timeout > ceiling.Timeout {
		return true
	}
	return false
}

// Result is the outcome of executing a task, produced by an agent and
// reported back over the message bus. Partial data survives failure: a
// failed result may still carry whatever the agent produced.
type Result struct {
	// Success is true when the task completed without error.
	Success bool `json:"success"`
	// Data holds the task's output payload.
	Data map[string]any `json:"data,omitempty"`
	// ErrorKind is the machine-readable failure class (fault.Kind string).
	ErrorKind string `json:"error_kind,omitempty"`
	// Error is the human-readable failure message.
	Error string `json:"error,omitempty"`
	// Retryable is true when the failure may be retried with identical
	// parameters (timeout on an idempotent function).
	Retryable bool `json:"retryable,omitempty"`
	// CompletedAt is when the agent finished the task.
	CompletedAt time.Time `json:"completed_at"`
}

// Task is the unit of work the manager queues and agents execute.
// The manager owns all fields except Result, which agents set indirectly
// by publishing a result message (never by mutating the record).
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Type is the class of work.
	Type TaskType `json:"type"`
	// Description is the human-readable statement of the work.
	Description string `json:"description"`
	// Priority orders the queue: higher runs first.
	Priority int `json:"priority"`
	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Deadline, if set, is used as a queue tie-break after priority.
	Deadline *time.Time `json:"deadline,omitempty"`
	// ParentID links a subtask to the task it was decomposed from.
	ParentID string `json:"parent_id,omitempty"`
	// SubtaskIDs is the ordered decomposition of this task. A task with
	// subtasks is never executed directly; its status is derived.
	SubtaskIDs []string `json:"subtask_ids,omitempty"`
	// Capabilities lists what an agent must be able to do to take the task.
	Capabilities []string `json:"capabilities,omitempty"`
	// Permissions lists the security permissions the task's context needs.
	Permissions []string `json:"permissions,omitempty"`
	// Requirements bounds the resources the task may consume.
	Requirements ResourceLimits `json:"requirements"`
	// Complex forces decomposition regardless of the effort estimate.
	Complex bool `json:"complex,omitempty"`
	// Effort is the submitter's effort estimate, compared against the
	// configured decomposition threshold.
	Effort int `json:"effort,omitempty"`
	// Content carries type-specific parameters (command string, function
	// name and arguments, research query).
	Content map[string]any `json:"content,omitempty"`

	// Status is the current lifecycle state, owned by the task manager.
	Status TaskStatus `json:"status"`
	// AgentID is the agent currently assigned, if any.
	AgentID string `json:"agent_id,omitempty"`
	// Result is the reported outcome, set once the task terminates.
	Result *Result `json:"result,omitempty"`
	// SubmittedAt is when the manager accepted the task.
	SubmittedAt time.Time `json:"submitted_at"`
	// StartedAt is when an agent began executing.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasSubtasks reports whether the task was decomposed.
func (t *Task) HasSubtasks() bool { return len(t.SubtaskIDs) > 0 }
