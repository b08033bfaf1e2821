package models

import "time"

// AgentPhase represents the lifecycle state of an agent.
type AgentPhase string

const (
	// AgentPhaseCreated indicates the agent exists but has not started.
	AgentPhaseCreated AgentPhase = "created"
	// AgentPhaseInitializing indicates the agent is subscribing to its
	// private channel. Failure here is fatal.
	AgentPhaseInitializing AgentPhase = "initializing"
	// AgentPhaseIdle indicates the agent is waiting for a task.
	AgentPhaseIdle AgentPhase = "idle"
	// AgentPhaseBusy indicates the agent is executing a task.
	AgentPhaseBusy AgentPhase = "busy"
	// AgentPhaseTerminating indicates the agent is draining before exit.
	AgentPhaseTerminating AgentPhase = "terminating"
	// AgentPhaseTerminated indicates the agent has stopped.
	AgentPhaseTerminated AgentPhase = "terminated"
)

// Valid returns true if the phase is a known value.
func (p AgentPhase) Valid() bool {
	switch p {
	case AgentPhaseCreated, AgentPhaseInitializing, AgentPhaseIdle,
		AgentPhaseBusy, AgentPhaseTerminating, AgentPhaseTerminated:
		return true
	default:
		return false
	}
}

// AgentMetrics accumulates per-agent execution counters. The average
// duration is a running mean over completed tasks.
type AgentMetrics struct {
	TasksCompleted  int           `json:"tasks_completed"`
	TasksFailed     int           `json:"tasks_failed"`
	AverageDuration time.Duration `json:"average_duration"`
}

// RecordCompletion folds one finished task into the metrics.
func (m *AgentMetrics) RecordCompletion(d time.Duration, failed bool) {
	if failed {
		m.TasksFailed++
		return
	}
	m.TasksCompleted++
	n := time.Duration(m.TasksCompleted)
	m.AverageDuration = (m.AverageDuration*(n-1) + d) / n
}

// AgentState is the read-only projection of an agent the task manager
// holds. The agent itself owns the authoritative copy.
type AgentState struct {
	// ID is the agent's unique identifier.
	ID string `json:"id"`
	// Kind is the executor variant (research, execution, planning, analysis).
	Kind string `json:"kind"`
	// Capabilities lists what the agent can do.
	Capabilities []string `json:"capabilities"`
	// Phase is the current lifecycle state.
	Phase AgentPhase `json:"phase"`
	// CurrentTaskID is the task in flight, if any.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// ErrorStreak counts consecutive unhandled errors; three in a row
	// quarantines the agent.
	ErrorStreak int `json:"error_streak"`
	// Metrics carries the agent's execution counters.
	Metrics AgentMetrics `json:"metrics"`
	// LastSeen is the timestamp of the most recent heartbeat.
	LastSeen time.Time `json:"last_seen"`
}
