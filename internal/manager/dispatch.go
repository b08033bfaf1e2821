package manager

import (
	"container/heap"
	"context"
	"log"
	"time"

	"github.com/hivecore/hive/internal/agent"
	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// dispatch matches queued, dependency-eligible tasks to idle capable
// agents. Tasks whose dependencies failed are failed here without ever
// being assigned.
func (m *Manager) dispatch() {
	type assignment struct {
		task  models.Task
		agent string
	}
	var assignments []assignment

	m.mu.Lock()
	var deferred []*models.Task
	for m.queue.Len() > 0 {
		task := heap.Pop(&m.queue).(*models.Task)
		if task.Status != models.TaskStatusQueued {
			continue
		}
		if failedDep := m.failedDependencyLocked(task); failedDep != "" {
			m.failLocked(task, models.Result{
				Success:   false,
				ErrorKind: string(fault.KindAgentFailure),
				Error:     "dependency " + failedDep + " failed",
			})
			continue
		}
		if !m.graph.DepsSatisfied(task.ID) {
			deferred = append(deferred, task)
			continue
		}
		agentID := m.idleAgentLocked(task.Capabilities)
		if agentID == "" {
			deferred = append(deferred, task)
			continue
		}

		task.Status = models.TaskStatusAssigned
		task.AgentID = agentID
		now := time.Now().UTC()
		task.StartedAt = &now
		state := m.agents[agentID]
		state.Phase = models.AgentPhaseBusy
		state.CurrentTaskID = task.ID
		m.agents[agentID] = state
		m.persistLocked(task)
		assignments = append(assignments, assignment{task: *task, agent: agentID})
	}
	for _, task := range deferred {
		heap.Push(&m.queue, task)
	}
	m.mu.Unlock()

	for _, a := range assignments {
		m.sendTask(a.task, a.agent)
	}
}

// failedDependencyLocked returns the ID of a failed or cancelled
// dependency, or empty if all are live.
func (m *Manager) failedDependencyLocked(task *models.Task) string {
	for _, dep := range task.DependsOn {
		if d, ok := m.tasks[dep]; ok {
			if d.Status == models.TaskStatusFailed || d.Status == models.TaskStatusCancelled {
				return dep
			}
		}
	}
	return ""
}

// idleAgentLocked finds an idle agent whose capabilities cover the
// task's requirements.
func (m *Manager) idleAgentLocked(required []string) string {
	for id, state := range m.agents {
		if state.Phase != models.AgentPhaseIdle {
			continue
		}
		if capabilitiesCover(state.Capabilities, required) {
			return id
		}
	}
	return ""
}

func capabilitiesCover(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

// sendTask publishes the assignment. A delivery failure after the bus
// has retried counts against the task's communication budget.
func (m *Manager) sendTask(task models.Task, agentID string) {
	msg := models.NewMessage(models.MessageTypeTask, "manager", map[string]any{
		"task": task,
	}, m.secCtx)
	msg.Receiver = agentID
	err := m.bus.PublishRetry(context.Background(), agent.Channel(agentID), msg, m.cfg.RetryBackoff)
	if err == nil {
		return
	}
	log.Printf("[manager] assignment of %s to agent %s undeliverable: %v", task.ID, agentID, err)

	m.mu.Lock()
	if t, ok := m.tasks[task.ID]; ok {
		t.Status = models.TaskStatusQueued
		t.AgentID = ""
		t.StartedAt = nil
		m.releaseAgentLocked(agentID, task.ID)
		m.retryOrFailLocked(t, models.Result{
			Success:   false,
			ErrorKind: string(fault.KindCommunication),
			Error:     err.Error(),
			Retryable: true,
		})
	}
	m.mu.Unlock()
}

func (m *Manager) releaseAgentLocked(agentID, taskID string) {
	state, ok := m.agents[agentID]
	if !ok {
		return
	}
	if state.CurrentTaskID == taskID {
		state.CurrentTaskID = ""
		if state.Phase == models.AgentPhaseBusy {
			state.Phase = models.AgentPhaseIdle
		}
		m.agents[agentID] = state
	}
}

// handleResult consumes task completion reports from agents.
func (m *Manager) handleResult(msg models.Message) {
	taskID, _ := msg.Content["task_id"].(string)
	result, ok := msg.Content["result"].(models.Result)
	if taskID == "" || !ok {
		log.Printf("[manager] malformed result message from %s", msg.Sender)
		return
	}

	m.mu.Lock()
	task, known := m.tasks[taskID]
	if !known {
		m.mu.Unlock()
		log.Printf("[manager] result for unknown task %s from %s", taskID, msg.Sender)
		return
	}
	if task.Status.Terminal() {
		// Late result after cancellation; keep the record as-is.
		m.mu.Unlock()
		return
	}
	m.releaseAgentLocked(msg.Sender, taskID)

	if result.Success {
		m.completeLocked(task, result)
	} else {
		m.retryOrFailLocked(task, result)
	}
	m.mu.Unlock()
	m.poke()
}

func (m *Manager) completeLocked(task *models.Task, result models.Result) {
	task.Status = models.TaskStatusCompleted
	task.Result = &result
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.AgentID = ""
	m.graph.MarkComplete(task.ID)
	m.persistLocked(task)
	delete(m.retries, task.ID)
	m.rollupLocked(task)
}

// retryOrFailLocked applies the per-kind retry policy. Partial results
// stay on the task record even when a retry is scheduled.
func (m *Manager) retryOrFailLocked(task *models.Task, result models.Result) {
	task.Result = &result
	rs := m.retries[task.ID]
	if rs == nil {
		rs = &retryState{}
		m.retries[task.ID] = rs
	}

	switch fault.Kind(result.ErrorKind) {
	case fault.KindResourceExhaustion:
		if rs.resource < m.cfg.MaxResourceRetries {
			rs.resource++
			m.requeueLocked(task, m.cfg.RetryBackoff.Delay(rs.resource))
			return
		}
	case fault.KindTimeout:
		if result.Retryable && !rs.timeoutSpent {
			rs.timeoutSpent = true
			m.requeueLocked(task, 0)
			return
		}
	case fault.KindCommunication:
		if rs.comm < m.cfg.MaxCommRetries {
			rs.comm++
			m.requeueLocked(task, m.cfg.RetryBackoff.Delay(rs.comm))
			return
		}
	}
	m.failLocked(task, result)
}

// requeueLocked puts a task back in the queue, after a delay when the
// policy calls for backoff.
func (m *Manager) requeueLocked(task *models.Task, delay time.Duration) {
	task.Status = models.TaskStatusQueued
	task.AgentID = ""
	task.StartedAt = nil
	m.persistLocked(task)
	if delay <= 0 {
		heap.Push(&m.queue, task)
		return
	}
	log.Printf("[manager] task %s re-queued with %v backoff", task.ID, delay)
	m.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer m.timers.Done()
		m.mu.Lock()
		if task.Status == models.TaskStatusQueued {
			heap.Push(&m.queue, task)
		}
		m.mu.Unlock()
		m.poke()
	})
}

// failLocked marks a task failed and propagates: dependents fail
// without assignment, and a failed subtask fails its parent fast.
func (m *Manager) failLocked(task *models.Task, result models.Result) {
	task.Status = models.TaskStatusFailed
	task.Result = &result
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.AgentID = ""
	m.persistLocked(task)
	delete(m.retries, task.ID)
	log.Printf("[manager] task %s failed: %s", task.ID, result.Error)

	for _, depID := range m.graph.Dependents(task.ID) {
		if dep, ok := m.tasks[depID]; ok && !dep.Status.Terminal() {
			m.queue.remove(depID)
			m.failLocked(dep, models.Result{
				Success:   false,
				ErrorKind: string(fault.KindAgentFailure),
				Error:     "dependency " + task.ID + " failed",
			})
		}
	}
	m.rollupLocked(task)
}

// rollupLocked recomputes a parent's status after one of its subtasks
// reaches a terminal state. A failed subtask fails the parent
// immediately and cancels the running siblings; a cancelled subtask
// cancels the parent the same way.
func (m *Manager) rollupLocked(task *models.Task) {
	if task.ParentID == "" {
		return
	}
	parent, ok := m.tasks[task.ParentID]
	if !ok || parent.Status.Terminal() {
		return
	}

	allDone := true
	for _, subID := range parent.SubtaskIDs {
		sub, ok := m.tasks[subID]
		if !ok {
			continue
		}
		if sub.Status == models.TaskStatusFailed {
			var notify []*models.Task
			for _, sibID := range parent.SubtaskIDs {
				if sib, okSib := m.tasks[sibID]; okSib && !sib.Status.Terminal() {
					notify = append(notify, m.cancelLocked(sib)...)
				}
			}
			m.failLocked(parent, models.Result{
				Success:   false,
				ErrorKind: sub.Result.ErrorKind,
				Error:     "subtask " + subID + " failed: " + sub.Result.Error,
			})
			// The lock is held here; message the agents asynchronously.
			for _, c := range notify {
				go m.notifyCancellation(c)
			}
			return
		}
		if sub.Status == models.TaskStatusCancelled {
			// A cancelled link never completes, so the chain cannot
			// either; cancel the parent and the remaining siblings.
			notify := m.cancelLocked(parent)
			for _, c := range notify {
				go m.notifyCancellation(c)
			}
			m.rollupLocked(parent)
			return
		}
		if sub.Status != models.TaskStatusCompleted {
			allDone = false
		}
	}
	if !allDone {
		return
	}

	parent.Status = models.TaskStatusCompleted
	now := time.Now().UTC()
	parent.CompletedAt = &now
	data := make(map[string]any, len(parent.SubtaskIDs))
	for _, subID := range parent.SubtaskIDs {
		if sub, okSub := m.tasks[subID]; okSub && sub.Result != nil {
			data[subID] = sub.Result.Data
		}
	}
	parent.Result = &models.Result{Success: true, Data: data, CompletedAt: now}
	m.graph.MarkComplete(parent.ID)
	m.persistLocked(parent)
	m.rollupLocked(parent)
}

// handleStatus consumes heartbeats and lifecycle notices from agents.
func (m *Manager) handleStatus(msg models.Message) {
	state, ok := msg.Content["state"].(models.AgentState)
	if !ok {
		return
	}
	event, _ := msg.Content["event"].(string)

	m.mu.Lock()
	switch event {
	case "quarantined", "stopped":
		delete(m.agents, state.ID)
	default:
		// The dispatcher's view of busy/idle wins over a stale
		// heartbeat snapshot taken before an assignment landed.
		if cur, exists := m.agents[state.ID]; exists && cur.CurrentTaskID != "" && state.CurrentTaskID == "" {
			state.Phase = cur.Phase
			state.CurrentTaskID = cur.CurrentTaskID
		}
		m.agents[state.ID] = state
	}
	hook := m.onQuarantine
	m.mu.Unlock()

	if event == "quarantined" {
		log.Printf("[manager] agent %s quarantined after %d consecutive errors", state.ID, state.ErrorStreak)
		if hook != nil {
			hook(state)
		}
	}
	m.poke()
}
