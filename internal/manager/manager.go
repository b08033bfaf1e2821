package manager

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hivecore/hive/internal/agent"
	"github.com/hivecore/hive/internal/bus"
	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/internal/graph"
	"github.com/hivecore/hive/pkg/models"
)

// Common errors for task management.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownDependency indicates a submitted task depends on a task
	// the manager has never seen.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// TaskStore persists task records for out-of-process inspection.
// Satisfied by *state.Store.
type TaskStore interface {
	Set(key string, value []byte, sc models.SecurityContext) error
}

// Config holds the manager's tuning knobs.
type Config struct {
	// ComplexityThreshold is the effort estimate above which a task is
	// decomposed. Zero means 5.
	ComplexityThreshold int
	// MaxResourceRetries caps re-queues after resource exhaustion.
	// Zero means 3.
	MaxResourceRetries int
	// MaxCommRetries caps re-queues after communication failures.
	// Zero means 5.
	MaxCommRetries int
	// RetryBackoff spaces re-queues. Zero value means the bus default.
	RetryBackoff bus.Backoff
	// DispatchInterval is the fallback poll for the dispatch loop.
	// Zero means one second.
	DispatchInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ComplexityThreshold <= 0 {
		c.ComplexityThreshold = 5
	}
	if c.MaxResourceRetries <= 0 {
		c.MaxResourceRetries = 3
	}
	if c.MaxCommRetries <= 0 {
		c.MaxCommRetries = 5
	}
	if c.RetryBackoff == (bus.Backoff{}) {
		c.RetryBackoff = bus.DefaultBackoff()
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	return c
}

// Report is what Status returns: the task record plus a progress
// fraction derived from subtask rollup.
type Report struct {
	Task     models.Task `json:"task"`
	Progress float64     `json:"progress"`
}

// Manager owns the task lifecycle: submission, decomposition,
// dependency gating, dispatch to agents, retries, and rollup. All
// communication with agents goes over the bus.
type Manager struct {
	bus     *bus.Bus
	graph   *graph.DependencyGraph
	planner Planner
	store   TaskStore
	secCtx  models.SecurityContext
	cfg     Config

	mu      sync.Mutex
	tasks   map[string]*models.Task
	queue   taskQueue
	agents  map[string]models.AgentState
	retries map[string]*retryState

	onQuarantine func(models.AgentState)

	trigger chan struct{}
	subs    []*bus.Subscription
	timers  sync.WaitGroup
}

// retryState tracks per-task retry budgets, one counter per error kind
// that permits retrying.
type retryState struct {
	resource     int
	comm         int
	timeoutSpent bool
}

// New creates a manager. planner may be nil, in which case the
// heuristic planner is used; store may be nil to disable persistence.
func New(b *bus.Bus, planner Planner, store TaskStore, secCtx models.SecurityContext, cfg Config) *Manager {
	if planner == nil {
		planner = &HeuristicPlanner{}
	}
	return &Manager{
		bus:     b,
		graph:   graph.New(),
		planner: planner,
		store:   store,
		secCtx:  secCtx,
		cfg:     cfg.withDefaults(),
		tasks:   make(map[string]*models.Task),
		agents:  make(map[string]models.AgentState),
		retries: make(map[string]*retryState),
		trigger: make(chan struct{}, 1),
	}
}

// SetQuarantineHandler registers a callback invoked when an agent
// quarantines itself, so the caller can provision a replacement.
func (m *Manager) SetQuarantineHandler(fn func(models.AgentState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQuarantine = fn
}

// RegisterAgent seeds the agent roster before the first heartbeat
// arrives.
func (m *Manager) RegisterAgent(state models.AgentState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[state.ID] = state
}

// Agents returns a snapshot of the roster.
func (m *Manager) Agents() []models.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AgentState, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Run subscribes to the result and status channels and drives the
// dispatch loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	resSub, err := m.bus.Subscribe(agent.ChannelResults, "manager", m.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	statSub, err := m.bus.Subscribe(agent.ChannelStatus, "manager", m.handleStatus)
	if err != nil {
		resSub.Unsubscribe()
		return fmt.Errorf("subscribe status: %w", err)
	}
	m.subs = []*bus.Subscription{resSub, statSub}
	defer func() {
		for _, sub := range m.subs {
			sub.Unsubscribe()
		}
	}()

	ticker := time.NewTicker(m.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.timers.Wait()
			return ctx.Err()
		case <-m.trigger:
			m.dispatch()
		case <-ticker.C:
			m.dispatch()
		}
	}
}

// Submit validates and accepts a task. Complex tasks are decomposed
// into a sequential subtask chain before anything is queued. The
// returned ID identifies the submitted task, not its subtasks.
func (m *Manager) Submit(task models.Task) (string, error) {
	if !task.Type.Valid() {
		return "", fault.Validation("type", fmt.Sprintf("unknown task type %q", task.Type))
	}
	if task.ID == "" {
		task.ID = newTaskID()
	}
	task.Status = models.TaskStatusQueued
	task.SubmittedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return "", fault.Validation("id", fmt.Sprintf("task %s already submitted", task.ID))
	}
	for _, dep := range task.DependsOn {
		if _, ok := m.tasks[dep]; !ok {
			return "", fmt.Errorf("task %s depends on %s: %w", task.ID, dep, ErrUnknownDependency)
		}
	}
	if err := m.graph.Add(task.ID, task.DependsOn); err != nil {
		return "", fmt.Errorf("task %s: %w", task.ID, err)
	}

	if task.Complex || task.Effort > m.cfg.ComplexityThreshold {
		if err := m.decomposeLocked(&task); err != nil {
			m.graph.Remove(task.ID)
			return "", err
		}
	} else {
		heap.Push(&m.queue, &task)
	}

	m.tasks[task.ID] = &task
	m.persistLocked(&task)
	m.poke()
	return task.ID, nil
}

// decomposeLocked plans subtasks for a complex task and chains them
// sequentially. The parent becomes a container: it is never dispatched
// itself, its status rolls up from the chain.
func (m *Manager) decomposeLocked(parent *models.Task) error {
	subtasks, err := m.planner.Plan(*parent)
	if err != nil {
		return fmt.Errorf("decompose %s: %w", parent.ID, err)
	}

	prev := ""
	for i := range subtasks {
		sub := subtasks[i]
		sub.ID = newTaskID()
		sub.ParentID = parent.ID
		sub.Status = models.TaskStatusQueued
		sub.SubmittedAt = parent.SubmittedAt
		// Permissions narrow, never widen: the subtask holds the
		// intersection of what it asked for and what the parent has.
		sub.Permissions = intersectPermissions(parent.Permissions, sub.Permissions)

		deps := append([]string(nil), parent.DependsOn...)
		if prev != "" {
			deps = append(deps, prev)
		}
		sub.DependsOn = deps
		if err := m.graph.Add(sub.ID, deps); err != nil {
			return fmt.Errorf("decompose %s: subtask %s: %w", parent.ID, sub.ID, err)
		}

		stored := sub
		m.tasks[sub.ID] = &stored
		m.persistLocked(&stored)
		heap.Push(&m.queue, &stored)
		parent.SubtaskIDs = append(parent.SubtaskIDs, sub.ID)
		prev = sub.ID
	}
	parent.Status = models.TaskStatusRunning
	log.Printf("[manager] task %s decomposed into %d subtasks", parent.ID, len(parent.SubtaskIDs))
	return nil
}

// Status reports a task's state, progress, and result.
func (m *Manager) Status(id string) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return Report{}, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return Report{Task: *task, Progress: m.progressLocked(task)}, nil
}

func (m *Manager) progressLocked(task *models.Task) float64 {
	if task.HasSubtasks() {
		var done int
		for _, subID := range task.SubtaskIDs {
			if sub, ok := m.tasks[subID]; ok && sub.Status == models.TaskStatusCompleted {
				done++
			}
		}
		return float64(done) / float64(len(task.SubtaskIDs))
	}
	switch task.Status {
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled:
		return 1
	case models.TaskStatusRunning, models.TaskStatusAssigned:
		return 0.5
	default:
		return 0
	}
}

// Cancel cancels a task and cascades to its subtasks. Queued work is
// removed outright; assigned work gets a cancellation message so the
// agent can stop cooperatively. Cancelling a subtask rolls up: its
// parent chain can no longer complete, so the parent is cancelled too.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	cancelled := m.cancelLocked(task)
	m.rollupLocked(task)
	m.mu.Unlock()

	for _, c := range cancelled {
		m.notifyCancellation(c)
	}
	m.poke()
	return nil
}

// cancelLocked marks the task tree cancelled and returns the tasks
// whose agents must be messaged.
func (m *Manager) cancelLocked(task *models.Task) []*models.Task {
	var notify []*models.Task
	if task.Status.Terminal() {
		return notify
	}
	switch task.Status {
	case models.TaskStatusQueued:
		m.queue.remove(task.ID)
	case models.TaskStatusAssigned, models.TaskStatusRunning:
		if task.AgentID != "" {
			notify = append(notify, task)
		}
	}
	task.Status = models.TaskStatusCancelled
	now := time.Now().UTC()
	task.CompletedAt = &now
	m.persistLocked(task)

	for _, subID := range task.SubtaskIDs {
		if sub, ok := m.tasks[subID]; ok {
			notify = append(notify, m.cancelLocked(sub)...)
		}
	}
	return notify
}

func (m *Manager) notifyCancellation(task *models.Task) {
	msg := models.NewMessage(models.MessageTypeCancellation, "manager", map[string]any{
		"task_id": task.ID,
	}, m.secCtx)
	msg.Receiver = task.AgentID
	if err := m.bus.Publish(agent.Channel(task.AgentID), msg); err != nil {
		log.Printf("[manager] cancellation for %s to agent %s failed: %v", task.ID, task.AgentID, err)
	}
}

// poke nudges the dispatch loop without blocking.
func (m *Manager) poke() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLocked(task *models.Task) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(task)
	if err != nil {
		log.Printf("[manager] marshal task %s: %v", task.ID, err)
		return
	}
	if err := m.store.Set("task/"+task.ID, raw, m.secCtx); err != nil {
		log.Printf("[manager] persist task %s: %v", task.ID, err)
	}
}
