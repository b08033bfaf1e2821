package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hivecore/hive/internal/bus"
	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// Common errors for the agent runtime.
var (
	// ErrAgentBusy indicates a task arrived while one is already in flight.
	ErrAgentBusy = errors.New("agent busy")
	// ErrNotRunning indicates the agent has not been started or has stopped.
	ErrNotRunning = errors.New("agent not running")
)

// Bus channels the runtime publishes on.
const (
	// ChannelResults carries task completion and failure reports to the
	// task manager.
	ChannelResults = "task.results"
	// ChannelStatus carries heartbeats, phase changes, and quarantine
	// notices.
	ChannelStatus = "agent.status"
)

// quarantineThreshold is the number of consecutive unhandled errors
// after which an agent takes itself out of rotation.
const quarantineThreshold = 3

// Channel returns the private inbox channel for an agent ID.
func Channel(agentID string) string {
	return "agent." + agentID
}

// Executor runs one task to completion. Implementations are stateless
// between calls; the agent owns all lifecycle state.
type Executor interface {
	// Kind names the executor variant (research, execution, planning,
	// analysis).
	Kind() string
	// Execute runs the task. A returned error means the task failed in a
	// way the executor could not express as a structured result; the
	// agent converts it into one.
	Execute(ctx context.Context, task models.Task) (models.Result, error)
}

// Config holds the knobs an agent is constructed with.
type Config struct {
	// ID is the agent's identifier. Required.
	ID string
	// Capabilities lists what task requirements this agent satisfies.
	Capabilities []string
	// Context is the security context the agent acts under.
	Context models.SecurityContext
	// HeartbeatInterval is how often status is published. Zero means 30s.
	HeartbeatInterval time.Duration
}

// Agent is one worker in the swarm. It subscribes to its private
// channel, executes at most one task at a time, and reports results and
// heartbeats back over the bus.
type Agent struct {
	id           string
	capabilities []string
	secCtx       models.SecurityContext
	heartbeat    time.Duration

	bus  *bus.Bus
	exec Executor

	mu          sync.Mutex
	phase       models.AgentPhase
	currentTask string
	cancelTask  context.CancelFunc
	errorStreak int
	metrics     models.AgentMetrics
	lastSeen    time.Time

	sub      *bus.Subscription
	stopOnce sync.Once
	stopped  chan struct{}
	tasks    sync.WaitGroup
}

// New creates an agent in the created phase. Start must be called
// before it receives work.
func New(cfg Config, b *bus.Bus, exec Executor) *Agent {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &Agent{
		id:           cfg.ID,
		capabilities: cfg.Capabilities,
		secCtx:       cfg.Context,
		heartbeat:    hb,
		bus:          b,
		exec:         exec,
		phase:        models.AgentPhaseCreated,
		stopped:      make(chan struct{}),
	}
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// State returns a snapshot of the agent for the task manager.
func (a *Agent) State() models.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.AgentState{
		ID:            a.id,
		Kind:          a.exec.Kind(),
		Capabilities:  append([]string(nil), a.capabilities...),
		Phase:         a.phase,
		CurrentTaskID: a.currentTask,
		ErrorStreak:   a.errorStreak,
		Metrics:       a.metrics,
		LastSeen:      a.lastSeen,
	}
}

// Start subscribes the agent to its private channel and begins the
// heartbeat loop. A subscription failure is fatal: the agent never
// reaches idle and must not be dispatched to.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.phase != models.AgentPhaseCreated {
		a.mu.Unlock()
		return fmt.Errorf("agent %s: start from phase %s: %w", a.id, a.phase, ErrNotRunning)
	}
	a.phase = models.AgentPhaseInitializing
	a.mu.Unlock()

	sub, err := a.bus.Subscribe(Channel(a.id), a.id, a.onMessage)
	if err != nil {
		a.mu.Lock()
		a.phase = models.AgentPhaseTerminated
		a.mu.Unlock()
		return fmt.Errorf("agent %s: subscribe: %w", a.id, err)
	}

	a.mu.Lock()
	a.sub = sub
	a.phase = models.AgentPhaseIdle
	a.lastSeen = time.Now()
	a.mu.Unlock()

	go a.heartbeatLoop()
	a.publishStatus("started")
	return nil
}

// Stop drains the agent: the current task is cancelled, the inbox is
// unsubscribed, and the phase lands on terminated. Idempotent.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.phase = models.AgentPhaseTerminating
		cancel := a.cancelTask
		sub := a.sub
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		close(a.stopped)
		a.tasks.Wait()
		if sub != nil {
			sub.Unsubscribe()
		}

		a.mu.Lock()
		a.phase = models.AgentPhaseTerminated
		a.mu.Unlock()
		a.publishStatus("stopped")
	})
}

// onMessage is the bus handler for the agent's private channel.
func (a *Agent) onMessage(msg models.Message) {
	switch msg.Type {
	case models.MessageTypeTask:
		task, ok := msg.Content["task"].(models.Task)
		if !ok {
			log.Printf("[agent %s] task message without task payload from %s", a.id, msg.Sender)
			return
		}
		a.acceptTask(task)
	case models.MessageTypeCancellation:
		taskID, _ := msg.Content["task_id"].(string)
		a.cancelCurrent(taskID)
	case models.MessageTypeQuery:
		a.answerQuery(msg)
	case models.MessageTypeStatus:
		// Peer status traffic is not addressed to us individually.
	default:
		log.Printf("[agent %s] unexpected %s message from %s", a.id, msg.Type, msg.Sender)
	}
}

// acceptTask claims the task if the agent is idle, otherwise reports a
// busy error so the manager can reassign.
func (a *Agent) acceptTask(task models.Task) {
	a.mu.Lock()
	if a.phase != models.AgentPhaseIdle {
		phase := a.phase
		a.mu.Unlock()
		a.publishResult(task.ID, models.Result{
			Success:     false,
			ErrorKind:   string(fault.KindCommunication),
			Error:       fmt.Sprintf("agent %s in phase %s: %v", a.id, phase, ErrAgentBusy),
			Retryable:   true,
			CompletedAt: time.Now(),
		})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.phase = models.AgentPhaseBusy
	a.currentTask = task.ID
	a.cancelTask = cancel
	a.mu.Unlock()

	a.tasks.Add(1)
	go a.runTask(ctx, cancel, task)
}

// cancelCurrent cancels the in-flight task. An empty taskID cancels
// whatever is running; a mismatched one is ignored.
func (a *Agent) cancelCurrent(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelTask == nil {
		return
	}
	if taskID != "" && taskID != a.currentTask {
		log.Printf("[agent %s] cancellation for %s but running %s, ignored", a.id, taskID, a.currentTask)
		return
	}
	a.cancelTask()
}

func (a *Agent) runTask(ctx context.Context, cancel context.CancelFunc, task models.Task) {
	defer a.tasks.Done()
	defer cancel()

	start := time.Now()
	result, err := a.exec.Execute(ctx, task)
	if err != nil {
		result = errorResult(ctx, err, result)
	}
	result.CompletedAt = time.Now()

	a.mu.Lock()
	a.metrics.RecordCompletion(time.Since(start), !result.Success)
	if result.Success {
		a.errorStreak = 0
	} else {
		a.errorStreak++
	}
	streak := a.errorStreak
	a.currentTask = ""
	a.cancelTask = nil
	quarantine := streak >= quarantineThreshold && a.phase == models.AgentPhaseBusy
	if quarantine {
		a.phase = models.AgentPhaseTerminating
	} else if a.phase == models.AgentPhaseBusy {
		a.phase = models.AgentPhaseIdle
	}
	a.mu.Unlock()

	a.publishResult(task.ID, result)

	if quarantine {
		log.Printf("[agent %s] %d consecutive errors, quarantining", a.id, streak)
		a.publishStatus("quarantined")
		// Stop waits for this goroutine, so it must not run inline here.
		go a.Stop()
	}
}

// errorResult converts an executor error into a structured result,
// preserving any partial data the executor returned alongside it.
func errorResult(ctx context.Context, err error, partial models.Result) models.Result {
	kind := fault.KindOf(err)
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		kind = fault.KindTimeout
	}
	return models.Result{
		Success:   false,
		Data:      partial.Data,
		ErrorKind: string(kind),
		Error:     err.Error(),
		Retryable: partial.Retryable,
	}
}

func (a *Agent) answerQuery(msg models.Message) {
	if msg.ReplyChannel == "" {
		return
	}
	reply := models.NewMessage(models.MessageTypeResponse, a.id, map[string]any{"state": a.State()}, a.secCtx)
	reply.Receiver = msg.Sender
	if err := a.bus.Publish(msg.ReplyChannel, reply); err != nil {
		log.Printf("[agent %s] reply to %s failed: %v", a.id, msg.Sender, err)
	}
}

func (a *Agent) publishResult(taskID string, result models.Result) {
	msg := models.NewMessage(models.MessageTypeResponse, a.id, map[string]any{
		"task_id": taskID,
		"result":  result,
	}, a.secCtx)
	msg.Receiver = "manager"
	if err := a.bus.PublishRetry(context.Background(), ChannelResults, msg, bus.DefaultBackoff()); err != nil {
		log.Printf("[agent %s] result for task %s undeliverable: %v", a.id, taskID, err)
	}
}

func (a *Agent) publishStatus(event string) {
	a.mu.Lock()
	a.lastSeen = time.Now()
	a.mu.Unlock()

	msg := models.NewMessage(models.MessageTypeStatus, a.id, map[string]any{
		"event": event,
		"state": a.State(),
	}, a.secCtx)
	msg.Receiver = "manager"
	if err := a.bus.Publish(ChannelStatus, msg); err != nil {
		log.Printf("[agent %s] status publish failed: %v", a.id, err)
	}
}

func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopped:
			return
		case <-ticker.C:
			a.publishStatus("heartbeat")
		}
	}
}
