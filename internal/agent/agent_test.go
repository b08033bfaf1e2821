package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hivecore/hive/internal/bus"
	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// scriptedExecutor returns canned outcomes in order and records calls.
type scriptedExecutor struct {
	mu       sync.Mutex
	outcomes []error
	calls    int
	block    chan struct{}
	started  chan string
}

func (e *scriptedExecutor) Kind() string { return "execution" }

func (e *scriptedExecutor) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	e.mu.Unlock()

	if e.started != nil {
		e.started <- task.ID
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return models.Result{}, ctx.Err()
		}
	}
	var err error
	if i < len(e.outcomes) {
		err = e.outcomes[i]
	}
	if err != nil {
		return models.Result{}, err
	}
	return models.Result{Success: true, Data: map[string]any{"task": task.ID}}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// collector gathers bus traffic on one channel.
type collector struct {
	mu   sync.Mutex
	msgs []models.Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(msg models.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []models.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.msgs...)
}

func startAgent(t *testing.T, b *bus.Bus, exec Executor) *Agent {
	t.Helper()
	a := New(Config{ID: "a1", Capabilities: []string{"exec"}, HeartbeatInterval: time.Hour}, b, exec)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func sendTask(t *testing.T, b *bus.Bus, taskID string) {
	t.Helper()
	msg := models.NewMessage(models.MessageTypeTask, "manager", map[string]any{
		"task": models.Task{ID: taskID, Type: models.TaskTypeCommand},
	}, models.SecurityContext{})
	if err := b.Publish(Channel("a1"), msg); err != nil {
		t.Fatalf("publish task: %v", err)
	}
}

func resultFrom(t *testing.T, msg models.Message) models.Result {
	t.Helper()
	res, ok := msg.Content["result"].(models.Result)
	if !ok {
		t.Fatalf("message %s carries no result", msg.ID)
	}
	return res
}

func TestAgent_StartReachesIdleAndReportsStatus(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	status := newCollector()
	if _, err := b.Subscribe(ChannelStatus, "mgr", status.handle); err != nil {
		t.Fatal(err)
	}

	a := startAgent(t, b, &scriptedExecutor{})
	if got := a.State().Phase; got != models.AgentPhaseIdle {
		t.Errorf("phase after start = %s, want idle", got)
	}

	msgs := status.waitFor(t, 1)
	if msgs[0].Content["event"] != "started" {
		t.Errorf("first status event = %v, want started", msgs[0].Content["event"])
	}
}

func TestAgent_ExecutesTaskAndPublishesResult(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	results := newCollector()
	if _, err := b.Subscribe(ChannelResults, "mgr", results.handle); err != nil {
		t.Fatal(err)
	}

	a := startAgent(t, b, &scriptedExecutor{})
	sendTask(t, b, "t1")

	msgs := results.waitFor(t, 1)
	if msgs[0].Content["task_id"] != "t1" {
		t.Fatalf("result for task %v, want t1", msgs[0].Content["task_id"])
	}
	res := resultFrom(t, msgs[0])
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if res.CompletedAt.IsZero() {
		t.Error("CompletedAt not stamped")
	}

	// Back to idle with a recorded completion.
	waitForPhase(t, a, models.AgentPhaseIdle)
	if m := a.State().Metrics; m.TasksCompleted != 1 || m.TasksFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestAgent_BusyRejectsSecondTask(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	results := newCollector()
	if _, err := b.Subscribe(ChannelResults, "mgr", results.handle); err != nil {
		t.Fatal(err)
	}

	exec := &scriptedExecutor{block: make(chan struct{}), started: make(chan string, 1)}
	startAgent(t, b, exec)

	sendTask(t, b, "t1")
	<-exec.started
	sendTask(t, b, "t2")

	msgs := results.waitFor(t, 1)
	if msgs[0].Content["task_id"] != "t2" {
		t.Fatalf("first result for %v, want the rejected t2", msgs[0].Content["task_id"])
	}
	res := resultFrom(t, msgs[0])
	if res.Success || res.ErrorKind != string(fault.KindCommunication) || !res.Retryable {
		t.Errorf("busy rejection = %+v", res)
	}

	close(exec.block)
	msgs = results.waitFor(t, 1)
	if msgs[1].Content["task_id"] != "t1" {
		t.Errorf("second result for %v, want t1", msgs[1].Content["task_id"])
	}
}

func TestAgent_ErrorProducesStructuredResult(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	results := newCollector()
	if _, err := b.Subscribe(ChannelResults, "mgr", results.handle); err != nil {
		t.Fatal(err)
	}

	exec := &scriptedExecutor{outcomes: []error{fault.Exhaustion("no sandbox slots")}}
	a := startAgent(t, b, exec)
	sendTask(t, b, "t1")

	res := resultFrom(t, results.waitFor(t, 1)[0])
	if res.Success {
		t.Fatal("failed execution reported success")
	}
	if res.ErrorKind != string(fault.KindResourceExhaustion) {
		t.Errorf("kind = %q, want resource_exhaustion", res.ErrorKind)
	}

	// One error does not quarantine.
	waitForPhase(t, a, models.AgentPhaseIdle)
	if a.State().ErrorStreak != 1 {
		t.Errorf("streak = %d, want 1", a.State().ErrorStreak)
	}
}

func TestAgent_ThreeStrikesQuarantines(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	results := newCollector()
	status := newCollector()
	if _, err := b.Subscribe(ChannelResults, "mgr", results.handle); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ChannelStatus, "mgr", status.handle); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	exec := &scriptedExecutor{outcomes: []error{boom, boom, boom}}
	a := startAgent(t, b, exec)

	for i, id := range []string{"t1", "t2", "t3"} {
		sendTask(t, b, id)
		results.waitFor(t, i+1)
		if i < 2 {
			waitForPhase(t, a, models.AgentPhaseIdle)
		}
	}

	waitForPhase(t, a, models.AgentPhaseTerminated)

	var quarantined bool
	for _, msg := range status.waitFor(t, 2) {
		if msg.Content["event"] == "quarantined" {
			quarantined = true
		}
	}
	if !quarantined {
		t.Error("no quarantine notice on the status channel")
	}

	// A quarantined agent no longer accepts work.
	sendTask(t, b, "t4")
	time.Sleep(50 * time.Millisecond)
	if exec.callCount() != 3 {
		t.Errorf("executor ran %d times after quarantine, want 3", exec.callCount())
	}
}

func TestAgent_SuccessResetsStreak(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	results := newCollector()
	if _, err := b.Subscribe(ChannelResults, "mgr", results.handle); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	exec := &scriptedExecutor{outcomes: []error{boom, boom, nil, boom}}
	a := startAgent(t, b, exec)

	for i, id := range []string{"t1", "t2", "t3", "t4"} {
		sendTask(t, b, id)
		results.waitFor(t, i+1)
		waitForPhase(t, a, models.AgentPhaseIdle)
	}

	if got := a.State().ErrorStreak; got != 1 {
		t.Errorf("streak = %d, want 1 after reset", got)
	}
	if a.State().Phase != models.AgentPhaseIdle {
		t.Errorf("phase = %s, want idle", a.State().Phase)
	}
}

func TestAgent_CancellationStopsTask(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	results := newCollector()
	if _, err := b.Subscribe(ChannelResults, "mgr", results.handle); err != nil {
		t.Fatal(err)
	}

	exec := &scriptedExecutor{block: make(chan struct{}), started: make(chan string, 1)}
	a := startAgent(t, b, exec)
	sendTask(t, b, "t1")
	<-exec.started

	cancelMsg := models.NewMessage(models.MessageTypeCancellation, "manager", map[string]any{"task_id": "t1"}, models.SecurityContext{})
	if err := b.Publish(Channel("a1"), cancelMsg); err != nil {
		t.Fatal(err)
	}

	res := resultFrom(t, results.waitFor(t, 1)[0])
	if res.Success {
		t.Fatal("cancelled task reported success")
	}
	if res.ErrorKind != string(fault.KindTimeout) {
		t.Errorf("kind = %q, want operation_timeout for a cancelled task", res.ErrorKind)
	}
	waitForPhase(t, a, models.AgentPhaseIdle)
}

func TestAgent_CancellationForOtherTaskIgnored(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	results := newCollector()
	if _, err := b.Subscribe(ChannelResults, "mgr", results.handle); err != nil {
		t.Fatal(err)
	}

	exec := &scriptedExecutor{block: make(chan struct{}), started: make(chan string, 1)}
	startAgent(t, b, exec)
	sendTask(t, b, "t1")
	<-exec.started

	cancelMsg := models.NewMessage(models.MessageTypeCancellation, "manager", map[string]any{"task_id": "other"}, models.SecurityContext{})
	if err := b.Publish(Channel("a1"), cancelMsg); err != nil {
		t.Fatal(err)
	}

	close(exec.block)
	res := resultFrom(t, results.waitFor(t, 1)[0])
	if !res.Success {
		t.Errorf("task cancelled by a mismatched task_id: %+v", res)
	}
}

func TestAgent_QueryReturnsState(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	startAgent(t, b, &scriptedExecutor{})

	query := models.NewMessage(models.MessageTypeQuery, "manager", nil, models.SecurityContext{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := b.Request(ctx, Channel("a1"), query, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	state, ok := reply.Content["state"].(models.AgentState)
	if !ok {
		t.Fatalf("reply carries no state: %v", reply.Content)
	}
	if state.ID != "a1" || state.Kind != "execution" {
		t.Errorf("state = %+v", state)
	}
}

func TestAgent_HeartbeatPublishes(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	status := newCollector()
	if _, err := b.Subscribe(ChannelStatus, "mgr", status.handle); err != nil {
		t.Fatal(err)
	}

	a := New(Config{ID: "a1", HeartbeatInterval: 20 * time.Millisecond}, b, &scriptedExecutor{})
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	// started + at least two heartbeats.
	msgs := status.waitFor(t, 3)
	var beats int
	for _, msg := range msgs {
		if msg.Content["event"] == "heartbeat" {
			beats++
		}
	}
	if beats < 2 {
		t.Errorf("saw %d heartbeats, want at least 2", beats)
	}
}

func waitForPhase(t *testing.T, a *Agent, want models.AgentPhase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State().Phase == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", a.State().Phase, want)
}
