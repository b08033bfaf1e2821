package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// fakeBoundary records lifecycle calls and can be told to fail Create.
type fakeBoundary struct {
	mu         sync.Mutex
	createErr  error
	created    int
	stopped    []string
	removed    []string
	execResult ExecResult
}

func (f *fakeBoundary) Create(ctx context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Handle{}, f.createErr
	}
	f.created++
	return Handle{ID: "h1", Ref: "/fake"}, nil
}

func (f *fakeBoundary) Exec(ctx context.Context, h Handle, command string, env map[string]string, limits models.ResourceLimits) (ExecResult, error) {
	return f.execResult, nil
}

func (f *fakeBoundary) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h.ID)
	return nil
}

func (f *fakeBoundary) Remove(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, h.ID)
	return nil
}

// scriptedPrompt returns queued decisions and counts how often it was
// consulted per path.
type scriptedPrompt struct {
	mu       sync.Mutex
	decision AccessMode
	asked    map[string]int
}

func newScriptedPrompt(decision AccessMode) *scriptedPrompt {
	return &scriptedPrompt{decision: decision, asked: make(map[string]int)}
}

func (p *scriptedPrompt) Decide(ctx context.Context, hostPath string) (AccessMode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked[hostPath]++
	return p.decision, nil
}

func TestProvision_ReachesActive(t *testing.T) {
	fb := &fakeBoundary{}
	m := NewManager(fb, nil, 4, time.Second)

	sb, err := m.Provision(context.Background(), "agent1", Spec{ImageRef: "base"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	defer m.Release(context.Background(), sb)

	if sb.State() != models.SandboxActive {
		t.Errorf("state = %s, want active", sb.State())
	}
	if fb.created != 1 {
		t.Errorf("boundary.Create calls = %d, want 1", fb.created)
	}
}

func TestProvision_FailureCleansUp(t *testing.T) {
	fb := &fakeBoundary{createErr: errors.New("no capacity on runtime")}
	m := NewManager(fb, nil, 4, time.Second)

	_, err := m.Provision(context.Background(), "agent1", Spec{})
	if err == nil {
		t.Fatal("provision should fail when the boundary cannot be created")
	}
	// Partial resources must be force-cleaned, never abandoned.
	if len(fb.removed) != 1 {
		t.Errorf("boundary.Remove calls = %d, want 1", len(fb.removed))
	}
	if m.ActiveCount() != 0 {
		t.Errorf("active count = %d after failed provision, want 0", m.ActiveCount())
	}
}

func TestProvision_AvailabilityCheck(t *testing.T) {
	fb := &fakeBoundary{}
	m := NewManager(fb, nil, 1, time.Second)

	sb, err := m.Provision(context.Background(), "agent1", Spec{})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	defer m.Release(context.Background(), sb)

	_, err = m.Provision(context.Background(), "agent2", Spec{})
	if err == nil {
		t.Fatal("second provision should fail at the availability check")
	}
	if fault.KindOf(err) != fault.KindResourceExhaustion {
		t.Errorf("KindOf = %q, want %q", fault.KindOf(err), fault.KindResourceExhaustion)
	}
}

func TestRelease_DrainsThenTerminates(t *testing.T) {
	fb := &fakeBoundary{}
	m := NewManager(fb, nil, 4, time.Second)

	sb, _ := m.Provision(context.Background(), "agent1", Spec{})
	if err := m.Release(context.Background(), sb); err != nil {
		t.Fatalf("release: %v", err)
	}

	if sb.State() != models.SandboxTerminated {
		t.Errorf("state = %s, want terminated", sb.State())
	}
	if len(fb.stopped) != 1 || len(fb.removed) != 1 {
		t.Errorf("stop/remove calls = %d/%d, want 1/1", len(fb.stopped), len(fb.removed))
	}

	// Idempotent cleanup: releasing again must not error or re-remove.
	if err := m.Release(context.Background(), sb); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if len(fb.removed) != 1 {
		t.Errorf("remove called %d times after double release, want 1", len(fb.removed))
	}
}

func TestExec_RefusedOutsideActive(t *testing.T) {
	fb := &fakeBoundary{}
	m := NewManager(fb, nil, 4, time.Second)

	sb, _ := m.Provision(context.Background(), "agent1", Spec{})
	m.Release(context.Background(), sb)

	_, err := sb.Exec(context.Background(), "ls", nil, models.ResourceLimits{})
	if err == nil {
		t.Fatal("exec in a terminated sandbox should fail")
	}
}

func TestRequestAccess_PromptsOncePerPath(t *testing.T) {
	fb := &fakeBoundary{}
	prompt := newScriptedPrompt(AccessMap)
	m := NewManager(fb, prompt, 4, time.Second)

	sb, _ := m.Provision(context.Background(), "agent1", Spec{})
	defer m.Release(context.Background(), sb)

	for i := 0; i < 3; i++ {
		mode, err := sb.RequestAccess(context.Background(), "/home/user/Documents")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if mode != AccessMap {
			t.Errorf("mode = %s, want map", mode)
		}
	}
	if prompt.asked["/home/user/Documents"] != 1 {
		t.Errorf("prompt consulted %d times, want 1", prompt.asked["/home/user/Documents"])
	}

	// A different path prompts again.
	if _, err := sb.RequestAccess(context.Background(), "/etc/hosts"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if prompt.asked["/etc/hosts"] != 1 {
		t.Errorf("second path consulted %d times, want 1", prompt.asked["/etc/hosts"])
	}
}

func TestRequestAccess_CopySnapshotsHostPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(file, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	fb := &fakeBoundary{}
	m := NewManager(fb, newScriptedPrompt(AccessCopy), 4, time.Second)
	sb, _ := m.Provision(context.Background(), "agent1", Spec{})
	defer m.Release(context.Background(), sb)

	mode, err := sb.RequestAccess(context.Background(), file)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if mode != AccessCopy {
		t.Fatalf("mode = %s, want copy", mode)
	}

	// Host-side edits after the grant must be invisible to reads.
	if err := os.WriteFile(file, []byte("edited later"), 0644); err != nil {
		t.Fatal(err)
	}
	resolved, err := sb.ResolveRead(file)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := os.ReadFile(resolved)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("snapshot content = %q, want %q", got, "original")
	}
}

func TestResolveRead_DeniedPath(t *testing.T) {
	fb := &fakeBoundary{}
	m := NewManager(fb, newScriptedPrompt(AccessDeny), 4, time.Second)
	sb, _ := m.Provision(context.Background(), "agent1", Spec{})
	defer m.Release(context.Background(), sb)

	mode, err := sb.RequestAccess(context.Background(), "/secret")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if mode != AccessDeny {
		t.Fatalf("mode = %s, want deny", mode)
	}

	_, err = sb.ResolveRead("/secret")
	if !errors.Is(err, fault.ErrPermissionDenied) {
		t.Errorf("ResolveRead on denied path: err = %v, want ErrPermissionDenied", err)
	}
	// Ungranted paths are also denied.
	if _, err := sb.ResolveRead("/never-requested"); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Errorf("ResolveRead on ungranted path: err = %v, want ErrPermissionDenied", err)
	}
}

func TestLocalBoundary_ExecAndTimeout(t *testing.T) {
	b := NewLocalBoundary()
	h, err := b.Create(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer b.Remove(context.Background(), h)

	res, err := b.Exec(context.Background(), h, "echo hello", nil, models.ResourceLimits{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "hello\n" {
		t.Errorf("exec result = %+v", res)
	}

	res, err = b.Exec(context.Background(), h, "exit 3", nil, models.ResourceLimits{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}

	_, err = b.Exec(context.Background(), h, "sleep 5", nil, models.ResourceLimits{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("long command should exceed its deadline")
	}
	if fault.KindOf(err) != fault.KindTimeout {
		t.Errorf("KindOf = %q, want %q", fault.KindOf(err), fault.KindTimeout)
	}
}

func TestLocalBoundary_StopCancelsSurvivingConcurrentExec(t *testing.T) {
	b := NewLocalBoundary()
	h, err := b.Create(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer b.Remove(context.Background(), h)

	longDone := make(chan struct{})
	go func() {
		defer close(longDone)
		b.Exec(context.Background(), h, "sleep 10", nil, models.ResourceLimits{})
	}()

	// Let the long command start, then run a short one to completion in
	// the same boundary. Its cleanup must not drop the long command's
	// cancel func.
	time.Sleep(50 * time.Millisecond)
	if _, err := b.Exec(context.Background(), h, "true", nil, models.ResourceLimits{}); err != nil {
		t.Fatalf("short exec: %v", err)
	}

	if err := b.Stop(context.Background(), h, 50*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-longDone:
	case <-time.After(2 * time.Second):
		t.Fatal("long command still running after Stop")
	}
}

func TestLocalBoundary_RemoveIdempotent(t *testing.T) {
	b := NewLocalBoundary()
	h, _ := b.Create(context.Background(), Spec{})
	if err := b.Remove(context.Background(), h); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := b.Remove(context.Background(), h); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
	if err := b.Remove(context.Background(), Handle{}); err != nil {
		t.Fatalf("remove of zero handle should be a no-op, got %v", err)
	}
}
