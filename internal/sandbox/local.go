package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// outputCeiling bounds captured stdout/stderr per stream.
const outputCeiling = 1 << 20

// LocalBoundary is a reference Boundary over local processes: each
// sandbox is a work directory and commands run in their own process
// group so Stop can signal everything a command spawned. It provides
// working isolation semantics for tests and single-node deployments;
// a container runtime replaces it in production.
type LocalBoundary struct {
	mu        sync.Mutex
	dirs      map[string]string
	running   map[string]map[uint64]context.CancelFunc
	nextToken uint64
}

// NewLocalBoundary creates a process-based boundary provider.
func NewLocalBoundary() *LocalBoundary {
	return &LocalBoundary{
		dirs:    make(map[string]string),
		running: make(map[string]map[uint64]context.CancelFunc),
	}
}

// Create allocates a work directory for the boundary.
func (b *LocalBoundary) Create(ctx context.Context, spec Spec) (Handle, error) {
	dir, err := os.MkdirTemp("", "hive-box-")
	if err != nil {
		return Handle{}, fmt.Errorf("create boundary dir: %w", err)
	}
	h := Handle{ID: uuid.New().String()[:8], Ref: dir}
	b.mu.Lock()
	b.dirs[h.ID] = dir
	b.mu.Unlock()
	return h, nil
}

// Exec runs command through "sh -c" inside the boundary's work
// directory, with only the provided environment visible. The limits
// timeout is enforced as a hard deadline.
func (b *LocalBoundary) Exec(ctx context.Context, h Handle, command string, env map[string]string, limits models.ResourceLimits) (ExecResult, error) {
	b.mu.Lock()
	dir, ok := b.dirs[h.ID]
	b.mu.Unlock()
	if !ok {
		return ExecResult{}, fmt.Errorf("exec in unknown boundary %s: %w", h.ID, fault.ErrNotFound)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	token := b.track(h.ID, cancel)
	defer b.untrack(h.ID, token)

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = flattenEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Signal the whole process group, not just the shell.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := ExecResult{
		Stdout:   truncate(&stdout),
		Stderr:   truncate(&stderr),
		Duration: time.Since(start),
	}
	result.Truncated = stdout.Len() > outputCeiling || stderr.Len() > outputCeiling

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, fault.Timeout(fmt.Sprintf("command exceeded %v", limits.Timeout))
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("run command: %w", err)
	}
	return result, nil
}

// Stop cancels everything running in the boundary, giving in-flight
// commands up to grace to notice before their contexts are cancelled.
func (b *LocalBoundary) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	deadline := time.After(grace)
	for {
		b.mu.Lock()
		n := len(b.running[h.ID])
		b.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-deadline:
			b.mu.Lock()
			cancels := b.running[h.ID]
			delete(b.running, h.ID)
			b.mu.Unlock()
			for _, cancel := range cancels {
				cancel()
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Remove deletes the boundary's work directory. Idempotent: removing a
// removed or never-created handle is not an error.
func (b *LocalBoundary) Remove(ctx context.Context, h Handle) error {
	b.mu.Lock()
	dir := b.dirs[h.ID]
	delete(b.dirs, h.ID)
	delete(b.running, h.ID)
	b.mu.Unlock()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// track registers an in-flight command's cancel func and returns a
// token so untrack removes exactly that one, not a concurrent peer's.
func (b *LocalBoundary) track(id string, cancel context.CancelFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	if b.running[id] == nil {
		b.running[id] = make(map[uint64]context.CancelFunc)
	}
	b.running[id][b.nextToken] = cancel
	return b.nextToken
}

func (b *LocalBoundary) untrack(id string, token uint64) {
	b.mu.Lock()
	delete(b.running[id], token)
	b.mu.Unlock()
}

func flattenEnv(env map[string]string) []string {
	out := []string{"PATH=" + os.Getenv("PATH")}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func truncate(buf *bytes.Buffer) string {
	if buf.Len() > outputCeiling {
		return buf.String()[:outputCeiling]
	}
	return buf.String()
}

// Compile-time verification that LocalBoundary implements Boundary.
var _ Boundary = (*LocalBoundary)(nil)
