package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// Manager creates and destroys sandboxes. It guarantees that every
// sandbox it hands out eventually reaches exactly one of Active or
// Failed, and that every Active sandbox eventually reaches Terminated
// with its boundary removed, even on abnormal agent termination.
type Manager struct {
	boundary Boundary
	prompt   ApprovalPrompt

	mu     sync.Mutex
	active map[string]*Sandbox

	// maxActive bounds concurrent sandboxes; the availability check for
	// Requested -> Provisioning.
	maxActive int
	grace     time.Duration
}

// NewManager creates a sandbox manager over the given boundary provider.
func NewManager(boundary Boundary, prompt ApprovalPrompt, maxActive int, grace time.Duration) *Manager {
	if prompt == nil {
		prompt = DenyAllPrompt{}
	}
	if maxActive <= 0 {
		maxActive = 8
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Manager{
		boundary:  boundary,
		prompt:    prompt,
		active:    make(map[string]*Sandbox),
		maxActive: maxActive,
		grace:     grace,
	}
}

// Sandbox is one isolated execution environment owned by one agent.
// No two agents ever share one.
type Sandbox struct {
	ID      string
	AgentID string

	mgr    *Manager
	handle Handle
	spec   Spec

	mu        sync.Mutex
	state     models.SandboxState
	grants    map[string]AccessMode
	snapshots map[string]string
	scratch   string
}

// Provision creates a sandbox for agentID, driving it from Requested
// through Provisioning to Active. On any failure the sandbox lands in
// Failed and partially created resources are force-cleaned before the
// error is returned.
func (m *Manager) Provision(ctx context.Context, agentID string, spec Spec) (*Sandbox, error) {
	sb := &Sandbox{
		ID:        uuid.New().String()[:8],
		AgentID:   agentID,
		mgr:       m,
		spec:      spec,
		state:     models.SandboxRequested,
		grants:    make(map[string]AccessMode),
		snapshots: make(map[string]string),
	}

	// Availability check gates Requested -> Provisioning.
	m.mu.Lock()
	if len(m.active) >= m.maxActive {
		m.mu.Unlock()
		sb.setState(models.SandboxFailed)
		return nil, fault.Exhaustion(fmt.Sprintf("sandbox limit %d reached", m.maxActive))
	}
	m.active[sb.ID] = sb
	m.mu.Unlock()
	sb.setState(models.SandboxProvisioning)

	scratch, err := os.MkdirTemp("", "hive-snap-"+sb.ID+"-")
	if err != nil {
		m.fail(ctx, sb, Handle{})
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	sb.scratch = scratch

	handle, err := m.boundary.Create(ctx, spec)
	if err != nil {
		// The boundary must never be abandoned half-created: force
		// cleanup of whatever Create left behind.
		m.fail(ctx, sb, handle)
		return nil, fmt.Errorf("create boundary for agent %s: %w", agentID, err)
	}
	sb.handle = handle
	sb.setState(models.SandboxActive)
	log.Printf("[sandbox] %s active for agent %s", sb.ID, agentID)
	return sb, nil
}

// fail moves sb to Failed and force-cleans partial resources.
func (m *Manager) fail(ctx context.Context, sb *Sandbox, h Handle) {
	sb.setState(models.SandboxFailed)
	if err := m.boundary.Remove(ctx, h); err != nil {
		log.Printf("[sandbox] WARNING: cleanup of failed sandbox %s: %v", sb.ID, err)
	}
	sb.removeScratch()
	m.forget(sb.ID)
}

// Release drains and terminates sb: Active -> Draining, a bounded grace
// period for in-flight operations, then the boundary is stopped,
// removed, and the sandbox is Terminated. Safe to call more than once
// and on sandboxes that already failed.
func (m *Manager) Release(ctx context.Context, sb *Sandbox) error {
	sb.mu.Lock()
	if sb.state.Terminal() {
		sb.mu.Unlock()
		return nil
	}
	if sb.state != models.SandboxActive {
		// Never reached Active: treat as failure cleanup.
		sb.mu.Unlock()
		m.fail(ctx, sb, sb.handle)
		return nil
	}
	sb.state = models.SandboxDraining
	sb.mu.Unlock()

	if err := m.boundary.Stop(ctx, sb.handle, m.grace); err != nil {
		log.Printf("[sandbox] WARNING: stop %s: %v", sb.ID, err)
	}
	if err := m.boundary.Remove(ctx, sb.handle); err != nil {
		sb.removeScratch()
		m.forget(sb.ID)
		sb.setState(models.SandboxTerminated)
		return fmt.Errorf("remove boundary %s: %w", sb.ID, err)
	}
	sb.removeScratch()
	m.forget(sb.ID)
	sb.setState(models.SandboxTerminated)
	log.Printf("[sandbox] %s terminated", sb.ID)
	return nil
}

// ReleaseAll terminates every active sandbox. Called on shutdown and
// when an agent dies without releasing its own.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Sandbox, 0, len(m.active))
	for _, sb := range m.active {
		all = append(all, sb)
	}
	m.mu.Unlock()
	for _, sb := range all {
		if err := m.Release(ctx, sb); err != nil {
			log.Printf("[sandbox] WARNING: release %s: %v", sb.ID, err)
		}
	}
}

// ActiveCount returns the number of non-terminal sandboxes.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// State returns the sandbox's current lifecycle state.
func (s *Sandbox) State() models.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sandbox) setState(next models.SandboxState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return
	}
	if !s.state.CanTransition(next) {
		// Transitions are driven by the manager only; a bad one is a
		// programming error worth surfacing loudly in logs.
		log.Printf("[sandbox] WARNING: illegal transition %s -> %s for %s", s.state, next, s.ID)
		return
	}
	s.state = next
}

// Exec runs one command inside the boundary with limits as a ceiling.
// Only valid while Active.
func (s *Sandbox) Exec(ctx context.Context, command string, env map[string]string, limits models.ResourceLimits) (ExecResult, error) {
	s.mu.Lock()
	state := s.state
	handle := s.handle
	s.mu.Unlock()
	if state != models.SandboxActive {
		return ExecResult{}, fault.AgentFailure(fmt.Sprintf("sandbox %s is %s, not active", s.ID, state), nil)
	}
	return s.mgr.boundary.Exec(ctx, handle, command, env, limits)
}

func (s *Sandbox) removeScratch() {
	s.mu.Lock()
	scratch := s.scratch
	s.scratch = ""
	s.mu.Unlock()
	if scratch != "" {
		os.RemoveAll(scratch)
	}
}
