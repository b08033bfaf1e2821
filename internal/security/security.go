// Package security issues capability tokens and authorizes sandboxed
// operations against them. Every verification attempt is audit-logged
// before a decision is returned, approvals and denials alike.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// Operation describes one thing an agent wants to do, with the
// permissions it needs and the resources it projects to use.
type Operation struct {
	// Type is the operation class, e.g. "execute_function".
	Type string
	// Resource names what is acted on, e.g. the function name or path.
	Resource string
	// Permissions lists the capability names required.
	Permissions []string
	// Projected is the resource use this operation expects.
	Projected models.ResourceLimits
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ContextID string    `json:"context_id"`
	AgentID   string    `json:"agent_id"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditSink receives audit entries. Backed by the state store in
// production; a sink must never fail a verification by erroring.
type AuditSink interface {
	RecordAudit(entry AuditEntry)
}

// NopSink discards audit entries.
type NopSink struct{}

// RecordAudit implements AuditSink.
func (NopSink) RecordAudit(AuditEntry) {}

// Manager owns the set of issued contexts. It is the only component that
// creates or revokes them; everything else holds references.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]models.SecurityContext
	sink     AuditSink
	now      func() time.Time
}

// NewManager creates a security manager recording audit entries to sink.
func NewManager(sink AuditSink) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	return &Manager{
		contexts: make(map[string]models.SecurityContext),
		sink:     sink,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Issue creates a new immutable context for agentID. A zero ttl means
// the context never expires.
func (m *Manager) Issue(agentID string, permissions []string, limits models.ResourceLimits, ttl time.Duration) (models.SecurityContext, error) {
	if agentID == "" {
		return models.SecurityContext{}, fault.Validation("agent_id", "must not be empty")
	}

	sc := models.SecurityContext{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Permissions: append([]string(nil), permissions...),
		Limits:      limits,
		IssuedAt:    m.now().UTC(),
		AuditRef:    "audit." + agentID,
	}
	if ttl > 0 {
		exp := sc.IssuedAt.Add(ttl)
		sc.ExpiresAt = &exp
	}

	m.mu.Lock()
	m.contexts[sc.ID] = sc
	m.mu.Unlock()
	return sc, nil
}

// Reissue creates a replacement context for the agent behind old, with
// the given permissions, and revokes old. Contexts are never mutated in
// place: a permission change is always a fresh issue.
func (m *Manager) Reissue(oldID string, permissions []string, ttl time.Duration) (models.SecurityContext, error) {
	m.mu.RLock()
	old, ok := m.contexts[oldID]
	m.mu.RUnlock()
	if !ok {
		return models.SecurityContext{}, fmt.Errorf("reissue %s: %w", oldID, fault.ErrNotFound)
	}

	sc, err := m.Issue(old.AgentID, permissions, old.Limits, ttl)
	if err != nil {
		return models.SecurityContext{}, err
	}
	m.Revoke(oldID)
	return sc, nil
}

// Revoke invalidates a context. Idempotent.
func (m *Manager) Revoke(id string) {
	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()
}

// Verify authorizes op under sc. Denial is a normal (false, nil) result;
// an error is returned only for malformed or expired contexts. The
// attempt is audit-logged unconditionally, before the caller sees any
// outcome. Deterministic: the same op and context yield the same answer
// until a permission change re-issues the context.
func (m *Manager) Verify(op Operation, sc models.SecurityContext) (bool, error) {
	now := m.now()

	// Malformed contexts are violations, not denials.
	if sc.ID == "" || sc.AgentID == "" {
		m.audit(sc, op, false, "malformed context")
		return false, fault.Security("malformed context", fault.ErrInvalidContext)
	}
	if sc.Expired(now) {
		m.audit(sc, op, false, "context expired")
		return false, fault.Security(fmt.Sprintf("context %s expired", sc.ID), fault.ErrInvalidContext)
	}

	// Unknown issue: the context was never issued here or was revoked.
	m.mu.RLock()
	issued, known := m.contexts[sc.ID]
	m.mu.RUnlock()
	if !known || issued.AgentID != sc.AgentID {
		m.audit(sc, op, false, "unknown context")
		return false, nil
	}

	if !issued.HasAll(op.Permissions) {
		m.audit(sc, op, false, "missing permissions")
		return false, nil
	}
	if op.Projected.Exceeds(issued.Limits) {
		m.audit(sc, op, false, "projected resource use exceeds limits")
		return false, nil
	}

	m.audit(sc, op, true, "")
	return true, nil
}

func (m *Manager) audit(sc models.SecurityContext, op Operation, allowed bool, reason string) {
	m.sink.RecordAudit(AuditEntry{
		Timestamp: m.now().UTC(),
		ContextID: sc.ID,
		AgentID:   sc.AgentID,
		Operation: op.Type,
		Resource:  op.Resource,
		Allowed:   allowed,
		Reason:    reason,
	})
}
