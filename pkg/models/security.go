package models

import (
	"slices"
	"time"
)

// SecurityContext is the capability token carried on every message and
// referenced by every sandbox. Immutable once issued: a permission change
// requires the security manager to issue a new context, never mutate one.
type SecurityContext struct {
	// ID uniquely identifies this context issue.
	ID string `json:"id"`
	// AgentID is the agent the context was issued to.
	AgentID string `json:"agent_id"`
	// Permissions is the set of granted capability names.
	Permissions []string `json:"permissions"`
	// Limits bounds resource use for operations under this context.
	Limits ResourceLimits `json:"limits"`
	// IssuedAt is when the security manager created the context.
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresAt, if set, invalidates the context after that instant.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// AuditRef names the audit trail entries for this context are
	// recorded under.
	AuditRef string `json:"audit_ref,omitempty"`
}

// HasAll reports whether every permission in perms is granted.
func (c SecurityContext) HasAll(perms []string) bool {
	for _, p := range perms {
		if !slices.Contains(c.Permissions, p) {
			return false
		}
	}
	return true
}

// Expired reports whether the context is past its expiry at instant now.
func (c SecurityContext) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// IntersectPermissions returns the permissions present in both c and perms,
// preserving the order of perms. Used for subtask inheritance: a subtask
// may narrow but never widen its parent's grant.
func (c SecurityContext) IntersectPermissions(perms []string) []string {
	var out []string
	for _, p := range perms {
		if slices.Contains(c.Permissions, p) {
			out = append(out, p)
		}
	}
	return out
}
