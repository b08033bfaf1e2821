// Package sandbox manages isolated execution environments for agents:
// one sandbox per agent, a strict lifecycle state machine, and per-path
// file access grants decided by the user at most once per sandbox.
package sandbox

import (
	"context"
	"time"

	"github.com/hivecore/hive/pkg/models"
)

// AccessMode is the user's decision for one requested host path.
type AccessMode string

const (
	// AccessMap binds the live host path into the sandbox, read-only.
	AccessMap AccessMode = "map"
	// AccessCopy snapshots the host path into the sandbox; the host copy
	// is never touched again.
	AccessCopy AccessMode = "copy"
	// AccessDeny refuses the request.
	AccessDeny AccessMode = "deny"
)

// Valid returns true if the mode is a known value.
func (m AccessMode) Valid() bool {
	switch m {
	case AccessMap, AccessCopy, AccessDeny:
		return true
	default:
		return false
	}
}

// Mount is one host path made visible inside the boundary.
type Mount struct {
	HostPath    string     `json:"host_path"`
	SandboxPath string     `json:"sandbox_path"`
	Access      AccessMode `json:"access"`
}

// Spec describes the boundary to create for one agent.
type Spec struct {
	// ImageRef names the isolation image; opaque to this core.
	ImageRef string `json:"image_ref"`
	// Limits caps the whole boundary.
	Limits models.ResourceLimits `json:"limits"`
	// NetworkAllowlist is the only set of reachable peers; empty means
	// no network.
	NetworkAllowlist []string `json:"network_allowlist,omitempty"`
	// Mounts are the initial grants.
	Mounts []Mount `json:"mounts,omitempty"`
}

// Handle references a created boundary. Ref is runtime-specific and
// opaque to this core.
type Handle struct {
	ID  string `json:"id"`
	Ref string `json:"ref"`
}

// ExecResult is the outcome of one command run inside a boundary.
type ExecResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
}

// Boundary is the external isolation provider (container runtime,
// process jail, VM). The core treats it strictly as a lifecycle
// provider: Create must either fully succeed or leave nothing behind
// that Remove cannot clean, Stop bounds in-flight work by grace, and
// Remove is idempotent.
type Boundary interface {
	Create(ctx context.Context, spec Spec) (Handle, error)
	Exec(ctx context.Context, h Handle, command string, env map[string]string, limits models.ResourceLimits) (ExecResult, error)
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	Remove(ctx context.Context, h Handle) error
}

// ApprovalPrompt is the user-facing collaborator asked to decide file
// access. It returns exactly one of map, copy, or deny.
type ApprovalPrompt interface {
	Decide(ctx context.Context, hostPath string) (AccessMode, error)
}

// DenyAllPrompt refuses every path. The safe default when no prompt is
// wired.
type DenyAllPrompt struct{}

// Decide implements ApprovalPrompt.
func (DenyAllPrompt) Decide(context.Context, string) (AccessMode, error) {
	return AccessDeny, nil
}
