package models

// SandboxState represents the lifecycle state of a sandbox.
type SandboxState string

const (
	// SandboxRequested indicates creation has been asked for but no
	// resources are committed yet.
	SandboxRequested SandboxState = "requested"
	// SandboxProvisioning indicates the isolation boundary is being built.
	SandboxProvisioning SandboxState = "provisioning"
	// SandboxActive indicates the boundary is up and accepting work.
	SandboxActive SandboxState = "active"
	// SandboxDraining indicates in-flight operations are finishing under
	// a bounded grace period.
	SandboxDraining SandboxState = "draining"
	// SandboxTerminated indicates the boundary is gone. Terminal.
	SandboxTerminated SandboxState = "terminated"
	// SandboxFailed indicates provisioning or execution broke; partial
	// resources are force-cleaned. Terminal.
	SandboxFailed SandboxState = "failed"
)

// Valid returns true if the state is a known value.
func (s SandboxState) Valid() bool {
	switch s {
	case SandboxRequested, SandboxProvisioning, SandboxActive,
		SandboxDraining, SandboxTerminated, SandboxFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible from s.
func (s SandboxState) Terminal() bool {
	return s == SandboxTerminated || s == SandboxFailed
}

// CanTransition reports whether the sandbox state machine permits
// moving from s to next.
func (s SandboxState) CanTransition(next SandboxState) bool {
	switch s {
	case SandboxRequested:
		return next == SandboxProvisioning || next == SandboxFailed
	case SandboxProvisioning:
		return next == SandboxActive || next == SandboxFailed
	case SandboxActive:
		return next == SandboxDraining || next == SandboxFailed
	case SandboxDraining:
		return next == SandboxTerminated
	default:
		return false
	}
}
