// Package fault defines the closed error taxonomy shared across the core.
// Every failure that crosses a component boundary is classified by Kind so
// the task manager can pick a retry policy without parsing messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable failure class.
type Kind string

const (
	// KindSecurityViolation covers invalid or forged contexts and
	// permission denials. Never retried.
	KindSecurityViolation Kind = "security_violation"
	// KindValidation covers bad parameters. Returned to the caller,
	// never retried automatically.
	KindValidation Kind = "validation"
	// KindResourceExhaustion covers limit overruns. The manager re-queues
	// with backoff up to a bounded attempt count.
	KindResourceExhaustion Kind = "resource_exhaustion"
	// KindTimeout covers function or sandbox deadline overruns. Retried
	// once for idempotent functions.
	KindTimeout Kind = "operation_timeout"
	// KindAgentFailure covers agent crashes and unhandled errors.
	KindAgentFailure Kind = "agent_failure"
	// KindCommunication covers bus delivery failures. Retried with
	// exponential backoff up to a bounded attempt count.
	KindCommunication Kind = "communication"
)

// Valid returns true if the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindSecurityViolation, KindValidation, KindResourceExhaustion,
		KindTimeout, KindAgentFailure, KindCommunication:
		return true
	default:
		return false
	}
}

// Sentinel errors for errors.Is checks at call sites.
var (
	// ErrNotFound indicates a lookup miss (function name, task id).
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied indicates the security manager refused the operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTimeout indicates a deadline was exceeded.
	ErrTimeout = errors.New("operation timed out")
	// ErrInvalidContext indicates a malformed or expired security context.
	ErrInvalidContext = errors.New("invalid security context")
)

// Error is a classified failure. Field names the offending input for
// validation errors; Err carries the underlying cause for unwrapping.
type Error struct {
	Kind  Kind
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: field %q: %s: %v", e.Kind, e.Field, e.Msg, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Validation builds a validation error naming the offending field.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Msg: msg}
}

// Security builds a security violation wrapping cause.
func Security(msg string, cause error) *Error {
	return &Error{Kind: KindSecurityViolation, Msg: msg, Err: cause}
}

// Timeout builds an operation timeout error.
func Timeout(msg string) *Error {
	return &Error{Kind: KindTimeout, Msg: msg, Err: ErrTimeout}
}

// Communication builds a bus delivery error wrapping cause.
func Communication(msg string, cause error) *Error {
	return &Error{Kind: KindCommunication, Msg: msg, Err: cause}
}

// Exhaustion builds a resource exhaustion error.
func Exhaustion(msg string) *Error {
	return &Error{Kind: KindResourceExhaustion, Msg: msg}
}

// AgentFailure builds an agent failure wrapping cause.
func AgentFailure(msg string, cause error) *Error {
	return &Error{Kind: KindAgentFailure, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report KindAgentFailure: an error nobody classified is by
// definition an unhandled one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindAgentFailure
}
