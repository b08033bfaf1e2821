// Package registry declares the invocable operations agents may run:
// their parameter schemas, required permissions, and resource ceilings.
// Execution goes through a fixed pipeline: lookup, defaults, schema
// validation, permission check, then dispatch inside the caller's
// sandbox.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/internal/sandbox"
	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/pkg/models"
)

// ParamType is the declared type of one function parameter.
type ParamType string

const (
	ParamString   ParamType = "string"
	ParamInt      ParamType = "int"
	ParamFloat    ParamType = "float"
	ParamBool     ParamType = "bool"
	ParamDuration ParamType = "duration"
	ParamList     ParamType = "list"
	ParamMap      ParamType = "map"
)

// Param declares one parameter: its type, whether the caller must
// supply it, and the default applied when they do not.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
}

// Invocation is what a handler receives: validated parameters, the
// caller's sandbox, and the security context the call was authorized
// under.
type Invocation struct {
	Params  map[string]any
	Sandbox *sandbox.Sandbox
	Context models.SecurityContext
}

// Handler executes the function body. It runs under a context carrying
// the function's timeout and must honor cancellation between steps.
type Handler func(ctx context.Context, inv Invocation) (map[string]any, error)

// Function is one registered operation. Immutable once registered.
type Function struct {
	Name        string
	Description string
	Params      []Param
	// Permissions the caller's context must hold.
	Permissions []string
	// Limits is the resource ceiling for one execution.
	Limits models.ResourceLimits
	// Timeout overrides the registry default when positive.
	Timeout time.Duration
	// Idempotent marks the function safe to retry with identical
	// parameters after a timeout.
	Idempotent bool
	Handler    Handler
}

// Verifier authorizes executions. Satisfied by *security.Manager.
type Verifier interface {
	Verify(op security.Operation, sc models.SecurityContext) (bool, error)
}

// Registry owns the function table. Single-writer: registration goes
// through Register/Replace under the registry's own lock, and the lock
// is never held across a handler call.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Function

	verifier       Verifier
	defaultTimeout time.Duration
}

// New creates a registry. defaultTimeout bounds functions that declare
// no timeout of their own; zero means 30s.
func New(verifier Verifier, defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		fns:            make(map[string]Function),
		verifier:       verifier,
		defaultTimeout: defaultTimeout,
	}
}

// Register adds fn. A name collision is rejected, not overwritten;
// use Replace for an explicit overwrite.
func (r *Registry) Register(fn Function) error {
	if fn.Name == "" {
		return fault.Validation("name", "must not be empty")
	}
	if fn.Handler == nil {
		return fault.Validation("handler", "must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[fn.Name]; exists {
		return fmt.Errorf("function %q already registered", fn.Name)
	}
	r.fns[fn.Name] = fn
	return nil
}

// Replace registers fn, overwriting any existing registration of the
// same name.
func (r *Registry) Replace(fn Function) error {
	if fn.Name == "" {
		return fault.Validation("name", "must not be empty")
	}
	if fn.Handler == nil {
		return fault.Validation("handler", "must not be nil")
	}
	r.mu.Lock()
	r.fns[fn.Name] = fn
	r.mu.Unlock()
	return nil
}

// Get returns the registered function by name.
func (r *Registry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns all registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Idempotent reports whether name is registered and marked idempotent.
func (r *Registry) Idempotent(name string) bool {
	fn, ok := r.Get(name)
	return ok && fn.Idempotent
}
