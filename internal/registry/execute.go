package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/internal/sandbox"
	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/pkg/models"
)

// prepare runs the pipeline up to and including the permission gate:
// lookup, apply defaults, validate, authorize. It returns the function
// and the merged parameters ready for dispatch.
func (r *Registry) prepare(name string, params map[string]any, sc models.SecurityContext) (Function, map[string]any, error) {
	fn, ok := r.Get(name)
	if !ok {
		return Function{}, nil, fmt.Errorf("function %q: %w", name, fault.ErrNotFound)
	}

	// Defaults are applied before validation, not after, so a declared
	// default must itself satisfy the schema.
	merged := applyDefaults(fn, params)
	if err := validate(fn, merged); err != nil {
		return Function{}, nil, err
	}

	allowed, err := r.verifier.Verify(security.Operation{
		Type:        "execute_function",
		Resource:    fn.Name,
		Permissions: fn.Permissions,
		Projected:   fn.Limits,
	}, sc)
	if err != nil {
		return Function{}, nil, fmt.Errorf("authorize %q: %w", fn.Name, err)
	}
	if !allowed {
		return Function{}, nil, fault.Security(fmt.Sprintf("execution of %q refused", fn.Name), fault.ErrPermissionDenied)
	}
	return fn, merged, nil
}

// Authorize runs the execution pipeline without dispatching. Callers
// with a setup cost ahead of dispatch, like a sandbox to provision,
// gate on this first so a refused call never pays for it.
func (r *Registry) Authorize(name string, params map[string]any, sc models.SecurityContext) error {
	_, _, err := r.prepare(name, params, sc)
	return err
}

// Execute runs the named function under sc inside sb. The pipeline is
// fixed: lookup, apply defaults, validate, authorize, dispatch. Nothing
// touches the sandbox before the permission gate passes, and a handler
// failure is returned as-is, never reclassified as a permission or
// validation error.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, sc models.SecurityContext, sb *sandbox.Sandbox) (map[string]any, error) {
	fn, merged, err := r.prepare(name, params, sc)
	if err != nil {
		return nil, err
	}

	timeout := fn.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := fn.Handler(runCtx, Invocation{Params: merged, Sandbox: sb, Context: sc})
	if err != nil {
		deadlineHit := errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded
		if deadlineHit && fault.KindOf(err) != fault.KindTimeout {
			return result, fault.Timeout(fmt.Sprintf("%q exceeded %v after %v", fn.Name, timeout, time.Since(start).Round(time.Millisecond)))
		}
		return result, err
	}
	return result, nil
}
