package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/internal/registry"
	"github.com/hivecore/hive/internal/sandbox"
	"github.com/hivecore/hive/pkg/models"
)

// Invoker is the slice of the function registry executors need.
// Satisfied by *registry.Registry.
type Invoker interface {
	Authorize(name string, params map[string]any, sc models.SecurityContext) error
	Execute(ctx context.Context, name string, params map[string]any, sc models.SecurityContext, sb *sandbox.Sandbox) (map[string]any, error)
	Idempotent(name string) bool
}

var _ Invoker = (*registry.Registry)(nil)

// Provisioner is the slice of the sandbox manager the execution
// executor needs. Satisfied by *sandbox.Manager.
type Provisioner interface {
	Provision(ctx context.Context, agentID string, spec sandbox.Spec) (*sandbox.Sandbox, error)
	Release(ctx context.Context, sb *sandbox.Sandbox) error
}

var _ Provisioner = (*sandbox.Manager)(nil)

// ExecutionExecutor runs command-execution tasks: it provisions a
// sandbox for the task, drives registered functions inside it, and
// tears the sandbox down when the task finishes either way.
type ExecutionExecutor struct {
	agentID   string
	registry  Invoker
	sandboxes Provisioner
	secCtx    models.SecurityContext
}

// NewExecutionExecutor wires the execution variant.
func NewExecutionExecutor(agentID string, reg Invoker, sm Provisioner, sc models.SecurityContext) *ExecutionExecutor {
	return &ExecutionExecutor{agentID: agentID, registry: reg, sandboxes: sm, secCtx: sc}
}

// Kind implements Executor.
func (e *ExecutionExecutor) Kind() string { return "execution" }

// Execute implements Executor. The task's content names a registered
// function and its parameters; command-execution tasks without an
// explicit function default to exec.command.
func (e *ExecutionExecutor) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	fnName, params, err := callFromTask(task)
	if err != nil {
		return models.Result{}, err
	}
	// A refused or invalid call must never get a sandbox.
	if err := e.registry.Authorize(fnName, params, e.secCtx); err != nil {
		return models.Result{}, err
	}

	sb, err := e.sandboxes.Provision(ctx, e.agentID, sandbox.Spec{Limits: task.Requirements})
	if err != nil {
		return models.Result{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	defer e.sandboxes.Release(context.Background(), sb)

	data, err := e.registry.Execute(ctx, fnName, params, e.secCtx, sb)
	if err != nil {
		// A timed-out idempotent call is safe for the manager to retry.
		retryable := fault.KindOf(err) == fault.KindTimeout && e.registry.Idempotent(fnName)
		return models.Result{Data: data, Retryable: retryable}, err
	}
	return models.Result{Success: true, Data: data}, nil
}

// callFromTask extracts the function call a task describes.
func callFromTask(task models.Task) (string, map[string]any, error) {
	if name, ok := task.Content["function"].(string); ok && name != "" {
		params, _ := task.Content["params"].(map[string]any)
		return name, params, nil
	}
	if task.Type == models.TaskTypeCommand {
		command, ok := task.Content["command"].(string)
		if !ok || command == "" {
			return "", nil, fault.Validation("command", "command-execution task without a command")
		}
		params := map[string]any{"command": command}
		if t, ok := task.Content["timeout"]; ok {
			params["timeout"] = t
		}
		if env, ok := task.Content["env"]; ok {
			params["env"] = env
		}
		return "exec.command", params, nil
	}
	return "", nil, fault.Validation("function", fmt.Sprintf("task %s names no function", task.ID))
}

// ResearchExecutor gathers material by composing read-only registered
// functions. File access runs through the grant-gated fs functions
// inside a sandbox provisioned for the task.
type ResearchExecutor struct {
	agentID   string
	registry  Invoker
	sandboxes Provisioner
	secCtx    models.SecurityContext
}

// NewResearchExecutor wires the research variant.
func NewResearchExecutor(agentID string, reg Invoker, sm Provisioner, sc models.SecurityContext) *ResearchExecutor {
	return &ResearchExecutor{agentID: agentID, registry: reg, sandboxes: sm, secCtx: sc}
}

// Kind implements Executor.
func (e *ResearchExecutor) Kind() string { return "research" }

// Execute implements Executor. The task content lists sources to read;
// each becomes an fs.read call and the findings are returned together.
func (e *ResearchExecutor) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	sources, _ := task.Content["sources"].([]any)
	if len(sources) == 0 {
		return models.Result{}, fault.Validation("sources", fmt.Sprintf("research task %s lists no sources", task.ID))
	}
	first := ""
	for _, src := range sources {
		if p, ok := src.(string); ok && p != "" {
			first = p
			break
		}
	}
	if first == "" {
		return models.Result{}, fault.Validation("sources", fmt.Sprintf("research task %s lists no readable source paths", task.ID))
	}
	// A refused or invalid call must never get a sandbox.
	if err := e.registry.Authorize("fs.read", map[string]any{"path": first}, e.secCtx); err != nil {
		return models.Result{}, err
	}

	sb, err := e.sandboxes.Provision(ctx, e.agentID, sandbox.Spec{Limits: task.Requirements})
	if err != nil {
		return models.Result{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	defer e.sandboxes.Release(context.Background(), sb)

	findings := make([]any, 0, len(sources))
	var failed []string
	for _, src := range sources {
		path, ok := src.(string)
		if !ok {
			continue
		}
		data, err := e.registry.Execute(ctx, "fs.read", map[string]any{"path": path}, e.secCtx, sb)
		if err != nil {
			if ctx.Err() != nil {
				return models.Result{Data: map[string]any{"findings": findings}}, ctx.Err()
			}
			failed = append(failed, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		findings = append(findings, data)
	}

	result := models.Result{
		Success: len(findings) > 0,
		Data: map[string]any{
			"findings": findings,
			"failed":   failed,
		},
	}
	if !result.Success {
		return result, fault.AgentFailure(fmt.Sprintf("task %s: no source readable", task.ID), nil)
	}
	return result, nil
}

// PlanningExecutor turns a goal description into an ordered step list.
// The heavy decomposition lives with the task manager's planner; this
// variant handles planning tasks delegated to a worker.
type PlanningExecutor struct{}

// NewPlanningExecutor wires the planning variant.
func NewPlanningExecutor() *PlanningExecutor { return &PlanningExecutor{} }

// Kind implements Executor.
func (e *PlanningExecutor) Kind() string { return "planning" }

// Execute implements Executor.
func (e *PlanningExecutor) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}
	steps := splitSteps(task.Description)
	if len(steps) == 0 {
		return models.Result{}, fault.Validation("description", fmt.Sprintf("planning task %s has nothing to plan", task.ID))
	}
	out := make([]any, len(steps))
	for i, s := range steps {
		out[i] = map[string]any{"order": i + 1, "description": s}
	}
	return models.Result{Success: true, Data: map[string]any{"steps": out}}, nil
}

// AnalysisExecutor summarizes material already gathered: counts,
// per-source sizes, and elapsed-time accounting over prior results.
type AnalysisExecutor struct{}

// NewAnalysisExecutor wires the analysis variant.
func NewAnalysisExecutor() *AnalysisExecutor { return &AnalysisExecutor{} }

// Kind implements Executor.
func (e *AnalysisExecutor) Kind() string { return "analysis" }

// Execute implements Executor.
func (e *AnalysisExecutor) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}
	inputs, _ := task.Content["inputs"].([]any)
	if len(inputs) == 0 {
		return models.Result{}, fault.Validation("inputs", fmt.Sprintf("analysis task %s has no inputs", task.ID))
	}

	var totalBytes int
	perInput := make([]any, 0, len(inputs))
	for i, in := range inputs {
		text := fmt.Sprint(in)
		totalBytes += len(text)
		perInput = append(perInput, map[string]any{
			"index": i,
			"bytes": len(text),
			"words": len(strings.Fields(text)),
		})
	}
	return models.Result{
		Success: true,
		Data: map[string]any{
			"inputs":      perInput,
			"total_bytes": totalBytes,
			"analyzed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// splitSteps breaks a goal description into step candidates on
// sentence-ish boundaries.
func splitSteps(desc string) []string {
	raw := strings.FieldsFunc(desc, func(r rune) bool {
		return r == ';' || r == '\n' || r == '.'
	})
	steps := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}

// ForKind returns the executor variant for a configured kind string.
func ForKind(kind, agentID string, reg Invoker, sm Provisioner, sc models.SecurityContext) (Executor, error) {
	switch kind {
	case "execution":
		return NewExecutionExecutor(agentID, reg, sm, sc), nil
	case "research":
		return NewResearchExecutor(agentID, reg, sm, sc), nil
	case "planning":
		return NewPlanningExecutor(), nil
	case "analysis":
		return NewAnalysisExecutor(), nil
	default:
		return nil, fmt.Errorf("executor kind %q: %w", kind, fault.ErrNotFound)
	}
}
