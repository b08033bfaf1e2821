package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/internal/sandbox"
	"github.com/hivecore/hive/pkg/models"
)

// readCeiling bounds fs.read payloads.
const readCeiling = 1 << 20

// RegisterBuiltins installs the core function set: sandboxed command
// execution and grant-gated file access.
func RegisterBuiltins(r *Registry) error {
	builtins := []Function{
		{
			Name:        "exec.command",
			Description: "Run a shell command inside the agent's sandbox.",
			Params: []Param{
				{Name: "command", Type: ParamString, Required: true},
				{Name: "timeout", Type: ParamDuration, Default: "30s"},
				{Name: "env", Type: ParamMap},
			},
			Permissions: []string{"exec.command"},
			Limits:      models.ResourceLimits{MemoryMB: 512},
			Idempotent:  false,
			Handler:     execCommand,
		},
		{
			Name:        "fs.read",
			Description: "Read a host file through the sandbox's access grants.",
			Params: []Param{
				{Name: "path", Type: ParamString, Required: true},
			},
			Permissions: []string{"fs.read"},
			Idempotent:  true,
			Handler:     fsRead,
		},
		{
			Name:        "fs.list",
			Description: "List a host directory through the sandbox's access grants.",
			Params: []Param{
				{Name: "path", Type: ParamString, Required: true},
			},
			Permissions: []string{"fs.read"},
			Idempotent:  true,
			Handler:     fsList,
		},
		{
			Name:        "fs.write",
			Description: "Write a file inside a copy-granted snapshot.",
			Params: []Param{
				{Name: "path", Type: ParamString, Required: true},
				{Name: "content", Type: ParamString, Required: true},
			},
			Permissions: []string{"fs.write"},
			Idempotent:  true,
			Handler:     fsWrite,
		},
	}
	for _, fn := range builtins {
		if err := r.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func execCommand(ctx context.Context, inv Invocation) (map[string]any, error) {
	command := inv.Params["command"].(string)
	timeout := DurationParam(inv.Params, "timeout", 30*time.Second)

	env := make(map[string]string)
	if raw, ok := inv.Params["env"].(map[string]any); ok {
		for k, v := range raw {
			env[k] = fmt.Sprint(v)
		}
	}

	res, err := inv.Sandbox.Exec(ctx, command, env, models.ResourceLimits{Timeout: timeout})
	data := map[string]any{
		"exit_code":   res.ExitCode,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"duration_ms": res.Duration.Milliseconds(),
		"timed_out":   res.TimedOut,
		"truncated":   res.Truncated,
	}
	if err != nil {
		return data, err
	}
	if res.ExitCode != 0 {
		return data, fmt.Errorf("command exited with status %d", res.ExitCode)
	}
	return data, nil
}

func fsRead(ctx context.Context, inv Invocation) (map[string]any, error) {
	path := inv.Params["path"].(string)

	if _, err := inv.Sandbox.RequestAccess(ctx, path); err != nil {
		return nil, err
	}
	resolved, err := inv.Sandbox.ResolveRead(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	truncated := len(content) > readCeiling
	if truncated {
		content = content[:readCeiling]
	}
	return map[string]any{
		"path":      path,
		"content":   string(content),
		"truncated": truncated,
	}, nil
}

func fsList(ctx context.Context, inv Invocation) (map[string]any, error) {
	path := inv.Params["path"].(string)

	if _, err := inv.Sandbox.RequestAccess(ctx, path); err != nil {
		return nil, err
	}
	resolved, err := inv.Sandbox.ResolveRead(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", path, err)
	}
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return map[string]any{"path": path, "entries": names}, nil
}

func fsWrite(ctx context.Context, inv Invocation) (map[string]any, error) {
	path := inv.Params["path"].(string)
	content := inv.Params["content"].(string)

	mode, err := inv.Sandbox.RequestAccess(ctx, path)
	if err != nil {
		return nil, err
	}
	// Map grants are live binds and read-only by default; only a copy
	// snapshot is writable from inside the sandbox.
	if mode != sandbox.AccessCopy {
		return nil, fault.Security(fmt.Sprintf("write to %q requires a copy grant, have %s", path, mode), fault.ErrPermissionDenied)
	}
	resolved, err := inv.Sandbox.ResolveRead(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("write %q: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("write %q: %w", path, err)
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}
