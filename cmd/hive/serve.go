package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hivecore/hive/internal/agent"
	"github.com/hivecore/hive/internal/bus"
	"github.com/hivecore/hive/internal/config"
	"github.com/hivecore/hive/internal/manager"
	"github.com/hivecore/hive/internal/registry"
	"github.com/hivecore/hive/internal/sandbox"
	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/internal/state"
	"github.com/hivecore/hive/pkg/models"
)

var (
	serveSpoolDir  string
	serveMapPaths  []string
	serveCopyPaths []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its agent pool",
	Long: `Start the hive orchestrator: the message bus, the security manager,
the sandbox manager, the function registry, the task manager, and the
configured agents, all in one process.

Tasks arrive through the spool directory: drop a task YAML file in it
(or use 'hive submit') and the manager picks it up. Task state and the
audit trail persist in the SQLite state store, where 'hive status' and
'hive audit' read them.

Filesystem access from inside sandboxes is deny-by-default. Grant
specific paths with --allow-map (live read-only bind) or --allow-copy
(writable snapshot).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSpoolDir, "spool", "", "Directory watched for task YAML files (overrides config)")
	serveCmd.Flags().StringSliceVar(&serveMapPaths, "allow-map", nil, "Host paths agents may read live")
	serveCmd.Flags().StringSliceVar(&serveCopyPaths, "allow-copy", nil, "Host paths agents get writable snapshots of")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveSpoolDir != "" {
		cfg.Tasks.SpoolDir = serveSpoolDir
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = state.DefaultPath()
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}

	secMgr := security.NewManager(store)
	store.SetVerifier(secMgr)

	b := bus.New(store)
	defer b.Close()

	backoff := bus.Backoff{
		Base:        cfg.Retries.BackoffBase,
		Factor:      cfg.Retries.BackoffFactor,
		Cap:         cfg.Retries.BackoffCap,
		MaxAttempts: cfg.Retries.MaxPublish,
	}

	sandboxes := sandbox.NewManager(
		sandbox.NewLocalBoundary(),
		newGrantPolicy(serveMapPaths, serveCopyPaths),
		cfg.Sandbox.Max,
		cfg.Timeouts.SandboxGrace,
	)

	reg := registry.New(secMgr, cfg.Timeouts.Function)
	if err := registry.RegisterBuiltins(reg); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	managerCtx, err := secMgr.Issue("manager", []string{state.WritePermission}, models.ResourceLimits{}, 0)
	if err != nil {
		return fmt.Errorf("issue manager context: %w", err)
	}
	mgr := manager.New(b, nil, store, managerCtx, manager.Config{
		ComplexityThreshold: cfg.Tasks.ComplexityThreshold,
		MaxResourceRetries:  cfg.Retries.MaxResource,
		MaxCommRetries:      cfg.Retries.MaxComm,
		RetryBackoff:        backoff,
	})

	pool := &agentPool{
		bus:       b,
		registry:  reg,
		sandboxes: sandboxes,
		security:  secMgr,
		manager:   mgr,
		heartbeat: cfg.Timeouts.Heartbeat,
	}
	defer pool.StopAll()
	for i, kind := range cfg.Agents.Kinds {
		if i >= cfg.Agents.Max {
			break
		}
		if err := pool.Spawn(kind); err != nil {
			return err
		}
	}
	mgr.SetQuarantineHandler(func(lost models.AgentState) {
		log.Printf("[serve] replacing quarantined agent %s (%s)", lost.ID, lost.Kind)
		if err := pool.Spawn(lost.Kind); err != nil {
			log.Printf("[serve] replacement for %s failed: %v", lost.ID, err)
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tasks.SpoolDir != "" {
		watcher, err := watchSpool(ctx, cfg.Tasks.SpoolDir, mgr)
		if err != nil {
			return fmt.Errorf("watch spool %s: %w", cfg.Tasks.SpoolDir, err)
		}
		defer watcher.Close()
		color.Green("watching %s for task files", cfg.Tasks.SpoolDir)
	}

	color.Green("hive serving: %d agents, store %s", len(pool.agents), dbPath)
	err = mgr.Run(ctx)
	sandboxes.ReleaseAll(context.Background())
	if err == context.Canceled {
		fmt.Println("shutting down")
		return nil
	}
	return err
}

// agentPool creates agents with freshly issued security contexts and
// registers them with the manager.
type agentPool struct {
	bus       *bus.Bus
	registry  *registry.Registry
	sandboxes *sandbox.Manager
	security  *security.Manager
	manager   *manager.Manager
	heartbeat time.Duration
	agents    []*agent.Agent
}

// agentPermissions is what a worker context may do. Writes to shared
// state stay with the manager.
var agentPermissions = []string{"exec.command", "fs.read", "fs.write"}

func (p *agentPool) Spawn(kind string) error {
	id := kind + "-" + uuid.New().String()[:8]
	secCtx, err := p.security.Issue(id, agentPermissions, models.ResourceLimits{}, 0)
	if err != nil {
		return fmt.Errorf("issue context for %s: %w", id, err)
	}
	exec, err := agent.ForKind(kind, id, p.registry, p.sandboxes, secCtx)
	if err != nil {
		return err
	}
	a := agent.New(agent.Config{
		ID:                id,
		Capabilities:      []string{kind},
		Context:           secCtx,
		HeartbeatInterval: p.heartbeat,
	}, p.bus, exec)
	if err := a.Start(); err != nil {
		return fmt.Errorf("start agent %s: %w", id, err)
	}
	p.agents = append(p.agents, a)
	p.manager.RegisterAgent(a.State())
	log.Printf("[serve] agent %s started", id)
	return nil
}

func (p *agentPool) StopAll() {
	for _, a := range p.agents {
		a.Stop()
	}
}

// grantPolicy answers sandbox access prompts from the command line
// allow lists. Anything not listed is denied.
type grantPolicy struct {
	mapped map[string]bool
	copied map[string]bool
}

func newGrantPolicy(mapPaths, copyPaths []string) *grantPolicy {
	g := &grantPolicy{mapped: make(map[string]bool), copied: make(map[string]bool)}
	for _, p := range mapPaths {
		g.mapped[p] = true
	}
	for _, p := range copyPaths {
		g.copied[p] = true
	}
	return g
}

// Decide implements sandbox.ApprovalPrompt.
func (g *grantPolicy) Decide(ctx context.Context, hostPath string) (sandbox.AccessMode, error) {
	switch {
	case g.copied[hostPath]:
		return sandbox.AccessCopy, nil
	case g.mapped[hostPath]:
		return sandbox.AccessMap, nil
	default:
		if _, err := os.Stat(hostPath); err == nil {
			log.Printf("[serve] denied sandbox access to %s (not in an allow list)", hostPath)
		}
		return sandbox.AccessDeny, nil
	}
}
