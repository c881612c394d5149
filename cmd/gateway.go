package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ArchitectVS7/OpenClaw/internal/agent"
	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/channels"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/cron"
	"github.com/ArchitectVS7/OpenClaw/internal/gateway"
	"github.com/ArchitectVS7/OpenClaw/internal/identity"
	"github.com/ArchitectVS7/OpenClaw/internal/memory"
	"github.com/ArchitectVS7/OpenClaw/internal/nodes"
	"github.com/ArchitectVS7/OpenClaw/internal/providers"
	"github.com/ArchitectVS7/OpenClaw/internal/scheduler"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/internal/tools"
)

// Process exit codes. Supervisors key restart policy off these.
const (
	exitOK            = 0
	exitConfigInvalid = 2
	exitIdentity      = 3
	exitBind          = 4
	exitInvariant     = 64
)

// runGateway wires the full runtime and blocks until SIGINT/SIGTERM.
func runGateway() int {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	path := config.FindPath(cfgFile, config.Default().Agents.Defaults.Workspace)
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("gateway.config_invalid", "path", path, "error", err)
		return exitConfigInvalid
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("gateway.workspace_unwritable", "path", workspace, "error", err)
		return exitConfigInvalid
	}

	b := bus.New()
	mgr := config.NewManager(path, cfg, b)

	identityDir := filepath.Join(workspace, "identity")
	device, err := identity.LoadOrCreate(identityDir)
	if err != nil {
		slog.Error("gateway.identity_failed", "dir", identityDir, "error", err)
		return exitIdentity
	}
	pairings, err := identity.NewPairings(identityDir)
	if err != nil {
		slog.Error("gateway.identity_failed", "dir", identityDir, "error", err)
		return exitIdentity
	}
	slog.Info("gateway.identity", "device", device.DeviceID)

	sess, err := sessions.NewManager(workspace, 0)
	if err != nil {
		slog.Error("gateway.sessions_failed", "error", err)
		return exitInvariant
	}

	// One lane per agent plus the shared browser lane; config overrides win.
	lanes := map[string]int{"browser": 1}
	for _, id := range cfg.AgentIDs() {
		lanes[id] = 1
	}
	for name, n := range cfg.LaneConcurrency() {
		lanes[name] = n
	}
	sched := scheduler.New(lanes)

	index, err := memory.OpenSQLite(filepath.Join(workspace, "memory.db"))
	if err != nil {
		slog.Error("gateway.memory_failed", "error", err)
		return exitInvariant
	}
	defer index.Close()

	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewExecTool(workspace, true),
		tools.NewReadFileTool(workspace, true),
		tools.NewWriteFileTool(workspace, true),
		tools.NewListFilesTool(workspace, true),
		tools.NewSessionsListTool(sess, config.DefaultAgentID),
		tools.NewSessionsHistoryTool(sess, config.DefaultAgentID),
		tools.NewSessionsSendTool(sess, b, config.DefaultAgentID),
		tools.NewMemorySearchTool(index, ""),
		tools.NewWebFetchTool(tools.WebFetchConfig{}),
	} {
		if err := registry.Register(t); err != nil {
			slog.Error("gateway.tool_register_failed", "error", err)
			return exitInvariant
		}
	}
	if ws := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey: os.Getenv("BRAVE_API_KEY"),
		DDGEnabled:  true,
	}); ws != nil {
		if err := registry.Register(ws); err != nil {
			slog.Error("gateway.tool_register_failed", "error", err)
			return exitInvariant
		}
	}

	policy := tools.NewPolicyEngine(tools.PolicySpec{
		Allow:            cfg.Tools.Allow,
		Deny:             cfg.Tools.Deny,
		RequiresApproval: cfg.Tools.RequiresApproval,
	})

	approvalTTL := time.Duration(cfg.Tools.ApprovalTTLMin) * time.Minute
	if approvalTTL == 0 {
		approvalTTL = 15 * time.Minute
	}
	broker := tools.NewBroker(b, approvalTTL)

	modelTimeout := time.Duration(cfg.Tools.ModelTimeoutMin) * time.Minute
	if modelTimeout == 0 {
		modelTimeout = 10 * time.Minute
	}
	profiles, err := providers.LoadProfiles(agent.ProfileDir(workspace, config.DefaultAgentID))
	if err != nil {
		slog.Error("gateway.providers_failed", "error", err)
		return exitConfigInvalid
	}
	chain, err := providers.NewAnthropicChain(profiles, modelTimeout)
	if err != nil {
		slog.Error("gateway.providers_failed", "error", err)
		return exitConfigInvalid
	}

	router := agent.NewRouter(agent.RouterOptions{
		Config:    mgr.Current,
		Provider:  chain,
		Sessions:  sess,
		Registry:  registry,
		Policy:    policy,
		Broker:    broker,
		Scheduler: sched,
		Events:    b,
		Inbound:   b,
		Retriever: memory.NewRetriever(index),
		Workspace: workspace,
	})

	chanMgr := channels.NewManager(b, b, mgr.Current, pairings)
	cronSched := cron.New(mgr.Current, b, b)
	nodeReg := nodes.NewRegistry(b)

	methods := &gateway.Methods{
		Config:    mgr,
		Agents:    router,
		Sessions:  sess,
		Channels:  chanMgr,
		Nodes:     nodeReg,
		Broker:    broker,
		StartedAt: time.Now(),
	}
	srv := gateway.NewServer(gateway.Options{
		Config:   mgr,
		Pairings: pairings,
		Events:   b,
		Methods:  methods,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			slog.Warn("gateway.config_watch_failed", "error", err)
		}
	}()
	go router.Start(ctx)
	go cronSched.Run(ctx)

	chanMgr.Startup(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chanMgr.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, gateway.ErrBindRefused) || isListenError(err) {
			slog.Error("gateway.bind_failed", "error", err)
			return exitBind
		}
		slog.Error("gateway.failed", "error", err)
		return exitInvariant
	}
	slog.Info("gateway.stopped")
	return exitOK
}

func isListenError(err error) bool {
	var opErr *os.SyscallError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES)
}
