package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/tools"
)

// runtime holds the components shared by serve, ask and chat.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *memory.SQLiteStore
	history  *memory.HistoryCache
	registry *tools.Registry
	client   *llm.OllamaClient
	loop     *agent.Loop
	bus      *events.Bus
	metrics  *metrics.Metrics
}

// configuredLogger loads the config and returns a logger at the
// configured level and format.
func configuredLogger(w io.Writer, explicit string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(explicit)
	if err != nil {
		return nil, nil, err
	}
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(w, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// openStore opens the durable store, creating its directory.
func openStore(cfg *config.Config) (*memory.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}

// buildRegistry registers the built-in tools enabled by cfg.
func buildRegistry(cfg *config.Config, prefs tools.PreferenceWriter, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry()

	fileTools := tools.NewFileTools(cfg.Workspace.Path)
	if fileTools.Enabled() {
		for _, t := range fileTools.Tools() {
			registry.Register(t)
		}
		logger.Debug("file tools enabled", "workspace", cfg.Workspace.Path)
	}

	shellCfg := tools.DefaultShellExecConfig()
	shellCfg.Enabled = cfg.ShellExec.Enabled
	shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
	shellCfg.AllowedCmds = cfg.ShellExec.AllowedPrefixes
	if len(cfg.ShellExec.DeniedPatterns) > 0 {
		shellCfg.DeniedCmds = append(shellCfg.DeniedCmds, cfg.ShellExec.DeniedPatterns...)
	}
	if cfg.ShellExec.DefaultTimeoutSec > 0 {
		shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
	}
	if shell := tools.NewShellExec(shellCfg); shell.Enabled() {
		registry.Register(shell.Tool())
		logger.Warn("shell_exec tool enabled", "working_dir", shellCfg.WorkingDir)
	}

	if prefs != nil {
		registry.Register(tools.PreferenceTool(prefs))
	}
	return registry
}

// newRuntime opens the store and assembles the loop. withMetrics creates
// a Prometheus registry and wires it through the components.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, withMetrics bool) (*runtime, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		store:  store,
		bus:    events.New(),
	}
	if withMetrics {
		rt.metrics = metrics.New()
		rt.metrics.RegisterEventDrops(rt.bus.Dropped)
	}

	rt.history = memory.NewHistoryCache(store, cfg.History.MaxTurns, logger)
	rt.history.SetRetention(cfg.History.RetainEntries)
	if rt.metrics != nil {
		rt.metrics.RegisterHistoryUsers(rt.history.Users)
	}
	if cfg.History.HydrateOnStart {
		n, err := rt.history.HydrateAll(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("hydrate history: %w", err)
		}
		logger.Info("history hydrated", "users", n)
	}

	rt.registry = buildRegistry(cfg, store, logger)
	executor := tools.NewExecutor(rt.registry, cfg.Agent.ToolTimeout(), logger)
	if rt.metrics != nil {
		executor.SetRecorder(rt.metrics)
	}

	rt.client = llm.NewOllamaClient(cfg.Model.URL, cfg.Model.Name, cfg.Model.Timeout(), logger)
	if cfg.Model.EmbedModel != "" {
		rt.client.SetEmbedModel(cfg.Model.EmbedModel)
	}

	persona, err := cfg.ResolvePersona()
	if err != nil {
		store.Close()
		return nil, err
	}

	rt.loop = agent.NewLoop(logger, rt.client, executor, rt.history, cfg.Agent.MaxToolCalls)
	rt.loop.SetEventBus(rt.bus)
	rt.loop.SetMetrics(rt.metrics)
	rt.loop.SetPreferences(store)
	rt.loop.SetPersona(persona)
	rt.loop.SetModelName(cfg.Model.Name)
	rt.loop.SetContextProvider(agent.NewCompositeContextProvider(
		agent.NewChannelProvider(cfg.Agent.ChannelNotes),
		agent.NewClockProvider(),
	))

	logger.Debug("runtime assembled",
		"model", cfg.Model.Name,
		"tools", rt.registry.Names(),
		"max_tool_calls", rt.loop.MaxToolCalls(),
		"history_capacity", rt.history.Capacity(),
	)
	return rt, nil
}

// Close releases the store.
func (rt *runtime) Close() error {
	return rt.store.Close()
}

// Model implements [mqtt.StatsSource].
func (rt *runtime) Model() string { return rt.cfg.Model.Name }

// CachedUsers implements [mqtt.StatsSource].
func (rt *runtime) CachedUsers() int { return rt.history.Users() }
