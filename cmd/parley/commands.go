package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/channel"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/mqtt"
)

// runServe handles "parley serve": it starts the API server, the MQTT
// bridge when configured, and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. the signal cancels ctx, which ends WebSocket sessions and the
//     MQTT inbox dispatcher
//  2. the MQTT bridge publishes "offline" and disconnects
//  3. the HTTP server drains in-flight requests (see [api.Server.Start])
//  4. the store is closed via defer
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, logger, err := configuredLogger(stdout, opts.configPath)
	if err != nil {
		return err
	}
	logger.Info("starting parley", "version", buildinfo.Version, "commit", buildinfo.Current().Commit)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger, cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("runtime ready",
		"model", cfg.Model.Name,
		"ollama_url", cfg.Model.URL,
		"store", cfg.Store.Path,
		"driver", cfg.Store.Driver,
		"tools", rt.registry.Len(),
	)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rt.client.Ping(pingCtx); err != nil {
		logger.Warn("model backend unreachable, requests will fail until it is up", "url", cfg.Model.URL, "error", err)
	}
	pingCancel()

	dispatcher := channel.NewDispatcher(rt.loop, logger)
	dispatcher.SetEventBus(rt.bus)
	dispatcher.SetMetrics(rt.metrics)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rt.loop, logger)
	server.SetHistory(rt.history)
	server.SetPreferences(rt.store)
	server.SetTools(rt.registry)
	server.SetDispatcher(dispatcher)
	server.SetEventBus(rt.bus)
	server.SetMetrics(rt.metrics)
	server.SetModelName(cfg.Model.Name)
	server.SetHealthCheck(rt.client.Ping)
	server.SetStoreStats(rt.store.Stats)

	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		bridge = mqtt.New(cfg.MQTT, instanceID, rt.bus, rt, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		if cfg.MQTT.Inbox {
			go func() {
				if err := dispatcher.Serve(ctx, bridge); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("mqtt inbox dispatcher failed", "error", err)
				}
			}()
		}
		logger.Info("mqtt bridge enabled",
			"broker", cfg.MQTT.Broker,
			"base_topic", cfg.MQTT.BaseTopic,
			"inbox", cfg.MQTT.Inbox,
		)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	// Start blocks until ctx is cancelled, then drains the server.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
		logger.Error("api server shutdown failed", "error", err)
	}

	logger.Info("parley stopped")
	return nil
}

// runAsk handles "parley ask <question>": one turn, with the reply
// streamed to stdout as it is generated.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	cfg, logger, err := configuredLogger(stderr, opts.configPath)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	req := &agent.Request{UserID: opts.userID, Content: question, ChannelID: channel.ChannelCLI}

	if opts.outputFmt == "json" {
		resp, err := rt.loop.Run(ctx, req, nil)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	streamed := false
	resp, err := rt.loop.Run(ctx, req, func(ev agent.StreamEvent) {
		switch ev.Kind {
		case agent.KindToken:
			streamed = true
			fmt.Fprint(stdout, ev.Token)
		case agent.KindToolCallStart:
			logger.Info("tool call", "tool", ev.ToolName)
		}
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if !streamed {
		fmt.Fprint(stdout, resp.Content)
	}
	fmt.Fprintln(stdout)
	return nil
}

// runChat handles "parley chat": an interactive session on the terminal
// through the channel dispatcher.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	cfg, logger, err := configuredLogger(stderr, opts.configPath)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	adapter := channel.NewLineAdapter(channel.ChannelCLI, opts.userID, stdin, stdout)
	adapter.SetPrompt("> ")

	dispatcher := channel.NewDispatcher(rt.loop, logger)
	dispatcher.SetEventBus(rt.bus)

	err = dispatcher.Serve(ctx, adapter)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runTools handles "parley tools".
func runTools(stdout, stderr io.Writer, opts options) error {
	cfg, logger, err := configuredLogger(stderr, opts.configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	registry := buildRegistry(cfg, store, logger)

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(registry.Definitions())
	}
	for _, t := range registry.List() {
		fmt.Fprintf(stdout, "%-22s %s\n", t.Name(), t.Description())
	}
	return nil
}

// runHistory handles "parley history <user>".
func runHistory(ctx context.Context, stdout, stderr io.Writer, opts options, userID string) error {
	cfg, _, err := configuredLogger(stderr, opts.configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.GetHistory(ctx, userID)
	if err != nil {
		return fmt.Errorf("history %s: %w", userID, err)
	}

	if opts.outputFmt == "json" {
		if entries == nil {
			entries = []memory.Entry{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(stdout, "no history for %s\n", userID)
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "[%s] %s: %s\n", e.Timestamp.Format(time.DateTime), e.Role, e.Content)
	}
	return nil
}

// runForget handles "parley forget <user>".
func runForget(ctx context.Context, stdout, stderr io.Writer, opts options, userID string) error {
	cfg, _, err := configuredLogger(stderr, opts.configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ClearHistory(ctx, userID); err != nil {
		return fmt.Errorf("forget %s: %w", userID, err)
	}
	fmt.Fprintf(stdout, "history cleared for %s\n", userID)
	return nil
}
