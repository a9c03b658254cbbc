package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mfukushim/avatar-shell-sub000/internal/avatar"
	"github.com/mfukushim/avatar-shell-sub000/internal/bus"
	"github.com/mfukushim/avatar-shell-sub000/internal/config"
	"github.com/mfukushim/avatar-shell-sub000/internal/gateway"
	"github.com/mfukushim/avatar-shell-sub000/internal/gateway/methods"
	"github.com/mfukushim/avatar-shell-sub000/internal/generators"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
	"github.com/mfukushim/avatar-shell-sub000/internal/tracing"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}

	msgStore, err := openMessageStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open message store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer msgStore.Close()

	msgBus := bus.New()
	notifier := bus.NewNotifier(msgBus)

	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.SystemCatalog{})
	toolsReg.Register(tools.NewWebCatalog(0))
	gate := tools.NewGate(tools.GateOptions{
		Registry: toolsReg,
		Consent:  notifier,
		Timeout:  cfg.Dispatch.ConsentTimeout(),
	})

	gens := generators.NewRegistry(cfg.Generators, generators.Deps{
		Tools:  gate,
		Stream: notifier.Chunk,
		Persona: func(avatarID string) string {
			a, _ := current.Load().Avatar(avatarID)
			return a.Persona
		},
	})

	mgr := avatar.NewManager(avatar.ManagerOptions{
		Generators: gens,
		Gate:       gate,
		Store:      msgStore,
		Notifier:   notifier,
	})
	if err := mgr.Sync(ctx, cfg); err != nil {
		slog.Warn("some avatars have configuration errors", "error", err)
	}

	if w, err := config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
		current.Store(next)
		if err := mgr.Sync(ctx, next); err != nil {
			slog.Warn("config reload applied with errors", "error", err)
		}
		slog.Info("config reloaded", "avatars", len(next.AvatarList()))
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		go w.Run(ctx)
	}

	server := gateway.NewServer(cfg.Gateway, msgBus)
	methods.NewChatMethods(mgr).Register(server.Router())
	methods.NewConsentMethods(gate).Register(server.Router())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("avatar-shell gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"store", cfg.Database.Driver,
		"avatars", len(mgr.List()),
		"tools", len(toolsReg.List()),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	mgr.StopAll(stopCtx)
	if err := shutdownTracing(stopCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
	slog.Info("gateway stopped")
}
