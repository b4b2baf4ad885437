package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mihome-go/internal/config"
	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"
	"mihome-go/internal/reconcile"
	"mihome-go/internal/store"
	"mihome-go/internal/web"
	"mihome-go/internal/wizard"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	cmdTimeout, _ := cfg.CommandTimeout()
	idleTimeout, _ := cfg.WizardIdleTimeout()

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("mihome-go starting", "version", version, "config", cfgPath)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := device.NewEventBus(logger)
	registry := device.NewRegistry(db, events, logger)
	dispatcher := dispatch.New(registry, logger,
		dispatch.WithPort(cfg.Command.Port),
		dispatch.WithTimeout(cmdTimeout),
		dispatch.WithEvents(events),
	)

	// Hosts attach before the cache is restored so they see every record.
	mqtt := initMQTT(registry, dispatcher, events, cfg, logger)
	homekit := initHomeKit(registry, dispatcher, events, cfg, logger)

	if err := registry.Restore(); err != nil {
		logger.Warn("restore accessory cache", "err", err)
	}
	reconcile.Run(context.Background(), registry, cfg.Devices, logger)
	logger.Info("devices ready", "count", registry.Len())
	homekit.Start()

	auto, autoWebOpts := initAutomation(registry, dispatcher, db, logger)

	machine := wizard.NewMachine(registry, &config.FilePersister{Path: cfgPath}, logger)
	sessions := wizard.NewSessions(machine, idleTimeout)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithWizard(sessions),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(registry, dispatcher, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sweepDone := make(chan struct{})
	go sweepSessions(sessions, idleTimeout, sweepDone, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	close(sweepDone)
	auto.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	homekit.Stop()
	mqtt.Stop()

	logger.Info("goodbye")
}

// sweepSessions drops abandoned wizard sessions until done is closed.
func sweepSessions(sessions *wizard.Sessions, idle time.Duration, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := sessions.Sweep(); n > 0 {
				logger.Debug("expired wizard sessions", "count", n)
			}
		}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
