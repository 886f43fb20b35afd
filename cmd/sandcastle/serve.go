package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sandcastle/internal/audit"
	"github.com/basket/sandcastle/internal/bus"
	"github.com/basket/sandcastle/internal/config"
	"github.com/basket/sandcastle/internal/orchestrator"
	sandotel "github.com/basket/sandcastle/internal/otel"
	"github.com/basket/sandcastle/internal/signal"
	"github.com/basket/sandcastle/internal/telemetry"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon and the signal-file transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer closer.Close()
			slog.SetDefault(logger)
			if err := audit.Init(cfg.HomeDir); err != nil {
				return fmt.Errorf("init audit log: %w", err)
			}
			defer func() { _ = audit.Close() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Log only to <home>/logs, not stderr")
	return cmd
}

// serve blocks until ctx is done, then drains in-flight agents.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	provider, err := sandotel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	eventBus := bus.New()
	defer eventBus.Close()
	metrics, err := sandotel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	recorder := sandotel.NewRecorder(eventBus, metrics, logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	ocfg := orchestratorConfig(cfg, logger)
	ocfg.Bus = eventBus
	ocfg.Tracer = provider.Tracer
	orc, err := orchestrator.Open(ocfg)
	if err != nil {
		return err
	}
	defer orc.Close()
	if err := orc.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	logger.Info("startup phase", "phase", "orchestrator_started", "slots", cfg.MaxConcurrentAgents, "code_root", cfg.CodeRoot)

	watcher, err := signal.NewWatcher(signal.Config{Dir: cfg.SignalDir, Submitter: orc, Logger: logger})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		orc.Shutdown(cfg.DrainTimeout())
		return fmt.Errorf("start signal watcher: %w", err)
	}

	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go warnOnConfigChange(cfgWatcher, cfg.Fingerprint(), logger)
	}
	logger.Info("startup phase", "phase", "ready", "signal_dir", cfg.SignalDir)

	<-ctx.Done()
	logger.Info("shutdown requested", "drain_timeout", cfg.DrainTimeout())
	watcher.Wait()
	drained := orc.Shutdown(cfg.DrainTimeout())
	if err := orc.SnapshotStats(context.Background()); err != nil {
		logger.Warn("final stats snapshot", "error", err)
	}
	logger.Info("shutdown complete", "drained", drained)
	return nil
}

func warnOnConfigChange(w *config.Watcher, running string, logger *slog.Logger) {
	for ev := range w.Events() {
		switch {
		case ev.Err != nil:
			logger.Error("config.yaml no longer loads; the running daemon keeps its settings", "error", ev.Err)
		case ev.Fingerprint != running:
			logger.Warn("config.yaml changed; restart serve to apply", "running", running, "on_disk", ev.Fingerprint)
		}
	}
}
