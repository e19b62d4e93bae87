package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nox/internal/config"
	"github.com/jkaninda/nox/internal/gateway"
	"github.com/jkaninda/nox/internal/observability"
)

// shutdownGrace bounds the graceful shutdown of the server and jobs.
const shutdownGrace = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override NOX_PORT")
}

// runServe starts the API and blocks until SIGINT/SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Port = servePort
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resolveSecrets(ctx, cfg); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	app, err := newApp(ctx, cfg, logger)
	defer app.Cleanup()
	if err != nil {
		return err
	}

	app.Jobs.Start()
	if app.Obs.Metrics != nil {
		// Publish the gauges before the first tick.
		go observability.RefreshSandboxStats(app.Workspace, app.Obs.Metrics, logger)()
	}

	var gw gateway.Gateway = app.Gateway
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
			runErr = fmt.Errorf("http api: %w", err)
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	app.Jobs.Stop(shutdownCtx)
	return runErr
}
