package main

import (
	"context"
	"fmt"
	"time"

	"fitsync/internal/config"
	"fitsync/internal/constants"
	"fitsync/internal/models"
	"fitsync/internal/tracing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent and its loopback API",
		Long: `Run the agent: watch backend connectivity, replay queued actions when it
returns, keep a push subscription open and serve the local HTTP API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), opts, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, cfg *models.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting fitsync")

	if opts.Verbose {
		logger.Info("Verbose logging enabled - request bodies will be logged masked")
	}

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close action queue")
		}
	}()

	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}

	if cfg.Push.Enabled {
		go func() {
			if sub := a.subscribePush(ctx); sub == nil {
				logger.Info("Push notifications unavailable, continuing without them")
			}
		}()
	}

	if opts.ConfigPath != "" {
		watcher := config.NewConfigWatcher(opts.ConfigPath, logger)
		watcher.OnConfigChange(func(newConfig *models.Config) {
			if !opts.Verbose {
				logger.SetLevel(config.Level(newConfig))
			}
		})
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.WithError(err).Warn("Configuration watcher stopped")
			}
		}()
	}

	server := NewServer(cfg, a, logger, opts.Verbose)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
