package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-nav/internal/config"
	"github.com/e7canasta/orion-nav/internal/core"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the navigation control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNavigator(cmd.Context())
		},
	}
}

func runNavigator(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	slog.Info("starting navd",
		"config", configPath,
		"instance_id", cfg.InstanceID,
		"debug", debug,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	nav, err := core.NewNavigator(cfg, reg)
	if err != nil {
		slog.Error("failed to create navigator", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var server *http.Server
	if cfg.Health.Port != "" {
		server = nav.StartHealthServer(cfg.Health.Port)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- nav.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("navigator error", "error", runErr)
		}
	}

	shutdownTimeout := nav.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	core.StopHealthServer(shutdownCtx, server)
	if err := nav.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}

	if runErr != nil {
		return fmt.Errorf("navigator stopped: %w", runErr)
	}
	slog.Info("navd stopped successfully")
	return nil
}
