// Package main provides the alabobai binary entry point.
// Alabobai is a capability execution runtime: it matches natural-language
// tasks to registered capability endpoints, plans and executes them with
// checkpointed retries, and verifies the outputs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Alabobai/Alabobai-unified-sub008/capability"
	"github.com/Alabobai/Alabobai-unified-sub008/config"
	"github.com/Alabobai/Alabobai-unified-sub008/jobqueue"
	"github.com/Alabobai/Alabobai-unified-sub008/reliability"
	"github.com/Alabobai/Alabobai-unified-sub008/runner"
	"github.com/Alabobai/Alabobai-unified-sub008/server"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "alabobai"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "alabobai",
		Short: "Capability execution runtime",
		Long: `Alabobai runs natural-language tasks against a catalog of
capability endpoints.

It provides:
- Capability matching and one-step planning for submitted tasks
- A durable task runner with checkpoints, retries and a watchdog
- A coarse-grained job queue for image and video generation
- Output verification with per-domain quality gates

State is persisted to JSON stores; the control API is plain HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Load the capability catalog
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("load capability catalog: %w", err)
	}
	logger.Info("capability catalog loaded", "capabilities", catalog.Len())

	kernel := reliability.NewKernel()
	runSvc := runner.NewService(cfg.RunnerOptions(), catalog, kernel, logger)
	queue := jobqueue.New(cfg.QueueOptions(), jobqueue.NewHTTPExecutor(kernel, cfg.Server.Origin), logger)

	mux := http.NewServeMux()
	server.New(runSvc, queue, logger).Register(mux)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runSvc.Start(ctx)
	queue.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening", "addr", cfg.Server.Addr, "origin", cfg.Server.Origin)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	queue.Stop()
	runSvc.Stop()
	logger.Info("alabobai stopped")
	return nil
}

func loadCatalog(cfg *config.Config) (*capability.Catalog, error) {
	if cfg.Server.ManifestPath != "" {
		return capability.LoadManifest(cfg.Server.ManifestPath)
	}
	return capability.Load()
}
