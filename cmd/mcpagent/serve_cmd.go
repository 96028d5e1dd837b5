package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/httpapi"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/logs"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/runtime"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the agent service. Every session opened through the API gets its own
tool-server processes, selected from the configured catalog by the session's
credentials and flags.`,
	RunE: runServe,
}

// GetServeCommand returns the serve command for adding to the root command
func GetServeCommand() *cobra.Command {
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyLoggingFlags(cmd, cfg)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = logs.LogLevelInfo
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	sugar := logger.Sugar()

	logger.Info("Starting mcpagent",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("catalog_servers", len(cfg.Servers)),
		zap.Bool("activity_enabled", cfg.Activity.Enabled),
		zap.Bool("api_key_set", cfg.APIKey != ""))

	obs, err := observability.NewManager(sugar, cfg.Observability, version)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}

	rt, err := runtime.New(cfg, logger, runtime.Options{Observability: obs})
	if err != nil {
		_ = obs.Close(context.Background())
		return fmt.Errorf("failed to create runtime: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = rt.Close()
		_ = obs.Close(context.Background())
		if errors.Is(err, syscall.EADDRINUSE) {
			return withExitCode(ExitCodePortConflict, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err))
		}
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.Start()

	srv := &http.Server{
		Handler:           httpapi.NewServer(rt, cfg.APIKey, sugar, obs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err = <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests first so no session is opened mid-teardown.
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(shutdownErr))
	}
	if closeErr := rt.Close(); closeErr != nil {
		logger.Error("Error stopping runtime", zap.Error(closeErr))
	}
	if closeErr := obs.Close(shutdownCtx); closeErr != nil {
		logger.Warn("Error closing observability", zap.Error(closeErr))
	}

	logger.Info("mcpagent stopped")
	return err
}
