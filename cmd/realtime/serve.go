package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/commonaid/realtime/internal/auth"
	"github.com/commonaid/realtime/internal/config"
	"github.com/commonaid/realtime/internal/gateway"
	"github.com/commonaid/realtime/internal/observability"
	"github.com/commonaid/realtime/internal/storage"
	"github.com/commonaid/realtime/internal/sweeper"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime gateway server",
		Long: `Start the realtime gateway server.

The server will:
1. Load configuration from the specified file
2. Connect to the durable store
3. Accept websocket connections on /ws
4. Expose health introspection on /healthz and metrics on /metrics
5. Run the reconciliation sweeper in the background

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("REALTIME_CONFIG")
			}
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics()

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	jwtService := auth.NewJWTService(cfg.Auth.Secret, cfg.Auth.TokenExpiry())
	server := gateway.NewServer(cfg, stores, jwtService, logger, metrics)

	sweep := sweeper.New(
		sweeper.Config{
			Interval:           cfg.Sweeper.Interval(),
			StaleConnectionAge: cfg.Sweeper.StaleConnectionAge(),
			RetryStateTTL:      cfg.Sweeper.RetryStateTTL(),
		},
		server.Registry(),
		server.Retries(),
		stores.Presences,
		server.ForceClose,
		logger,
		metrics,
	)
	if err := sweep.Start(); err != nil {
		return err
	}
	defer sweep.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("realtime gateway listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}

func openStores(cfg *config.Config) (storage.StoreSet, error) {
	switch cfg.Database.Driver {
	case "memory":
		return storage.NewMemoryStores(), nil
	default:
		return storage.NewSQLStores(cfg.Database.Driver, cfg.Database.DSN, nil)
	}
}
