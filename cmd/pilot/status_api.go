package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valethq/pilot/internal/config"
	pilothttp "github.com/valethq/pilot/internal/infrastructure/http"
	"github.com/valethq/pilot/internal/infrastructure/persistence/postgres"
	"github.com/valethq/pilot/pkg/observability"
)

func newStatusAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status-api",
		Short: "Serve the read-only job and worker status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStatusAPIConfig()
			if err != nil {
				return err
			}
			return runStatusAPI(cmd.Context(), cfg)
		},
	}
}

func runStatusAPI(ctx context.Context, cfg *config.StatusAPIConfig) error {
	obs, err := observability.Init(ctx, cfg.Observability.ServiceName, version, cfg.Observability.Enabled)
	if err != nil {
		return runFailure(fmt.Errorf("failed to init observability: %w", err))
	}
	defer shutdownObservability(obs)
	slog.SetDefault(obs.Logger)

	// The status API never migrates; schema changes go through the migrate
	// command or a booting worker.
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return runFailure(err)
	}
	store := postgres.NewStore(pool)
	defer store.Close()

	srv := pilothttp.NewStatusServer(
		pilothttp.NewStatusHandler(store),
		pilothttp.ServerConfig{Addr: cfg.ListenAddr},
	)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	slog.InfoContext(ctx, "status API listening", "addr", cfg.ListenAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return runFailure(err)
		}
		return nil
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), pilothttp.DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return runFailure(fmt.Errorf("failed to shut down status API: %w", err))
		}
		return nil
	}
}
