package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/valethq/pilot/internal/application/worker"
	"github.com/valethq/pilot/internal/config"
	"github.com/valethq/pilot/internal/infrastructure/persistence/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [version]",
		Short: "Apply schema migrations, optionally up to a version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadMigrateConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if len(args) == 1 {
				version, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid migration version %q: %w", args[0], err)
				}
				if err := postgres.MigrateUpTo(ctx, cfg.Database.URL, version); err != nil {
					return runFailure(err)
				}
				slog.InfoContext(ctx, "migrations applied", "up_to", version)
				return nil
			}

			if err := postgres.RunMigrations(ctx, cfg.Database.URL); err != nil {
				return runFailure(err)
			}
			slog.InfoContext(ctx, "migrations applied")
			return nil
		},
	}
}

func newReleaseStuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release-stuck",
		Short: "Return jobs with stale leases to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadMigrateConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, postgres.Config{DSN: cfg.Database.URL})
			if err != nil {
				return runFailure(err)
			}
			store := postgres.NewStore(pool)
			defer store.Close()

			releasedBy := "release-stuck"
			if host, err := os.Hostname(); err == nil && host != "" {
				releasedBy = "release-stuck@" + host
			}

			released, err := worker.NewReclaimer(store, cfg.LeaseWindow, releasedBy).RunOnce(ctx)
			if err != nil {
				return runFailure(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d stuck job(s)\n", released)
			return nil
		},
	}
}
