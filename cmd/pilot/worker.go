package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/valethq/pilot/internal/application/callback"
	"github.com/valethq/pilot/internal/application/session"
	"github.com/valethq/pilot/internal/application/worker"
	"github.com/valethq/pilot/internal/config"
	"github.com/valethq/pilot/internal/crypto"
	"github.com/valethq/pilot/internal/infrastructure/persistence/postgres"
	"github.com/valethq/pilot/internal/ratelimit"
	"github.com/valethq/pilot/pkg/observability"
)

const sessionSweepInterval = time.Hour

// registerHandlers binds job types to their browser handlers. The handlers
// themselves live outside this module; deployments link them in by
// assigning this hook from a file in this package.
var registerHandlers = func(reg *worker.HandlerRegistry, sessions *session.Store) {}

func newWorkerCmd() *cobra.Command {
	var workerID string
	var targetWorkerID string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a job-execution worker until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWorkerConfig()
			if err != nil {
				return err
			}
			if workerID != "" {
				cfg.WorkerID = workerID
			}
			if cfg.WorkerID == "" {
				cfg.WorkerID = defaultWorkerID()
			}
			return runWorker(cmd.Context(), cfg, targetWorkerID)
		},
	}

	cmd.Flags().StringVar(&workerID, "worker-id", "", "stable worker identity (overrides PILOT_WORKER_ID)")
	cmd.Flags().StringVar(&targetWorkerID, "target-worker-id", "", "accept jobs pinned to this identity")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.WorkerConfig, targetWorkerID string) error {
	obs, err := observability.Init(ctx, cfg.Observability.ServiceName, version, cfg.Observability.Enabled)
	if err != nil {
		return runFailure(fmt.Errorf("failed to init observability: %w", err))
	}
	defer shutdownObservability(obs)
	slog.SetDefault(obs.Logger)

	store, err := postgres.Connect(ctx, postgres.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return runFailure(err)
	}
	defer store.Close()

	dispatcher := callback.New(
		callback.WithAttemptTimeout(cfg.CallbackTimeout),
		callback.WithMaxAttempts(uint64(cfg.CallbackMaxAttempts)),
		callback.WithRateLimit(cfg.CallbackRate, int(cfg.CallbackRate)),
	)

	sessions, err := newSessionStore(cfg, store)
	if err != nil {
		return err
	}

	handlers := worker.NewHandlerRegistry()
	registerHandlers(handlers, sessions)
	if len(handlers.Types()) == 0 {
		slog.WarnContext(ctx, "no job handlers registered, claimed jobs will fail with unknown_handler")
	}

	rt := worker.NewRuntime(store, store, store, handlers, cfg.WorkerID,
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithLeaseWindow(cfg.LeaseWindow),
		worker.WithDrainTimeout(cfg.DrainTimeout),
		worker.WithHITLTimeout(cfg.HITLTimeout),
		worker.WithNotifier(dispatcher),
		worker.WithRateLimiter(ratelimit.New()),
		worker.WithEC2IP(cfg.EC2IP),
		worker.WithTargetWorkerID(targetWorkerID),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if sessions != nil {
		go sweepSessions(runCtx, sessions)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(runCtx) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return runFailure(err)
		}
		return nil

	case sig := <-sigCh:
		slog.InfoContext(ctx, "received signal, draining worker", "signal", sig.String())

		stopErr := make(chan error, 1)
		go func() { stopErr <- rt.Stop(ctx) }()

		select {
		case err := <-stopErr:
			if err != nil {
				slog.WarnContext(ctx, "drain did not finish, aborting in-flight job", "error", err)
				cancel()
			}
		case sig := <-sigCh:
			slog.WarnContext(ctx, "second signal, aborting in-flight job", "signal", sig.String())
			cancel()
		}

		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return runFailure(err)
		}
		return nil
	}
}

// newSessionStore builds the encrypted session store when a key is
// configured. Workers without a key run fine; handlers just get no session
// reuse.
func newSessionStore(cfg *config.WorkerConfig, store *postgres.Store) (*session.Store, error) {
	if cfg.EncryptionKey == "" {
		return nil, nil
	}
	crypter, err := crypto.NewCrypter(cfg.EncryptionKey, cfg.EncryptionKeyID)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return session.NewStore(store, crypter, session.WithTTL(cfg.SessionTTL)), nil
}

// sweepSessions periodically deletes expired session rows. Every worker
// sweeps; deletes are idempotent.
func sweepSessions(ctx context.Context, sessions *session.Store) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := sessions.Sweep(ctx)
			if err != nil {
				slog.WarnContext(ctx, "session sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.InfoContext(ctx, "swept expired sessions", "count", deleted)
			}
		}
	}
}

// defaultWorkerID derives a stable-enough identity from host and pid when
// the operator did not pin one.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func shutdownObservability(obs *observability.Providers) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := obs.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down telemetry", "error", err)
	}
}
