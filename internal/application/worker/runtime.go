package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/valethq/pilot/internal/domain"
	"github.com/valethq/pilot/internal/ratelimit"
)

const (
	defaultPollEvery        = 5 * time.Second
	defaultJobHeartbeat     = 30 * time.Second
	defaultWorkerHeartbeat  = 30 * time.Second
	defaultDrainTimeout     = 60 * time.Second
	defaultReclaimEvery     = 60 * time.Second
	defaultLeaseWindow      = 120 * time.Second
	claimBackoffBase        = 500 * time.Millisecond
	claimBackoffMaxAttempts = 3
)

// Runtime is the long-lived worker process: it registers the worker
// identity, polls the queue, executes one job at a time, and drains
// gracefully on shutdown.
type Runtime struct {
	coord    Coordinator
	workers  Registry
	events   EventRecorder
	handlers *HandlerRegistry

	workerID       string
	ec2IP          string
	targetWorkerID string
	metadata       map[string]any

	adapter  BrowserAdapter
	notifier Notifier
	limiter  *ratelimit.Limiter

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	workerHeartbeat   time.Duration
	hitlTimeout       time.Duration
	drainTimeout      time.Duration
	leaseWindow       time.Duration
	reclaimInterval   time.Duration

	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// RuntimeOption is a functional option for configuring Runtime.
type RuntimeOption func(*Runtime)

// WithPollInterval sets how often the runtime polls for claimable jobs.
func WithPollInterval(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.pollInterval = d }
}

// WithHeartbeatInterval sets how often the in-flight job's lease is renewed.
func WithHeartbeatInterval(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.heartbeatInterval = d }
}

// WithHITLTimeout sets the default human-intervention wait budget.
func WithHITLTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.hitlTimeout = d }
}

// WithDrainTimeout bounds how long Stop waits for the in-flight job.
func WithDrainTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.drainTimeout = d }
}

// WithLeaseWindow sets the heartbeat age beyond which a job is considered
// abandoned and eligible for release.
func WithLeaseWindow(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.leaseWindow = d }
}

// WithBrowserAdapter sets the browser control surface used for HITL pauses.
func WithBrowserAdapter(a BrowserAdapter) RuntimeOption {
	return func(r *Runtime) { r.adapter = a }
}

// WithNotifier sets the lifecycle notification sink.
func WithNotifier(n Notifier) RuntimeOption {
	return func(r *Runtime) { r.notifier = n }
}

// WithRateLimiter enables per-user admission control on claimed jobs.
func WithRateLimiter(l *ratelimit.Limiter) RuntimeOption {
	return func(r *Runtime) { r.limiter = l }
}

// WithEC2IP records the host address on the worker registration row.
func WithEC2IP(ip string) RuntimeOption {
	return func(r *Runtime) { r.ec2IP = ip }
}

// WithTargetWorkerID marks this worker as a pinned target for jobs that
// name it.
func WithTargetWorkerID(id string) RuntimeOption {
	return func(r *Runtime) { r.targetWorkerID = id }
}

// WithMetadata attaches free-form registration metadata.
func WithMetadata(m map[string]any) RuntimeOption {
	return func(r *Runtime) { r.metadata = m }
}

// NewRuntime creates a worker runtime with the given dependencies and options.
func NewRuntime(coord Coordinator, workers Registry, events EventRecorder, handlers *HandlerRegistry, workerID string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		coord:             coord,
		workers:           workers,
		events:            events,
		handlers:          handlers,
		workerID:          workerID,
		adapter:           NopAdapter{},
		notifier:          NopNotifier{},
		pollInterval:      defaultPollEvery,
		heartbeatInterval: defaultJobHeartbeat,
		workerHeartbeat:   defaultWorkerHeartbeat,
		hitlTimeout:       defaultHITLTimeout,
		drainTimeout:      defaultDrainTimeout,
		leaseWindow:       defaultLeaseWindow,
		reclaimInterval:   defaultReclaimEvery,
		done:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the worker and runs the claim loop until Stop is called
// or ctx is cancelled. Cancelling ctx aborts the in-flight job; Stop lets
// it finish within the drain timeout.
func (r *Runtime) Start(ctx context.Context) error {
	defer close(r.stopped)

	now := time.Now().UTC()
	reg := &domain.Worker{
		ID:            r.workerID,
		Status:        domain.WorkerActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
		EC2IP:         r.ec2IP,
		Metadata:      r.metadata,
	}
	if r.targetWorkerID != "" {
		reg.TargetWorkerID = &r.targetWorkerID
	}
	if err := r.workers.RegisterWorker(ctx, reg); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	resumes, err := r.coord.SubscribeToResumes(ctx)
	if err != nil {
		slog.WarnContext(ctx, "resume notifications unavailable, falling back to polling", "error", err)
		resumes = nil
	}

	var execOpts []ExecutorOption
	if r.limiter != nil {
		execOpts = append(execOpts, WithAdmission(r.limiter))
	}
	executor := NewExecutor(r.coord, r.events, r.handlers, r.adapter, r.notifier,
		r.workerID, r.heartbeatInterval, r.hitlTimeout, resumes, execOpts...)

	r.wg.Go(func() { r.runWorkerHeartbeat(ctx) })
	r.wg.Go(func() { r.runReclaimSweep(ctx) })
	defer r.wg.Wait()

	slog.InfoContext(ctx, "worker started",
		"worker_id", r.workerID,
		"poll_interval", r.pollInterval,
		"job_types", r.handlers.Types())

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		// Claim eagerly before waiting so a busy queue drains back to back.
		for {
			if r.stopping() || ctx.Err() != nil {
				break
			}
			processed, err := r.runOnce(ctx, executor)
			if err != nil {
				slog.ErrorContext(ctx, "claim cycle failed", "error", err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.goOffline()
			return ctx.Err()
		case <-r.done:
			r.goOffline()
			slog.InfoContext(ctx, "worker stopped", "worker_id", r.workerID)
			return nil
		case <-ticker.C:
		}
	}
}

// Stop drains the runtime: the worker flips to draining, stops claiming,
// and waits up to the drain timeout for the in-flight job. Returns
// ErrDrainDeadlineExceeded when the job did not finish in time; the caller
// should then cancel the Start context and rely on lease reclamation.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.workers.SetWorkerStatus(drainCtx, r.workerID, domain.WorkerDraining); err != nil {
			slog.WarnContext(drainCtx, "failed to mark worker draining", "worker_id", r.workerID, "error", err)
		}
		close(r.done)
	})

	select {
	case <-r.stopped:
		return nil
	case <-time.After(r.drainTimeout):
		return ErrDrainDeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runOnce claims and executes at most one job. Returns whether a job was
// processed.
func (r *Runtime) runOnce(ctx context.Context, executor *Executor) (bool, error) {
	job, err := r.claimWithBackoff(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	slog.InfoContext(ctx, "claimed job",
		"job_id", job.ID,
		"job_type", job.JobType,
		"worker_id", r.workerID)

	if err := r.workers.SetCurrentJob(ctx, r.workerID, &job.ID); err != nil {
		slog.WarnContext(ctx, "failed to record current job", "job_id", job.ID, "error", err)
	}

	executor.Execute(ctx, job)

	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.workers.SetCurrentJob(clearCtx, r.workerID, nil); err != nil {
		slog.WarnContext(clearCtx, "failed to clear current job", "worker_id", r.workerID, "error", err)
	}
	return true, nil
}

// claimWithBackoff retries transient claim failures so a database blip does
// not skip a poll cycle.
func (r *Runtime) claimWithBackoff(ctx context.Context) (*domain.Job, error) {
	var job *domain.Job
	backoff := retry.WithMaxRetries(claimBackoffMaxAttempts, retry.NewExponential(claimBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		j, err := r.coord.ClaimNextJob(ctx, r.workerID)
		if err != nil {
			return retry.RetryableError(err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// runWorkerHeartbeat keeps the worker registration row fresh.
func (r *Runtime) runWorkerHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.workerHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.workers.WorkerHeartbeat(ctx, r.workerID); err != nil {
				slog.WarnContext(ctx, "worker heartbeat failed", "worker_id", r.workerID, "error", err)
			}
		}
	}
}

// runReclaimSweep periodically returns abandoned jobs to the queue. Every
// worker sweeps; the guarded update makes concurrent sweeps safe.
func (r *Runtime) runReclaimSweep(ctx context.Context) {
	ticker := time.NewTicker(r.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			released, err := r.coord.ReleaseStuckJobs(ctx, r.leaseWindow, r.workerID)
			if err != nil {
				slog.WarnContext(ctx, "stuck job sweep failed", "error", err)
				continue
			}
			if released > 0 {
				slog.InfoContext(ctx, "released stuck jobs", "count", released, "lease_window", r.leaseWindow)
			}
		}
	}
}

func (r *Runtime) stopping() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// goOffline records the final worker status with a short background context
// so shutdown still lands the write after the run context is cancelled.
func (r *Runtime) goOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.workers.SetWorkerStatus(ctx, r.workerID, domain.WorkerOffline); err != nil {
		slog.WarnContext(ctx, "failed to mark worker offline", "worker_id", r.workerID, "error", err)
	}
}
