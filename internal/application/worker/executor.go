package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/valethq/pilot/internal/domain"
	"github.com/valethq/pilot/internal/ratelimit"
)

// errWallClock is the cancel cause when the job's execution budget expires.
var errWallClock = errors.New("job wall-clock timeout exceeded")

// Executor runs one claimed job end to end: transition to running, drive
// the handler under a pause-aware deadline, heartbeat the lease, observe
// cancellation, and commit the terminal outcome with its callback.
type Executor struct {
	coord             Coordinator
	events            EventRecorder
	registry          *HandlerRegistry
	adapter           BrowserAdapter
	notifier          Notifier
	workerID          string
	heartbeatInterval time.Duration
	hitlTimeout       time.Duration
	resumes           <-chan string
	limiter           *ratelimit.Limiter
}

// ExecutorOption is a functional option for configuring Executor.
type ExecutorOption func(*Executor)

// WithAdmission enables pre-flight quota checks. Denied jobs are deferred
// back to pending without consuming a retry.
func WithAdmission(l *ratelimit.Limiter) ExecutorOption {
	return func(e *Executor) { e.limiter = l }
}

// NewExecutor wires an executor for a worker identity.
func NewExecutor(coord Coordinator, events EventRecorder, registry *HandlerRegistry, adapter BrowserAdapter, notifier Notifier, workerID string, heartbeatInterval, hitlTimeout time.Duration, resumes <-chan string, opts ...ExecutorOption) *Executor {
	if adapter == nil {
		adapter = NopAdapter{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	e := &Executor{
		coord:             coord,
		events:            events,
		registry:          registry,
		adapter:           adapter,
		notifier:          notifier,
		workerID:          workerID,
		heartbeatInterval: heartbeatInterval,
		hitlTimeout:       hitlTimeout,
		resumes:           resumes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute processes one claimed job. It always returns the queue to a
// consistent state: every exit path either commits a terminal status,
// returns the job to pending, or leaves the row for reclamation after an
// ownership loss.
func (e *Executor) Execute(ctx context.Context, job *domain.Job) {
	handler, err := e.registry.Lookup(job.JobType)
	if err != nil {
		slog.ErrorContext(ctx, "unknown job type", "job_id", job.ID, "job_type", job.JobType)
		e.failJob(ctx, job, domain.ErrCodeUnknownHandler, err.Error(), nil)
		return
	}

	if e.deferIfRateLimited(ctx, job) {
		return
	}

	if err := e.coord.MarkRunning(ctx, job.ID, e.workerID); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "lost job before execution started", "job_id", job.ID)
			return
		}
		slog.ErrorContext(ctx, "failed to mark job running", "job_id", job.ID, "error", err)
		return
	}

	now := time.Now().UTC()
	job.Status = domain.JobRunning
	job.StartedAt = &now
	job.WorkerID = &e.workerID
	e.notifier.Notify(ctx, Notification{Job: job, Status: "running"})

	progress := NewProgressRecorder(job.ID, e.events, e.coord)
	tracker := &pauseTracker{}
	hitl := newHITLCoordinator(e.coord, e.adapter, e.notifier, tracker, e.resumes, e.hitlTimeout)

	// handlerCtx carries the abort reason: wall-clock expiry, external
	// cancel, or lease loss. The handler observes it at its checkpoints.
	handlerCtx, cancelHandler := context.WithCancelCause(ctx)
	defer cancelHandler(nil)

	stopHeartbeat := e.startHeartbeat(ctx, job.ID, cancelHandler)
	defer stopHeartbeat()

	stopWatchdog := e.startDeadlineWatchdog(job, tracker, cancelHandler)
	defer stopWatchdog()

	jobCtx := &JobContext{
		job:      *job,
		progress: progress,
		hitl:     hitl,
		workerID: e.workerID,
		checkpt: func(ctx context.Context) error {
			if cause := context.Cause(handlerCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			return handlerCtx.Err()
		},
	}

	result, execErr := e.runWithRecovery(handlerCtx, handler, jobCtx)

	// The handler may have returned a HITL-eligible error instead of
	// requesting intervention itself; route it to a pause and re-run once
	// resumed.
	for execErr != nil {
		kind := e.kindOf(execErr)
		blockerType, hitlEligible := BlockerType(kind)
		if !hitlEligible || handlerCtx.Err() != nil {
			break
		}

		outcome, hitlErr := hitl.Request(handlerCtx, job.ID, e.workerID, domain.Blocker{
			Type:           blockerType,
			PageURL:        job.TargetURL,
			TimeoutSeconds: int(e.hitlTimeout.Seconds()),
		})
		if hitlErr != nil || outcome != InterventionResumed {
			execErr = BlockedError{Blocker: domain.Blocker{Type: blockerType}}
			if hitlErr != nil && errors.Is(hitlErr, ErrJobCancelled) {
				execErr = ErrJobCancelled
			}
			break
		}
		result, execErr = e.runWithRecovery(handlerCtx, handler, jobCtx)
	}

	progress.Flush(ctx)
	e.commit(ctx, job, handlerCtx, result, execErr, progress)
}

// deferIfRateLimited checks the job against per-user quotas before it
// starts. Scopes come from input_data: "tier" and "platform" are checked
// when present, each against its own windows. A denied job goes back to
// pending with scheduled_at past the window; no retry is consumed.
func (e *Executor) deferIfRateLimited(ctx context.Context, job *domain.Job) bool {
	if e.limiter == nil {
		return false
	}

	var scopes []ratelimit.Scope
	if tier, ok := job.InputData["tier"].(string); ok && tier != "" {
		scopes = append(scopes, ratelimit.Tier(tier))
	}
	if platform, ok := job.InputData["platform"].(string); ok && platform != "" {
		scopes = append(scopes, ratelimit.Platform(platform))
	}

	for _, scope := range scopes {
		decision := e.limiter.Allow(job.UserID, scope)
		if decision.Allowed {
			continue
		}

		until := time.Now().UTC().Add(decision.RetryAfter)
		reason := fmt.Sprintf("rate limited on %s %q (%s window), deferred until %s",
			scope.Kind, scope.Name, decision.Source, until.Format(time.RFC3339))
		if err := e.coord.DeferJob(ctx, job.ID, e.workerID, until, reason); err != nil &&
			!errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.ErrorContext(ctx, "failed to defer rate-limited job", "job_id", job.ID, "error", err)
		}
		slog.InfoContext(ctx, "job deferred by rate limit",
			"job_id", job.ID,
			"user_id", job.UserID,
			"scope", string(scope.Kind)+":"+scope.Name,
			"retry_after", decision.RetryAfter)
		return true
	}
	return false
}

// commit maps the execution outcome onto a terminal transition.
func (e *Executor) commit(ctx context.Context, job *domain.Job, handlerCtx context.Context, result *Result, execErr error, progress *ProgressRecorder) {
	cause := context.Cause(handlerCtx)

	switch {
	case execErr == nil:
		if result == nil {
			result = &Result{}
		}
		params := CompleteParams{
			ResultData:     result.Data,
			ResultSummary:  result.Summary,
			ScreenshotURLs: result.ScreenshotURLs,
			ExecutionMode:  result.ExecutionMode,
			FinalMode:      result.FinalMode,
		}
		if err := e.coord.CompleteJob(ctx, job.ID, e.workerID, params); err != nil {
			slog.ErrorContext(ctx, "failed to commit completion", "job_id", job.ID, "error", err)
			return
		}
		cost := progress.Cost()
		completed, err := e.coord.GetJob(ctx, job.ID)
		if err != nil {
			completed = job
		}
		e.notifier.Notify(ctx, Notification{Job: completed, Status: "completed", Cost: &cost})
		slog.InfoContext(ctx, "job completed", "job_id", job.ID, "worker_id", e.workerID)

	case errors.Is(execErr, ErrJobCancelled) || errors.Is(cause, ErrJobCancelled):
		if err := e.coord.MarkCancelled(ctx, job.ID, e.workerID); err != nil && !errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.ErrorContext(ctx, "failed to commit cancellation", "job_id", job.ID, "error", err)
		}
		cancelled, err := e.coord.GetJob(ctx, job.ID)
		if err != nil {
			cancelled = job
		}
		e.notifier.Notify(ctx, Notification{Job: cancelled, Status: "cancelled"})
		slog.InfoContext(ctx, "job cancelled", "job_id", job.ID)

	case errors.Is(cause, errWallClock):
		e.failJob(ctx, job, domain.ErrCodeTimeout,
			fmt.Sprintf("execution exceeded %s wall-clock budget", job.Timeout()), nil)

	case errors.Is(cause, domain.ErrJobOwnershipLost) || errors.Is(execErr, domain.ErrJobOwnershipLost):
		// The lease is gone: another actor owns the row now. Touching it
		// would violate single-owner semantics; reclamation handles the rest.
		slog.WarnContext(ctx, "job ownership lost during execution", "job_id", job.ID)

	default:
		if _, blocked := IsBlocked(execErr); blocked {
			// The HITL coordinator already committed hitl_timeout and
			// emitted the failure callback.
			return
		}
		e.failOrRetry(ctx, job, execErr)
	}
}

// failOrRetry applies the error-kind policy table to a handler failure.
func (e *Executor) failOrRetry(ctx context.Context, job *domain.Job, execErr error) {
	kind := e.kindOf(execErr)

	var panicErr PanicError
	if errors.As(execErr, &panicErr) {
		e.failJob(ctx, job, domain.ErrCodeInternal, panicErr.Error(), map[string]any{
			"stack_trace": panicErr.StackTrace,
		})
		return
	}

	if PolicyFor(kind) == PolicyRetry && job.RetryCount < job.MaxRetries {
		if err := e.coord.ReturnForRetry(ctx, job.ID, e.workerID, execErr.Error()); err != nil {
			if errors.Is(err, domain.ErrJobOwnershipLost) {
				return
			}
			slog.ErrorContext(ctx, "failed to return job for retry", "job_id", job.ID, "error", err)
			return
		}
		slog.InfoContext(ctx, "job returned for retry",
			"job_id", job.ID,
			"retry_count", job.RetryCount+1,
			"error_kind", kind)
		return
	}

	e.failJob(ctx, job, string(kind), execErr.Error(), nil)
}

func (e *Executor) failJob(ctx context.Context, job *domain.Job, errorCode, errorMessage string, details map[string]any) {
	if err := e.coord.FailJob(ctx, job.ID, e.workerID, errorCode, errorMessage, details); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			return
		}
		slog.ErrorContext(ctx, "failed to commit failure", "job_id", job.ID, "error", err)
		return
	}
	failed, err := e.coord.GetJob(ctx, job.ID)
	if err != nil {
		failed = job
	}
	e.notifier.Notify(ctx, Notification{
		Job:          failed,
		Status:       "failed",
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	})
	slog.WarnContext(ctx, "job failed", "job_id", job.ID, "error_code", errorCode)
}

// kindOf classifies an execution error. An explicit Transient wrapper wins
// over message classification when the message alone would be fatal.
func (e *Executor) kindOf(err error) ErrorKind {
	if IsPanic(err) {
		return KindInternalError
	}
	kind := Classify(err.Error())
	if IsRetryable(err) && PolicyFor(kind) == PolicyFail {
		return KindTransientBrowserError
	}
	return kind
}

// runWithRecovery invokes the handler with panic capture.
func (e *Executor) runWithRecovery(ctx context.Context, handler Handler, jobCtx *JobContext) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			slog.ErrorContext(ctx, "handler panicked",
				"job_id", jobCtx.job.ID,
				"panic_value", r)
			err = PanicError{Value: r, StackTrace: stack}
		}
	}()
	return handler.Execute(ctx, jobCtx)
}

// startHeartbeat renews the lease every interval and observes external
// cancellation through the returned status. Returns a stop function.
func (e *Executor) startHeartbeat(ctx context.Context, jobID string, cancelHandler context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := e.coord.Heartbeat(ctx, jobID, e.workerID)
				if err != nil {
					if errors.Is(err, domain.ErrJobOwnershipLost) {
						cancelHandler(domain.ErrJobOwnershipLost)
						return
					}
					slog.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
					continue
				}
				if status == domain.JobCancelled {
					cancelHandler(ErrJobCancelled)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// startDeadlineWatchdog enforces the wall-clock budget, excluding paused
// intervals. Returns a stop function.
func (e *Executor) startDeadlineWatchdog(job *domain.Job, tracker *pauseTracker, cancelHandler context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	start := time.Now().UTC()
	budget := job.Timeout()

	go func() {
		defer close(stopped)
		for {
			now := time.Now().UTC()
			deadline := start.Add(budget + tracker.total(now))
			if !now.Before(deadline) && !tracker.isPaused() {
				cancelHandler(errWallClock)
				return
			}

			wait := deadline.Sub(now)
			if wait > time.Second {
				wait = time.Second
			}
			select {
			case <-done:
				return
			case <-time.After(wait):
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
