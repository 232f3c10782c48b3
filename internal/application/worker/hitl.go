package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valethq/pilot/internal/domain"
)

const (
	defaultHITLTimeout  = 300 * time.Second
	defaultPollInterval = 2 * time.Second
)

// pauseTracker accumulates time spent paused so the executor can exclude it
// from the job's wall-clock budget.
type pauseTracker struct {
	mu      sync.Mutex
	paused  bool
	since   time.Time
	elapsed time.Duration
}

func (p *pauseTracker) pauseStart(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.since = now
	}
}

func (p *pauseTracker) pauseEnd(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.elapsed += now.Sub(p.since)
	}
}

// total returns paused time accumulated so far, including an open interval.
func (p *pauseTracker) total(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return p.elapsed + now.Sub(p.since)
	}
	return p.elapsed
}

func (p *pauseTracker) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// HITLCoordinator pauses a job on a human-gated obstacle, notifies the
// orchestrator, and waits for a resume signal or timeout. One instance
// serves one job execution.
type HITLCoordinator struct {
	coord        Coordinator
	adapter      BrowserAdapter
	notifier     Notifier
	tracker      *pauseTracker
	resumes      <-chan string // nil when no pub/sub substrate is available
	pollInterval time.Duration
	maxTimeout   time.Duration
}

func newHITLCoordinator(coord Coordinator, adapter BrowserAdapter, notifier Notifier, tracker *pauseTracker, resumes <-chan string, defaultTimeout time.Duration) *HITLCoordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultHITLTimeout
	}
	return &HITLCoordinator{
		coord:        coord,
		adapter:      adapter,
		notifier:     notifier,
		tracker:      tracker,
		resumes:      resumes,
		pollInterval: defaultPollInterval,
		maxTimeout:   defaultTimeout,
	}
}

// Request transitions the job running → paused, emits a needs_human
// callback, and blocks until resumed, timed out, or cancelled.
//
// The resume wait races two mechanisms: the job_resume notification channel
// (instant) and a periodic row poll (convergence fallback). A cancel
// observed during the wait wins over resume and emits no resumed callback.
// While paused, the job's wall-clock budget is suspended.
func (h *HITLCoordinator) Request(ctx context.Context, jobID, workerID string, blocker domain.Blocker) (InterventionOutcome, error) {
	if blocker.TimeoutSeconds <= 0 {
		blocker.TimeoutSeconds = int(h.maxTimeout.Seconds())
	}

	// No further actions may be issued while a human works on the page.
	if err := h.adapter.Pause(ctx); err != nil {
		return InterventionTimedOut, fmt.Errorf("failed to pause browser adapter: %w", err)
	}

	if err := h.coord.PauseForIntervention(ctx, jobID, workerID, blocker); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			// Raced with an external transition; re-read to find out which.
			return h.resolveLostPause(ctx, jobID)
		}
		return InterventionTimedOut, fmt.Errorf("failed to pause job: %w", err)
	}

	h.tracker.pauseStart(time.Now().UTC())
	defer h.tracker.pauseEnd(time.Now().UTC())

	job, err := h.coord.GetJob(ctx, jobID)
	if err != nil {
		return InterventionTimedOut, fmt.Errorf("failed to read paused job: %w", err)
	}
	h.notifier.Notify(ctx, Notification{Job: job, Status: "needs_human", Blocker: &blocker})

	slog.InfoContext(ctx, "job paused for human intervention",
		"job_id", jobID,
		"blocker_type", blocker.Type,
		"timeout_seconds", blocker.TimeoutSeconds)

	outcome, err := h.waitForResume(ctx, jobID, blocker)
	if err != nil {
		return outcome, err
	}

	switch outcome {
	case InterventionResumed:
		if err := h.adapter.Resume(ctx); err != nil {
			slog.WarnContext(ctx, "failed to resume browser adapter", "job_id", jobID, "error", err)
		}
		resumed, err := h.coord.GetJob(ctx, jobID)
		if err == nil {
			h.notifier.Notify(ctx, Notification{Job: resumed, Status: "resumed"})
		}
		slog.InfoContext(ctx, "job resumed", "job_id", jobID)

	case InterventionTimedOut:
		if err := h.coord.FailPausedJob(ctx, jobID, string(blocker.Type)); err != nil {
			if !errors.Is(err, domain.ErrJobOwnershipLost) {
				return InterventionTimedOut, fmt.Errorf("failed to commit hitl timeout: %w", err)
			}
			// Something else transitioned the row first; it owns the outcome.
			return h.resolveLostPause(ctx, jobID)
		}
		failed, err := h.coord.GetJob(ctx, jobID)
		if err == nil {
			h.notifier.Notify(ctx, Notification{
				Job:          failed,
				Status:       "failed",
				ErrorCode:    domain.ErrCodeHITLTimeout,
				ErrorMessage: fmt.Sprintf("human intervention for %s not received within %ds", blocker.Type, blocker.TimeoutSeconds),
			})
		}
		slog.WarnContext(ctx, "hitl wait timed out", "job_id", jobID, "blocker_type", blocker.Type)
	}

	return outcome, nil
}

// waitForResume races the notification channel against a row poll, bounded
// by the blocker timeout.
func (h *HITLCoordinator) waitForResume(ctx context.Context, jobID string, blocker domain.Blocker) (InterventionOutcome, error) {
	deadline := time.NewTimer(time.Duration(blocker.TimeoutSeconds) * time.Second)
	defer deadline.Stop()

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return InterventionCancelled, ctx.Err()

		case <-deadline.C:
			return InterventionTimedOut, nil

		case id, ok := <-h.resumes:
			if !ok {
				// Listener gone; fall back to polling alone.
				h.resumes = nil
				continue
			}
			if id != jobID {
				continue
			}
			outcome, done, err := h.tryResume(ctx, jobID)
			if err != nil {
				return outcome, err
			}
			if done {
				return outcome, nil
			}

		case <-poll.C:
			job, err := h.coord.GetJob(ctx, jobID)
			if err != nil {
				slog.WarnContext(ctx, "resume poll failed", "job_id", jobID, "error", err)
				continue
			}
			switch job.Status {
			case domain.JobRunning:
				return InterventionResumed, nil
			case domain.JobCancelled:
				return InterventionCancelled, ErrJobCancelled
			case domain.JobPaused:
				// keep waiting
			default:
				// Reclaimed or externally failed; the handler must stop.
				return InterventionCancelled, fmt.Errorf("%w: job left paused state (%s)", domain.ErrJobOwnershipLost, job.Status)
			}
		}
	}
}

// tryResume performs the paused → running transition in response to a
// notification. A duplicate NOTIFY for a job that already resumed matches
// zero rows and is ignored.
func (h *HITLCoordinator) tryResume(ctx context.Context, jobID string) (InterventionOutcome, bool, error) {
	err := h.coord.ResumeFromPause(ctx, jobID, "Resumed by operator")
	if err == nil {
		return InterventionResumed, true, nil
	}
	if !errors.Is(err, domain.ErrJobOwnershipLost) {
		slog.WarnContext(ctx, "resume transition failed", "job_id", jobID, "error", err)
		return InterventionResumed, false, nil
	}

	job, getErr := h.coord.GetJob(ctx, jobID)
	if getErr != nil {
		return InterventionResumed, false, nil
	}
	switch job.Status {
	case domain.JobRunning:
		// The resume publisher already performed the transition.
		return InterventionResumed, true, nil
	case domain.JobCancelled:
		return InterventionCancelled, true, ErrJobCancelled
	default:
		return InterventionResumed, false, nil
	}
}

// resolveLostPause inspects the row after a lost guarded update and decides
// how the handler should proceed.
func (h *HITLCoordinator) resolveLostPause(ctx context.Context, jobID string) (InterventionOutcome, error) {
	job, err := h.coord.GetJob(ctx, jobID)
	if err != nil {
		return InterventionTimedOut, fmt.Errorf("failed to re-read job after lost transition: %w", err)
	}
	switch job.Status {
	case domain.JobCancelled:
		return InterventionCancelled, ErrJobCancelled
	case domain.JobRunning:
		// Resume arrived before the pause write landed.
		return InterventionResumed, nil
	default:
		return InterventionTimedOut, fmt.Errorf("%w: job in unexpected state %s", domain.ErrJobOwnershipLost, job.Status)
	}
}
