package worker

import (
	"context"
	"time"

	"github.com/valethq/pilot/internal/domain"
)

// Coordinator is the job-queue contract the runtime depends on.
// All methods are safe for concurrent use by multiple workers; claiming and
// every status transition are atomic, status-guarded database writes.
// Methods taking a workerID return domain.ErrJobOwnershipLost when the
// guarded update matches zero rows.
type Coordinator interface {
	// InsertJob enqueues a new job in pending status.
	InsertJob(ctx context.Context, job *domain.Job) error

	// GetJob returns the current row for a job.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// ClaimNextJob atomically claims the next runnable job for workerID
	// using row locks that skip rows claimed by concurrent transactions.
	// Returns (nil, nil) when no job is available.
	ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error)

	// MarkRunning transitions queued → running and stamps started_at.
	MarkRunning(ctx context.Context, jobID, workerID string) error

	// Heartbeat renews the lease on a claimed job and reports the row's
	// current status so the worker can observe external cancellation.
	Heartbeat(ctx context.Context, jobID, workerID string) (domain.JobStatus, error)

	// PauseForIntervention transitions running → paused and records the blocker.
	PauseForIntervention(ctx context.Context, jobID, workerID string, blocker domain.Blocker) error

	// ResumeFromPause transitions paused → running. Idempotent: resuming a
	// job that is not paused matches zero rows and returns ErrJobOwnershipLost.
	ResumeFromPause(ctx context.Context, jobID, statusMessage string) error

	// CompleteJob commits the terminal completed status with the result.
	CompleteJob(ctx context.Context, jobID, workerID string, result CompleteParams) error

	// FailJob commits the terminal failed status.
	FailJob(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error

	// FailPausedJob commits paused → failed after a HITL timeout, preserving
	// the blocker type in error_details.
	FailPausedJob(ctx context.Context, jobID string, blockerType string) error

	// ReturnForRetry transitions running → pending with retry_count
	// incremented and the worker lease cleared.
	ReturnForRetry(ctx context.Context, jobID, workerID, errorMessage string) error

	// DeferJob returns a queued job to pending with scheduled_at pushed to
	// until. Unlike ReturnForRetry it does not consume a retry; it is used
	// when admission control denies the job before it starts.
	DeferJob(ctx context.Context, jobID, workerID string, until time.Time, reason string) error

	// CancelJob requests cancellation of any non-terminal job.
	// Returns domain.ErrJobNotCancellable for terminal rows.
	CancelJob(ctx context.Context, jobID string) error

	// MarkCancelled commits the cancelled status from the owning worker.
	MarkCancelled(ctx context.Context, jobID, workerID string) error

	// UpdateJobCost adds cost-meter deltas to the row. Permitted even after
	// a terminal commit.
	UpdateJobCost(ctx context.Context, jobID string, delta domain.CostDelta) error

	// ReleaseStuckJobs returns queued/running jobs whose heartbeat aged
	// beyond the lease window to pending. Returns the number released.
	ReleaseStuckJobs(ctx context.Context, lease time.Duration, releasedBy string) (int, error)

	// SubscribeToResumes returns a channel of job ids published on the
	// job_resume channel. Closed when ctx is cancelled. Deployments without
	// pub/sub may return a nil channel; the HITL wait then relies on polling.
	SubscribeToResumes(ctx context.Context) (<-chan string, error)
}

// CompleteParams carries the outcome written on successful completion.
type CompleteParams struct {
	ResultData     map[string]any
	ResultSummary  string
	ScreenshotURLs []string
	ExecutionMode  string
	FinalMode      string
}

// Registry is the worker-identity contract. Worker rows are upserted on
// boot and kept forever for audit.
type Registry interface {
	// RegisterWorker upserts the worker row with status active. On conflict
	// all fields refresh except target_worker_id, which is preserved when
	// the new value is empty, and registered_at.
	RegisterWorker(ctx context.Context, w *domain.Worker) error

	// SetWorkerStatus flips the worker's registration status.
	SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error

	// SetCurrentJob records (or clears, with nil) the in-flight job.
	SetCurrentJob(ctx context.Context, workerID string, jobID *string) error

	// WorkerHeartbeat refreshes the worker row's last_heartbeat.
	WorkerHeartbeat(ctx context.Context, workerID string) error
}

// EventRecorder appends entries to the per-job progress log.
type EventRecorder interface {
	AppendEvent(ctx context.Context, event *domain.JobEvent) error
}
