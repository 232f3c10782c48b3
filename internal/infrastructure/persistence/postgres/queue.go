package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/valethq/pilot/internal/application/worker"
	"github.com/valethq/pilot/internal/domain"
)

// jobColumns is the canonical select list; scanJob matches it positionally.
const jobColumns = `id, job_type, target_url, task_description, input_data, user_id,
	timeout_seconds, max_retries, priority, scheduled_at, callback_url,
	external_task_id, target_worker_id, tags, status, worker_id, retry_count,
	last_heartbeat, started_at, completed_at, paused_at, interaction_type,
	interaction_data, status_message, result_data, result_summary, error_code,
	error_details, screenshot_urls, execution_mode, final_mode,
	llm_cost_cents, action_count, total_tokens, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var status string
	err := row.Scan(
		&j.ID, &j.JobType, &j.TargetURL, &j.TaskDescription, &j.InputData, &j.UserID,
		&j.TimeoutSeconds, &j.MaxRetries, &j.Priority, &j.ScheduledAt, &j.CallbackURL,
		&j.ExternalTaskID, &j.TargetWorkerID, &j.Tags, &status, &j.WorkerID, &j.RetryCount,
		&j.LastHeartbeat, &j.StartedAt, &j.CompletedAt, &j.PausedAt, &j.InteractionType,
		&j.InteractionData, &j.StatusMessage, &j.ResultData, &j.ResultSummary, &j.ErrorCode,
		&j.ErrorDetails, &j.ScreenshotURLs, &j.ExecutionMode, &j.FinalMode,
		&j.LLMCostCents, &j.ActionCount, &j.TotalTokens, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	return &j, nil
}

// InsertJob enqueues a new job. A missing id gets a time-ordered UUID.
func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate job id: %w", err)
		}
		job.ID = id.String()
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, job_type, target_url, task_description, input_data, user_id,
			timeout_seconds, max_retries, priority, scheduled_at, callback_url,
			external_task_id, target_worker_id, tags, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, '{}'), $15, $16, $16)`,
		job.ID, job.JobType, job.TargetURL, job.TaskDescription, job.InputData, job.UserID,
		job.TimeoutSeconds, job.MaxRetries, job.Priority, job.ScheduledAt, job.CallbackURL,
		job.ExternalTaskID, job.TargetWorkerID, job.Tags, string(job.Status), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the current row for a job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next runnable pending job. Row locks
// with SKIP LOCKED keep concurrent claimers from blocking or double-claiming.
// Pinned jobs are only visible to their target worker; scheduled jobs become
// claimable once scheduled_at passes.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= now())
		  AND (target_worker_id IS NULL OR target_worker_id = $1)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', worker_id = $2, last_heartbeat = $3, updated_at = $3
		WHERE id = $1`, job.ID, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = domain.JobQueued
	job.WorkerID = &workerID
	job.LastHeartbeat = &now
	job.UpdatedAt = now
	return job, nil
}

// MarkRunning transitions queued -> running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = now(), last_heartbeat = now(), updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'queued'`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// Heartbeat renews the lease and reports the row's current status. A row
// that left the worker's ownership window is reported rather than renewed,
// so the worker can observe external cancellation.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (domain.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET last_heartbeat = now(), updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('queued', 'running', 'paused')
		RETURNING status`, jobID, workerID).Scan(&status)
	if err == nil {
		return domain.JobStatus(status), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to heartbeat job: %w", err)
	}

	// The guarded update missed: the row was cancelled externally, finished,
	// or reassigned. Report what actually happened.
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM jobs WHERE id = $1 AND worker_id = $2`, jobID, workerID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrJobOwnershipLost
	}
	if err != nil {
		return "", fmt.Errorf("failed to read job status: %w", err)
	}
	return domain.JobStatus(status), nil
}

// PauseForIntervention transitions running -> paused and records the blocker.
func (s *Store) PauseForIntervention(ctx context.Context, jobID, workerID string, blocker domain.Blocker) error {
	interactionData := map[string]any{
		"timeout_seconds": blocker.TimeoutSeconds,
	}
	if blocker.ScreenshotURL != "" {
		interactionData["screenshot_url"] = blocker.ScreenshotURL
	}
	if blocker.PageURL != "" {
		interactionData["page_url"] = blocker.PageURL
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'paused', paused_at = now(), interaction_type = $3,
		    interaction_data = $4, status_message = $5, updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		jobID, workerID, string(blocker.Type), interactionData,
		fmt.Sprintf("Waiting for human: %s", blocker.Type))
	if err != nil {
		return fmt.Errorf("failed to pause job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// ResumeFromPause transitions paused -> running and clears the blocker. Any
// publisher may resume; the guard is the paused status alone, which makes a
// duplicate resume match zero rows.
func (s *Store) ResumeFromPause(ctx context.Context, jobID, statusMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'running', paused_at = NULL, interaction_type = NULL,
		    interaction_data = NULL, status_message = $2, updated_at = now()
		WHERE id = $1 AND status = 'paused'`, jobID, statusMessage)
	if err != nil {
		return fmt.Errorf("failed to resume job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// CompleteJob commits the terminal completed status with the result.
// Absent screenshots coalesce to an empty array: a nil slice binds as NULL
// and the column rejects it.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, result worker.CompleteParams) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = now(), result_data = $3,
		    result_summary = $4, screenshot_urls = COALESCE($5, '{}'),
		    execution_mode = $6, final_mode = $7, status_message = '',
		    updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
		jobID, workerID, result.ResultData, result.ResultSummary,
		result.ScreenshotURLs, result.ExecutionMode, result.FinalMode)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// FailJob commits the terminal failed status.
func (s *Store) FailJob(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', completed_at = now(), error_code = $3,
		    status_message = $4, error_details = $5, updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('queued', 'running')`,
		jobID, workerID, errorCode, errorMessage, details)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// FailPausedJob commits paused -> failed after an unanswered intervention
// wait, preserving the blocker type for the orchestrator.
func (s *Store) FailPausedJob(ctx context.Context, jobID, blockerType string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', completed_at = now(), error_code = $2,
		    status_message = $3, error_details = $4, paused_at = NULL,
		    interaction_type = NULL, interaction_data = NULL, updated_at = now()
		WHERE id = $1 AND status = 'paused'`,
		jobID, domain.ErrCodeHITLTimeout,
		fmt.Sprintf("Human intervention for %s not received in time", blockerType),
		map[string]any{"blocker_type": blockerType})
	if err != nil {
		return fmt.Errorf("failed to fail paused job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// ReturnForRetry transitions the job back to pending with retry_count
// incremented and the lease cleared.
func (s *Store) ReturnForRetry(ctx context.Context, jobID, workerID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', retry_count = retry_count + 1, worker_id = NULL,
		    last_heartbeat = NULL, started_at = NULL, status_message = $3,
		    updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('queued', 'running')`,
		jobID, workerID, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to return job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// DeferJob pushes a queued job back to pending with scheduled_at set to
// until. Used when admission control denies the job; retry_count is
// untouched.
func (s *Store) DeferJob(ctx context.Context, jobID, workerID string, until time.Time, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, last_heartbeat = NULL,
		    scheduled_at = $3, status_message = $4, updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'queued'`,
		jobID, workerID, until, reason)
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// CancelJob cancels any non-terminal job. A running job's worker observes
// the new status on its next heartbeat and stops cooperatively.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = now(), error_code = $2,
		    paused_at = NULL, interaction_type = NULL, interaction_data = NULL,
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued', 'running', 'paused')`,
		jobID, domain.ErrCodeCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return domain.ErrJobNotCancellable
}

// MarkCancelled acknowledges an external cancel from the owning worker.
// Idempotent: the row is usually already cancelled by CancelJob.
func (s *Store) MarkCancelled(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = COALESCE(completed_at, now()),
		    paused_at = NULL, interaction_type = NULL, interaction_data = NULL,
		    updated_at = now()
		WHERE id = $1 AND worker_id = $2
		  AND status IN ('queued', 'running', 'paused', 'cancelled')`,
		jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// UpdateJobCost adds cost-meter deltas. Deliberately unguarded by status:
// cost flushes may land after the terminal commit.
func (s *Store) UpdateJobCost(ctx context.Context, jobID string, delta domain.CostDelta) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET llm_cost_cents = llm_cost_cents + $2, action_count = action_count + $3,
		    total_tokens = total_tokens + $4, updated_at = now()
		WHERE id = $1`,
		jobID, delta.LLMCostCents, delta.ActionCount, delta.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to update job cost: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ReleaseStuckJobs returns claimed jobs whose heartbeat aged beyond the
// lease window to pending. The status guard makes concurrent sweeps safe:
// each stuck row is released exactly once. A structured release marker is
// appended to error_details for the audit trail.
func (s *Store) ReleaseStuckJobs(ctx context.Context, lease time.Duration, releasedBy string) (int, error) {
	cutoff := time.Now().UTC().Add(-lease)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, last_heartbeat = NULL,
		    started_at = NULL, status_message = 'Released from stale lease by ' || $2,
		    error_details = COALESCE(error_details, '{}'::jsonb) || jsonb_build_object(
		        'released_by', $2::text,
		        'reason', 'stuck_job',
		        'released_at', now()),
		    updated_at = now()
		WHERE status IN ('queued', 'running') AND last_heartbeat < $1`,
		cutoff, releasedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
