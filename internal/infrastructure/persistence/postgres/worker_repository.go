package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/valethq/pilot/internal/domain"
)

// RegisterWorker upserts the worker row with status active. On conflict the
// row refreshes except registered_at, and target_worker_id is preserved when
// the new value is empty so a restart does not drop the pinning hint.
func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, status, registered_at, last_heartbeat, ec2_ip, target_worker_id, metadata)
		VALUES ($1, $2, now(), now(), $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat = now(),
			ec2_ip = EXCLUDED.ec2_ip,
			target_worker_id = COALESCE(EXCLUDED.target_worker_id, workers.target_worker_id),
			metadata = EXCLUDED.metadata,
			current_job_id = NULL`,
		w.ID, string(w.Status), w.EC2IP, w.TargetWorkerID, w.Metadata)
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.ID, err)
	}
	return nil
}

// SetWorkerStatus flips the worker's registration status.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET status = $2, last_heartbeat = now() WHERE id = $1`,
		workerID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// SetCurrentJob records (or clears, with nil) the worker's in-flight job.
func (s *Store) SetCurrentJob(ctx context.Context, workerID string, jobID *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET current_job_id = $2, last_heartbeat = now() WHERE id = $1`,
		workerID, jobID)
	if err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// WorkerHeartbeat refreshes the worker row's last_heartbeat.
func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET last_heartbeat = now() WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// GetWorker returns one worker registration row.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	var w domain.Worker
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, current_job_id, registered_at, last_heartbeat, ec2_ip, target_worker_id, metadata
		FROM workers WHERE id = $1`, workerID).Scan(
		&w.ID, &status, &w.CurrentJobID, &w.RegisteredAt, &w.LastHeartbeat,
		&w.EC2IP, &w.TargetWorkerID, &w.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", workerID, err)
	}
	w.Status = domain.WorkerStatus(status)
	return &w, nil
}
