package postgres

import (
	"context"
	"fmt"

	"github.com/valethq/pilot/internal/domain"
)

// AppendEvent appends one entry to a job's progress log.
func (s *Store) AppendEvent(ctx context.Context, event *domain.JobEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, sequence, event_type, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.JobID, event.Sequence, event.EventType, event.Message, event.Metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event for job %s: %w", event.JobID, err)
	}
	return nil
}

// ListEvents returns a job's progress log in sequence order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]*domain.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, sequence, event_type, message, metadata, created_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY sequence ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var events []*domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		if err := rows.Scan(&e.JobID, &e.Sequence, &e.EventType, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}
