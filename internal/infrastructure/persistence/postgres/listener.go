package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const listenRetryDelay = time.Second

// SubscribeToResumes returns a channel carrying job ids published on the
// job_resume channel. The channel closes when ctx is cancelled. A dedicated
// pooled connection holds the LISTEN for the subscription's lifetime.
func (s *Store) SubscribeToResumes(ctx context.Context) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN job_resume"); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on job_resume: %w", err)
	}

	ch := make(chan string, 10)

	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN job_resume")
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// A dead connection fails every wait; pace the retries so
				// the subscriber does not spin.
				slog.WarnContext(ctx, "resume notification wait failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(listenRetryDelay):
				}
				continue
			}
			select {
			case ch <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
