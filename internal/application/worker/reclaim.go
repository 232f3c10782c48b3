package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reclaimer returns abandoned jobs to the queue. The worker runtime runs
// the same sweep periodically; this type backs the one-shot operator
// command for manual recovery.
type Reclaimer struct {
	coord      Coordinator
	lease      time.Duration
	releasedBy string
}

// NewReclaimer creates a reclaimer that releases jobs whose heartbeat aged
// beyond the lease window.
func NewReclaimer(coord Coordinator, lease time.Duration, releasedBy string) *Reclaimer {
	if lease <= 0 {
		lease = defaultLeaseWindow
	}
	return &Reclaimer{coord: coord, lease: lease, releasedBy: releasedBy}
}

// RunOnce performs a single sweep and returns the number of jobs released.
func (r *Reclaimer) RunOnce(ctx context.Context) (int, error) {
	released, err := r.coord.ReleaseStuckJobs(ctx, r.lease, r.releasedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck jobs: %w", err)
	}
	if released > 0 {
		slog.InfoContext(ctx, "released stuck jobs",
			"count", released,
			"lease_window", r.lease,
			"released_by", r.releasedBy)
	}
	return released, nil
}
