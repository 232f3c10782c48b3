package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valethq/pilot/internal/domain"
)

// ProgressRecorder appends events to one job's log and aggregates its cost
// counters. It is write-only from the handler's side; the status read API
// serves the same rows. Safe for concurrent use within a worker.
type ProgressRecorder struct {
	jobID  string
	events EventRecorder
	coord  Coordinator

	mu       sync.Mutex
	sequence int
	pending  domain.CostDelta // accumulated since the last flush
	total    domain.CostDelta // accumulated over the whole execution
}

// NewProgressRecorder creates a recorder for one job execution.
func NewProgressRecorder(jobID string, events EventRecorder, coord Coordinator) *ProgressRecorder {
	return &ProgressRecorder{jobID: jobID, events: events, coord: coord}
}

// Record appends a structured event with the next per-job sequence number.
// Event append failures are logged, never surfaced: losing a progress line
// must not fail the job.
func (p *ProgressRecorder) Record(ctx context.Context, eventType, message string, metadata map[string]any) {
	p.mu.Lock()
	p.sequence++
	seq := p.sequence
	p.mu.Unlock()

	event := &domain.JobEvent{
		JobID:     p.jobID,
		Sequence:  seq,
		EventType: eventType,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	if err := p.events.AppendEvent(ctx, event); err != nil {
		slog.WarnContext(ctx, "failed to append job event",
			"job_id", p.jobID,
			"event_type", eventType,
			"error", err)
	}
}

// AddCost accumulates a cost delta.
func (p *ProgressRecorder) AddCost(delta domain.CostDelta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.LLMCostCents += delta.LLMCostCents
	p.pending.ActionCount += delta.ActionCount
	p.pending.TotalTokens += delta.TotalTokens
	p.total.LLMCostCents += delta.LLMCostCents
	p.total.ActionCount += delta.ActionCount
	p.total.TotalTokens += delta.TotalTokens
}

// Cost returns the counters accumulated over the whole execution. Flushing
// does not reset it; the completion callback reports this total.
func (p *ProgressRecorder) Cost() domain.CostDelta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Flush writes the counters accumulated since the last flush to the job
// row. Cost columns remain writable after a terminal commit.
func (p *ProgressRecorder) Flush(ctx context.Context) {
	p.mu.Lock()
	delta := p.pending
	p.pending = domain.CostDelta{}
	p.mu.Unlock()

	if delta == (domain.CostDelta{}) {
		return
	}

	if err := p.coord.UpdateJobCost(ctx, p.jobID, delta); err != nil {
		slog.WarnContext(ctx, "failed to flush job cost counters",
			"job_id", p.jobID,
			"error", err)
	}
}
