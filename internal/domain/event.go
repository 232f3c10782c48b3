package domain

import "time"

// JobEvent is one entry of the append-only per-job progress log.
// Events are totally ordered by (CreatedAt, Sequence).
type JobEvent struct {
	JobID     string
	Sequence  int
	EventType string
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// CostDelta is a cost-meter increment recorded alongside progress events
// and rolled up into the job row.
type CostDelta struct {
	LLMCostCents int
	ActionCount  int
	TotalTokens  int
}
