package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valethq/pilot/internal/domain"
)

func TestProgressRecorder_CostSurvivesFlush(t *testing.T) {
	var flushed []domain.CostDelta
	coord := &mockCoordinator{
		updateJobCostFunc: func(ctx context.Context, jobID string, delta domain.CostDelta) error {
			flushed = append(flushed, delta)
			return nil
		},
	}

	p := NewProgressRecorder("job-1", &mockEvents{}, coord)
	p.AddCost(domain.CostDelta{LLMCostCents: 100, ActionCount: 5, TotalTokens: 4000})
	p.Flush(context.Background())
	p.AddCost(domain.CostDelta{LLMCostCents: 23, ActionCount: 2, TotalTokens: 242})
	p.Flush(context.Background())

	// Each flush writes only the counters metered since the previous one.
	require.Equal(t, []domain.CostDelta{
		{LLMCostCents: 100, ActionCount: 5, TotalTokens: 4000},
		{LLMCostCents: 23, ActionCount: 2, TotalTokens: 242},
	}, flushed)

	// The reported total is cumulative across flushes.
	assert.Equal(t, domain.CostDelta{LLMCostCents: 123, ActionCount: 7, TotalTokens: 4242}, p.Cost())

	// A flush with nothing pending writes nothing.
	p.Flush(context.Background())
	assert.Len(t, flushed, 2)
}

func TestProgressRecorder_SequencesEvents(t *testing.T) {
	events := &mockEvents{}
	p := NewProgressRecorder("job-1", events, &mockCoordinator{})

	p.Record(context.Background(), "navigation", "opened page", nil)
	p.Record(context.Background(), "form", "filled field", map[string]any{"field": "email"})

	recorded := events.recorded()
	require.Len(t, recorded, 2)
	assert.Equal(t, 1, recorded[0].Sequence)
	assert.Equal(t, 2, recorded[1].Sequence)
	assert.Equal(t, "form", recorded[1].EventType)
}
