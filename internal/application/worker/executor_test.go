package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valethq/pilot/internal/domain"
	"github.com/valethq/pilot/internal/ratelimit"
)

func newTestExecutor(coord *mockCoordinator, events *mockEvents, registry *HandlerRegistry, notifier Notifier, resumes <-chan string) *Executor {
	return NewExecutor(coord, events, registry, NopAdapter{}, notifier, "worker-1", 10*time.Millisecond, time.Minute, resumes)
}

func TestExecutor_CompletesJob(t *testing.T) {
	var completed CompleteParams
	var costFlushed domain.CostDelta
	coord := &mockCoordinator{
		completeJobFunc: func(ctx context.Context, jobID, workerID string, result CompleteParams) error {
			assert.Equal(t, "job-1", jobID)
			assert.Equal(t, "worker-1", workerID)
			completed = result
			return nil
		},
		updateJobCostFunc: func(ctx context.Context, jobID string, delta domain.CostDelta) error {
			costFlushed = delta
			return nil
		},
	}
	events := &mockEvents{}
	notifier := &recordingNotifier{}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			job.RecordEvent(ctx, "navigation", "opened target page", nil)
			job.AddCost(domain.CostDelta{LLMCostCents: 12, ActionCount: 3, TotalTokens: 450})
			return &Result{
				Summary:       "filled the form",
				Data:          map[string]any{"confirmation": "ABC-123"},
				ExecutionMode: "autonomous",
				FinalMode:     "autonomous",
			}, nil
		})
	})

	executor := newTestExecutor(coord, events, registry, notifier, nil)
	executor.Execute(context.Background(), testJob("job-1", "browser_task"))

	assert.Equal(t, "filled the form", completed.ResultSummary)
	assert.Equal(t, "ABC-123", completed.ResultData["confirmation"])
	assert.Equal(t, domain.CostDelta{LLMCostCents: 12, ActionCount: 3, TotalTokens: 450}, costFlushed)
	assert.Equal(t, []string{"running", "completed"}, notifier.statuses())

	// The completed notification carries the metered total even though the
	// counters were flushed to the row just before the commit.
	last, ok := notifier.last()
	require.True(t, ok)
	require.NotNil(t, last.Cost)
	assert.Equal(t, domain.CostDelta{LLMCostCents: 12, ActionCount: 3, TotalTokens: 450}, *last.Cost)

	recorded := events.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, "navigation", recorded[0].EventType)
	assert.Equal(t, 1, recorded[0].Sequence)
}

func TestExecutor_UnknownJobTypeFailsJob(t *testing.T) {
	var failedCode string
	coord := &mockCoordinator{
		failJobFunc: func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
			failedCode = errorCode
			return nil
		},
	}
	notifier := &recordingNotifier{}

	executor := newTestExecutor(coord, &mockEvents{}, NewHandlerRegistry(), notifier, nil)
	executor.Execute(context.Background(), testJob("job-1", "no_such_type"))

	assert.Equal(t, domain.ErrCodeUnknownHandler, failedCode)
	assert.Equal(t, []string{"failed"}, notifier.statuses())
}

func TestExecutor_TransientErrorReturnsJobForRetry(t *testing.T) {
	var retried atomic.Bool
	var failed atomic.Bool
	coord := &mockCoordinator{
		returnForRetryFunc: func(ctx context.Context, jobID, workerID, errorMessage string) error {
			retried.Store(true)
			return nil
		},
		failJobFunc: func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
			failed.Store(true)
			return nil
		},
	}
	notifier := &recordingNotifier{}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			return nil, Transient(errors.New("dial tcp 10.0.0.1:443: i/o timeout"))
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, notifier, nil)
	job := testJob("job-1", "browser_task")
	job.RetryCount = 0
	job.MaxRetries = 2
	executor.Execute(context.Background(), job)

	assert.True(t, retried.Load())
	assert.False(t, failed.Load())
	// Returning to the queue is not a terminal outcome; only running is reported.
	assert.Equal(t, []string{"running"}, notifier.statuses())
}

func TestExecutor_ExhaustedRetriesFailJob(t *testing.T) {
	var retried atomic.Bool
	var failedCode string
	coord := &mockCoordinator{
		returnForRetryFunc: func(ctx context.Context, jobID, workerID, errorMessage string) error {
			retried.Store(true)
			return nil
		},
		failJobFunc: func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
			failedCode = errorCode
			return nil
		},
	}
	notifier := &recordingNotifier{}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			return nil, errors.New("browser disconnected")
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, notifier, nil)
	job := testJob("job-1", "browser_task")
	job.RetryCount = 2
	job.MaxRetries = 2
	executor.Execute(context.Background(), job)

	assert.False(t, retried.Load())
	assert.Equal(t, string(KindTransientBrowserError), failedCode)

	last, ok := notifier.last()
	require.True(t, ok)
	assert.Equal(t, "failed", last.Status)
	assert.Equal(t, string(KindTransientBrowserError), last.ErrorCode)
}

func TestExecutor_FatalErrorFailsWithoutRetry(t *testing.T) {
	var retried atomic.Bool
	var failedCode string
	coord := &mockCoordinator{
		returnForRetryFunc: func(ctx context.Context, jobID, workerID, errorMessage string) error {
			retried.Store(true)
			return nil
		},
		failJobFunc: func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
			failedCode = errorCode
			return nil
		},
	}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			return nil, errors.New("validation failed: missing required field email")
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, &recordingNotifier{}, nil)
	job := testJob("job-1", "browser_task")
	job.RetryCount = 0
	executor.Execute(context.Background(), job)

	assert.False(t, retried.Load(), "fatal errors must not be retried even with budget left")
	assert.Equal(t, string(KindValidationError), failedCode)
}

func TestExecutor_PanicFailsWithInternalError(t *testing.T) {
	var failedCode string
	var failedDetails map[string]any
	coord := &mockCoordinator{
		failJobFunc: func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
			failedCode = errorCode
			failedDetails = details
			return nil
		},
	}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			panic("nil pointer in page driver")
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, &recordingNotifier{}, nil)
	executor.Execute(context.Background(), testJob("job-1", "browser_task"))

	assert.Equal(t, domain.ErrCodeInternal, failedCode)
	require.NotNil(t, failedDetails)
	assert.NotEmpty(t, failedDetails["stack_trace"])
}

func TestExecutor_CancellationObservedViaHeartbeat(t *testing.T) {
	var cancelled atomic.Bool
	coord := &mockCoordinator{
		heartbeatFunc: func(ctx context.Context, jobID, workerID string) (domain.JobStatus, error) {
			return domain.JobCancelled, nil
		},
		markCancelledFunc: func(ctx context.Context, jobID, workerID string) error {
			cancelled.Store(true)
			return nil
		},
	}
	notifier := &recordingNotifier{}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			for {
				if err := job.Checkpoint(ctx); err != nil {
					return nil, err
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, notifier, nil)
	executor.Execute(context.Background(), testJob("job-1", "browser_task"))

	assert.True(t, cancelled.Load())
	assert.Equal(t, []string{"running", "cancelled"}, notifier.statuses())
}

func TestExecutor_WallClockTimeoutFailsJob(t *testing.T) {
	var failedCode string
	coord := &mockCoordinator{
		failJobFunc: func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
			failedCode = errorCode
			return nil
		},
	}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			for {
				if err := job.Checkpoint(ctx); err != nil {
					return nil, err
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, &recordingNotifier{}, nil)
	job := testJob("job-1", "browser_task")
	job.TimeoutSeconds = 1
	executor.Execute(context.Background(), job)

	assert.Equal(t, domain.ErrCodeTimeout, failedCode)
}

func TestExecutor_OwnershipLostBeforeStart(t *testing.T) {
	var committed atomic.Bool
	coord := &mockCoordinator{
		markRunningFunc: func(ctx context.Context, jobID, workerID string) error {
			return domain.ErrJobOwnershipLost
		},
		completeJobFunc: func(ctx context.Context, jobID, workerID string, result CompleteParams) error {
			committed.Store(true)
			return nil
		},
		failJobFunc: func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
			committed.Store(true)
			return nil
		},
	}
	notifier := &recordingNotifier{}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			t.Fatal("handler must not run after ownership loss")
			return nil, nil
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, notifier, nil)
	executor.Execute(context.Background(), testJob("job-1", "browser_task"))

	assert.False(t, committed.Load())
	assert.Empty(t, notifier.statuses())
}

func TestExecutor_HITLEligibleErrorPausesAndReruns(t *testing.T) {
	resumes := make(chan string, 1)
	paused := testJob("job-1", "browser_task")
	paused.Status = domain.JobPaused

	var pausedBlocker domain.Blocker
	var completed atomic.Bool
	coord := &mockCoordinator{
		pauseFunc: func(ctx context.Context, jobID, workerID string, blocker domain.Blocker) error {
			pausedBlocker = blocker
			resumes <- jobID
			return nil
		},
		getJobFunc: func(ctx context.Context, jobID string) (*domain.Job, error) {
			return paused, nil
		},
		completeJobFunc: func(ctx context.Context, jobID, workerID string, result CompleteParams) error {
			completed.Store(true)
			return nil
		},
	}
	notifier := &recordingNotifier{}

	var attempts atomic.Int32
	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("recaptcha challenge on checkout page")
			}
			return &Result{Summary: "done after human solved the captcha"}, nil
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, notifier, resumes)
	executor.Execute(context.Background(), testJob("job-1", "browser_task"))

	assert.True(t, completed.Load())
	assert.EqualValues(t, 2, attempts.Load())
	assert.Equal(t, domain.InteractionCaptcha, pausedBlocker.Type)
	assert.Equal(t, []string{"running", "needs_human", "resumed", "completed"}, notifier.statuses())
}

func TestExecutor_RateLimitDefersJob(t *testing.T) {
	limiter := ratelimit.New(ratelimit.WithTierCaps(map[string]ratelimit.Caps{
		"free": {Hourly: 1, Daily: 10},
	}))

	var deferred atomic.Bool
	var deferredUntil time.Time
	var markedRunning atomic.Bool
	coord := &mockCoordinator{
		markRunningFunc: func(ctx context.Context, jobID, workerID string) error {
			markedRunning.Store(true)
			return nil
		},
		deferJobFunc: func(ctx context.Context, jobID, workerID string, until time.Time, reason string) error {
			assert.Equal(t, "job-2", jobID)
			assert.Equal(t, "worker-1", workerID)
			assert.Contains(t, reason, "rate limited")
			deferred.Store(true)
			deferredUntil = until
			return nil
		},
	}
	notifier := &recordingNotifier{}

	var handlerRuns atomic.Int32
	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			handlerRuns.Add(1)
			return &Result{Summary: "applied"}, nil
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, notifier, nil)
	executor.limiter = limiter

	withTier := func(id string) *domain.Job {
		job := testJob(id, "browser_task")
		job.InputData = map[string]any{"tier": "free"}
		return job
	}

	// First job for the user fits the hourly cap and runs.
	executor.Execute(context.Background(), withTier("job-1"))
	require.EqualValues(t, 1, handlerRuns.Load())

	// Second job exceeds it and is deferred before any transition.
	markedRunning.Store(false)
	notifier2 := &recordingNotifier{}
	executor.notifier = notifier2
	executor.Execute(context.Background(), withTier("job-2"))

	assert.True(t, deferred.Load())
	assert.True(t, deferredUntil.After(time.Now().Add(-time.Second)))
	assert.False(t, markedRunning.Load())
	assert.EqualValues(t, 1, handlerRuns.Load())
	assert.Empty(t, notifier2.statuses())
}

func TestExecutor_RateLimitSkipsJobsWithoutScopes(t *testing.T) {
	limiter := ratelimit.New(ratelimit.WithTierCaps(map[string]ratelimit.Caps{
		"free": {Hourly: 1, Daily: 1},
	}))

	var deferred atomic.Bool
	coord := &mockCoordinator{
		deferJobFunc: func(ctx context.Context, jobID, workerID string, until time.Time, reason string) error {
			deferred.Store(true)
			return nil
		},
	}

	registry := NewHandlerRegistry()
	registry.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			return &Result{}, nil
		})
	})

	executor := newTestExecutor(coord, &mockEvents{}, registry, &recordingNotifier{}, nil)
	executor.limiter = limiter

	// No tier or platform hint in input_data: admission does not apply.
	for range 3 {
		executor.Execute(context.Background(), testJob("job-1", "browser_task"))
	}
	assert.False(t, deferred.Load())
}
