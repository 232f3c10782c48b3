package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valethq/pilot/internal/domain"
)

func TestRuntime_RegistersClaimsAndDrains(t *testing.T) {
	var mu sync.Mutex
	var registered *domain.Worker
	var statuses []domain.WorkerStatus
	var currentJobs []*string

	var claims atomic.Int32
	var completed atomic.Bool

	coord := &mockCoordinator{
		claimNextJobFunc: func(ctx context.Context, workerID string) (*domain.Job, error) {
			if claims.Add(1) == 1 {
				return testJob("job-1", "browser_task"), nil
			}
			return nil, nil
		},
		completeJobFunc: func(ctx context.Context, jobID, workerID string, result CompleteParams) error {
			completed.Store(true)
			return nil
		},
	}
	workers := &mockRegistry{
		registerWorkerFunc: func(ctx context.Context, w *domain.Worker) error {
			mu.Lock()
			defer mu.Unlock()
			registered = w
			return nil
		},
		setWorkerStatusFunc: func(ctx context.Context, workerID string, status domain.WorkerStatus) error {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, status)
			return nil
		},
		setCurrentJobFunc: func(ctx context.Context, workerID string, jobID *string) error {
			mu.Lock()
			defer mu.Unlock()
			currentJobs = append(currentJobs, jobID)
			return nil
		},
	}

	handlers := NewHandlerRegistry()
	handlers.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			return &Result{Summary: "ok"}, nil
		})
	})

	rt := NewRuntime(coord, workers, &mockEvents{}, handlers, "worker-1",
		WithPollInterval(10*time.Millisecond),
		WithDrainTimeout(time.Second),
		WithEC2IP("10.0.1.5"),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Start(context.Background()) }()

	require.Eventually(t, completed.Load, time.Second, 5*time.Millisecond)
	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, <-runErr)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, registered)
	assert.Equal(t, "worker-1", registered.ID)
	assert.Equal(t, domain.WorkerActive, registered.Status)
	assert.Equal(t, "10.0.1.5", registered.EC2IP)

	assert.Equal(t, []domain.WorkerStatus{domain.WorkerDraining, domain.WorkerOffline}, statuses)

	require.Len(t, currentJobs, 2)
	require.NotNil(t, currentJobs[0])
	assert.Equal(t, "job-1", *currentJobs[0])
	assert.Nil(t, currentJobs[1], "current job must be cleared after execution")
}

func TestRuntime_StopWaitsForInFlightJob(t *testing.T) {
	release := make(chan struct{})
	inFlight := make(chan struct{})
	var completed atomic.Bool

	var claims atomic.Int32
	coord := &mockCoordinator{
		claimNextJobFunc: func(ctx context.Context, workerID string) (*domain.Job, error) {
			if claims.Add(1) == 1 {
				return testJob("job-1", "browser_task"), nil
			}
			return nil, nil
		},
		completeJobFunc: func(ctx context.Context, jobID, workerID string, result CompleteParams) error {
			completed.Store(true)
			return nil
		},
	}

	handlers := NewHandlerRegistry()
	handlers.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			close(inFlight)
			<-release
			return &Result{}, nil
		})
	})

	rt := NewRuntime(coord, &mockRegistry{}, &mockEvents{}, handlers, "worker-1",
		WithPollInterval(10*time.Millisecond),
		WithDrainTimeout(2*time.Second),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Start(context.Background()) }()

	<-inFlight
	stopErr := make(chan error, 1)
	go func() { stopErr <- rt.Stop(context.Background()) }()

	// The in-flight job keeps running after Stop is requested.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, completed.Load())

	close(release)
	require.NoError(t, <-stopErr)
	require.NoError(t, <-runErr)
	assert.True(t, completed.Load())
}

func TestRuntime_StopTimesOutOnStuckJob(t *testing.T) {
	release := make(chan struct{})
	inFlight := make(chan struct{})

	coord := &mockCoordinator{
		claimNextJobFunc: func(ctx context.Context, workerID string) (*domain.Job, error) {
			select {
			case <-inFlight:
				return nil, nil
			default:
			}
			return testJob("job-1", "browser_task"), nil
		},
	}

	handlers := NewHandlerRegistry()
	handlers.Register("browser_task", func() Handler {
		return HandlerFunc(func(ctx context.Context, job *JobContext) (*Result, error) {
			close(inFlight)
			<-release
			return &Result{}, nil
		})
	})

	rt := NewRuntime(coord, &mockRegistry{}, &mockEvents{}, handlers, "worker-1",
		WithPollInterval(10*time.Millisecond),
		WithDrainTimeout(50*time.Millisecond),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Start(context.Background()) }()

	<-inFlight
	err := rt.Stop(context.Background())
	require.ErrorIs(t, err, ErrDrainDeadlineExceeded)

	close(release)
	require.NoError(t, <-runErr)
}

func TestRuntime_ClaimRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	coord := &mockCoordinator{
		claimNextJobFunc: func(ctx context.Context, workerID string) (*domain.Job, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("connection reset by peer")
			}
			return testJob("job-1", "browser_task"), nil
		},
	}

	rt := NewRuntime(coord, &mockRegistry{}, &mockEvents{}, NewHandlerRegistry(), "worker-1")

	job, err := rt.claimWithBackoff(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestRuntime_SubscribeFailureFallsBackToPolling(t *testing.T) {
	var claims atomic.Int32
	coord := &mockCoordinator{
		subscribeFunc: func(ctx context.Context) (<-chan string, error) {
			return nil, errors.New("listen unavailable")
		},
		claimNextJobFunc: func(ctx context.Context, workerID string) (*domain.Job, error) {
			claims.Add(1)
			return nil, nil
		},
	}

	rt := NewRuntime(coord, &mockRegistry{}, &mockEvents{}, NewHandlerRegistry(), "worker-1",
		WithPollInterval(10*time.Millisecond),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Start(context.Background()) }()

	require.Eventually(t, func() bool { return claims.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, <-runErr)
}

func TestReclaimer_RunOnce(t *testing.T) {
	var gotLease time.Duration
	var gotReleasedBy string
	coord := &mockCoordinator{
		releaseStuckFunc: func(ctx context.Context, lease time.Duration, releasedBy string) (int, error) {
			gotLease = lease
			gotReleasedBy = releasedBy
			return 3, nil
		},
	}

	reclaimer := NewReclaimer(coord, 2*time.Minute, "ops-cli")
	released, err := reclaimer.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, released)
	assert.Equal(t, 2*time.Minute, gotLease)
	assert.Equal(t, "ops-cli", gotReleasedBy)
}

func TestReclaimer_RunOnceWrapsError(t *testing.T) {
	sweepErr := errors.New("deadlock detected")
	coord := &mockCoordinator{
		releaseStuckFunc: func(ctx context.Context, lease time.Duration, releasedBy string) (int, error) {
			return 0, sweepErr
		},
	}

	reclaimer := NewReclaimer(coord, 0, "ops-cli")
	_, err := reclaimer.RunOnce(context.Background())
	require.ErrorIs(t, err, sweepErr)
}
