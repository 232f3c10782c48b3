package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valethq/pilot/internal/application/worker"
	"github.com/valethq/pilot/internal/domain"
	"github.com/valethq/pilot/internal/infrastructure/persistence/postgres"
)

// setupStore connects to the test database and truncates all tables.
// Tests are skipped when no database is configured.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping queue integration tests")
	}

	ctx := context.Background()
	store, err := postgres.Connect(ctx, postgres.Config{DSN: dsn})
	require.NoError(t, err)

	_, err = store.Pool().Exec(ctx, "TRUNCATE TABLE job_events, jobs, workers, browser_sessions CASCADE")
	require.NoError(t, err)

	t.Cleanup(store.Close)
	return store
}

func insertJob(t *testing.T, store *postgres.Store, job *domain.Job) *domain.Job {
	t.Helper()
	if job.JobType == "" {
		job.JobType = "browser_task"
	}
	if job.UserID == "" {
		job.UserID = "user-1"
	}
	if job.TargetURL == "" {
		job.TargetURL = "https://example.com"
	}
	require.NoError(t, store.InsertJob(context.Background(), job))
	return job
}

func TestClaimNextJob_NoDoubleClaimUnderContention(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	const jobCount = 20
	const claimers = 8

	for i := range jobCount {
		insertJob(t, store, &domain.Job{ID: fmt.Sprintf("job-%02d", i)})
	}

	type claim struct {
		jobID    string
		workerID string
	}
	var mu sync.Mutex
	var claims []claim
	var errs []error

	var wg sync.WaitGroup
	for i := range claimers {
		workerID := fmt.Sprintf("worker-%d", i)
		wg.Go(func() {
			for {
				job, err := store.ClaimNextJob(ctx, workerID)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else if job != nil {
					claims = append(claims, claim{job.ID, workerID})
				}
				mu.Unlock()
				if err != nil || job == nil {
					return
				}
			}
		})
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, claims, jobCount, "every job claimed exactly once")

	byJob := make(map[string]string, len(claims))
	for _, c := range claims {
		prev, dup := byJob[c.jobID]
		require.False(t, dup, "job %s claimed by both %s and %s", c.jobID, prev, c.workerID)
		byJob[c.jobID] = c.workerID
	}
	for jobID, workerID := range byJob {
		row, err := store.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobQueued, row.Status)
		require.NotNil(t, row.WorkerID)
		assert.Equal(t, workerID, *row.WorkerID)
	}
}

func TestClaimNextJob_PriorityThenCreationOrder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	insertJob(t, store, &domain.Job{ID: "low", Priority: 9, CreatedAt: base})
	insertJob(t, store, &domain.Job{ID: "urgent-older", Priority: 1, CreatedAt: base.Add(time.Second)})
	insertJob(t, store, &domain.Job{ID: "urgent-newer", Priority: 1, CreatedAt: base.Add(2 * time.Second)})
	insertJob(t, store, &domain.Job{ID: "mid", Priority: 5, CreatedAt: base.Add(3 * time.Second)})

	var order []string
	for {
		job, err := store.ClaimNextJob(ctx, "worker-1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{"urgent-older", "urgent-newer", "mid", "low"}, order)
}

func TestReleaseStuckJobs_ExactlyOnceWithMarker(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	insertJob(t, store, &domain.Job{ID: "job-stuck"})
	job, err := store.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	// Age the lease past the window.
	_, err = store.Pool().Exec(ctx,
		"UPDATE jobs SET last_heartbeat = now() - interval '10 minutes' WHERE id = $1", job.ID)
	require.NoError(t, err)

	released, err := store.ReleaseStuckJobs(ctx, 2*time.Minute, "sweeper-a")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// The row is released once; a second sweep finds nothing.
	released, err = store.ReleaseStuckJobs(ctx, 2*time.Minute, "sweeper-b")
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	row, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, row.Status)
	assert.Nil(t, row.WorkerID)
	assert.Zero(t, row.RetryCount, "reclamation must not consume the retry budget")
	require.NotNil(t, row.ErrorDetails)
	assert.Equal(t, "sweeper-a", row.ErrorDetails["released_by"])
	assert.Equal(t, "stuck_job", row.ErrorDetails["reason"])
	assert.NotEmpty(t, row.ErrorDetails["released_at"])
}

func pauseJob(t *testing.T, store *postgres.Store, jobID string) {
	t.Helper()
	ctx := context.Background()

	job, err := store.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.ID)
	require.NoError(t, store.MarkRunning(ctx, jobID, "worker-1"))
	require.NoError(t, store.PauseForIntervention(ctx, jobID, "worker-1", domain.Blocker{
		Type:           domain.InteractionCaptcha,
		TimeoutSeconds: 300,
	}))
}

func TestCancelJob_FromPausedClearsBlocker(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	insertJob(t, store, &domain.Job{ID: "job-paused"})
	pauseJob(t, store, "job-paused")

	require.NoError(t, store.CancelJob(ctx, "job-paused"))

	// paused_at is non-null only while the row is paused; the blocker
	// columns go with it.
	row, err := store.GetJob(ctx, "job-paused")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, row.Status)
	assert.Nil(t, row.PausedAt)
	assert.Nil(t, row.InteractionType)
	assert.Nil(t, row.InteractionData)
}

func TestFailPausedJob_ClearsBlocker(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	insertJob(t, store, &domain.Job{ID: "job-expired"})
	pauseJob(t, store, "job-expired")

	require.NoError(t, store.FailPausedJob(ctx, "job-expired", "captcha"))

	row, err := store.GetJob(ctx, "job-expired")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, row.Status)
	assert.Nil(t, row.PausedAt)
	assert.Nil(t, row.InteractionType)
	assert.Nil(t, row.InteractionData)
	assert.Equal(t, domain.ErrCodeHITLTimeout, row.ErrorCode)
}

func TestCompleteJob_WithoutScreenshotsOrTags(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	// Nil Tags and a bare Result are the common case; both array columns
	// must accept them.
	insertJob(t, store, &domain.Job{ID: "job-plain", Tags: nil})

	job, err := store.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, store.MarkRunning(ctx, job.ID, "worker-1"))

	require.NoError(t, store.CompleteJob(ctx, job.ID, "worker-1", worker.CompleteParams{
		ResultSummary: "filled the form",
	}))

	row, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, row.Status)
	assert.Equal(t, "filled the form", row.ResultSummary)
	assert.Empty(t, row.ScreenshotURLs)
	assert.Empty(t, row.Tags)
	require.NotNil(t, row.CompletedAt)
}
