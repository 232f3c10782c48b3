package worker

import (
	"context"
	"sync"
	"time"

	"github.com/valethq/pilot/internal/domain"
)

// mockCoordinator implements Coordinator for testing.
type mockCoordinator struct {
	insertJobFunc       func(ctx context.Context, job *domain.Job) error
	getJobFunc          func(ctx context.Context, jobID string) (*domain.Job, error)
	claimNextJobFunc    func(ctx context.Context, workerID string) (*domain.Job, error)
	markRunningFunc     func(ctx context.Context, jobID, workerID string) error
	heartbeatFunc       func(ctx context.Context, jobID, workerID string) (domain.JobStatus, error)
	pauseFunc           func(ctx context.Context, jobID, workerID string, blocker domain.Blocker) error
	resumeFunc          func(ctx context.Context, jobID, statusMessage string) error
	completeJobFunc     func(ctx context.Context, jobID, workerID string, result CompleteParams) error
	failJobFunc         func(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error
	failPausedJobFunc   func(ctx context.Context, jobID, blockerType string) error
	returnForRetryFunc  func(ctx context.Context, jobID, workerID, errorMessage string) error
	deferJobFunc        func(ctx context.Context, jobID, workerID string, until time.Time, reason string) error
	cancelJobFunc       func(ctx context.Context, jobID string) error
	markCancelledFunc   func(ctx context.Context, jobID, workerID string) error
	updateJobCostFunc   func(ctx context.Context, jobID string, delta domain.CostDelta) error
	releaseStuckFunc    func(ctx context.Context, lease time.Duration, releasedBy string) (int, error)
	subscribeFunc       func(ctx context.Context) (<-chan string, error)
}

func (m *mockCoordinator) InsertJob(ctx context.Context, job *domain.Job) error {
	if m.insertJobFunc != nil {
		return m.insertJobFunc(ctx, job)
	}
	return nil
}

func (m *mockCoordinator) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if m.getJobFunc != nil {
		return m.getJobFunc(ctx, jobID)
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockCoordinator) ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error) {
	if m.claimNextJobFunc != nil {
		return m.claimNextJobFunc(ctx, workerID)
	}
	return nil, nil
}

func (m *mockCoordinator) MarkRunning(ctx context.Context, jobID, workerID string) error {
	if m.markRunningFunc != nil {
		return m.markRunningFunc(ctx, jobID, workerID)
	}
	return nil
}

func (m *mockCoordinator) Heartbeat(ctx context.Context, jobID, workerID string) (domain.JobStatus, error) {
	if m.heartbeatFunc != nil {
		return m.heartbeatFunc(ctx, jobID, workerID)
	}
	return domain.JobRunning, nil
}

func (m *mockCoordinator) PauseForIntervention(ctx context.Context, jobID, workerID string, blocker domain.Blocker) error {
	if m.pauseFunc != nil {
		return m.pauseFunc(ctx, jobID, workerID, blocker)
	}
	return nil
}

func (m *mockCoordinator) ResumeFromPause(ctx context.Context, jobID, statusMessage string) error {
	if m.resumeFunc != nil {
		return m.resumeFunc(ctx, jobID, statusMessage)
	}
	return nil
}

func (m *mockCoordinator) CompleteJob(ctx context.Context, jobID, workerID string, result CompleteParams) error {
	if m.completeJobFunc != nil {
		return m.completeJobFunc(ctx, jobID, workerID, result)
	}
	return nil
}

func (m *mockCoordinator) FailJob(ctx context.Context, jobID, workerID, errorCode, errorMessage string, details map[string]any) error {
	if m.failJobFunc != nil {
		return m.failJobFunc(ctx, jobID, workerID, errorCode, errorMessage, details)
	}
	return nil
}

func (m *mockCoordinator) FailPausedJob(ctx context.Context, jobID, blockerType string) error {
	if m.failPausedJobFunc != nil {
		return m.failPausedJobFunc(ctx, jobID, blockerType)
	}
	return nil
}

func (m *mockCoordinator) ReturnForRetry(ctx context.Context, jobID, workerID, errorMessage string) error {
	if m.returnForRetryFunc != nil {
		return m.returnForRetryFunc(ctx, jobID, workerID, errorMessage)
	}
	return nil
}

func (m *mockCoordinator) DeferJob(ctx context.Context, jobID, workerID string, until time.Time, reason string) error {
	if m.deferJobFunc != nil {
		return m.deferJobFunc(ctx, jobID, workerID, until, reason)
	}
	return nil
}

func (m *mockCoordinator) CancelJob(ctx context.Context, jobID string) error {
	if m.cancelJobFunc != nil {
		return m.cancelJobFunc(ctx, jobID)
	}
	return nil
}

func (m *mockCoordinator) MarkCancelled(ctx context.Context, jobID, workerID string) error {
	if m.markCancelledFunc != nil {
		return m.markCancelledFunc(ctx, jobID, workerID)
	}
	return nil
}

func (m *mockCoordinator) UpdateJobCost(ctx context.Context, jobID string, delta domain.CostDelta) error {
	if m.updateJobCostFunc != nil {
		return m.updateJobCostFunc(ctx, jobID, delta)
	}
	return nil
}

func (m *mockCoordinator) ReleaseStuckJobs(ctx context.Context, lease time.Duration, releasedBy string) (int, error) {
	if m.releaseStuckFunc != nil {
		return m.releaseStuckFunc(ctx, lease, releasedBy)
	}
	return 0, nil
}

func (m *mockCoordinator) SubscribeToResumes(ctx context.Context) (<-chan string, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(ctx)
	}
	return nil, nil
}

// mockRegistry implements Registry for testing.
type mockRegistry struct {
	registerWorkerFunc  func(ctx context.Context, w *domain.Worker) error
	setWorkerStatusFunc func(ctx context.Context, workerID string, status domain.WorkerStatus) error
	setCurrentJobFunc   func(ctx context.Context, workerID string, jobID *string) error
	workerHeartbeatFunc func(ctx context.Context, workerID string) error
}

func (m *mockRegistry) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	if m.registerWorkerFunc != nil {
		return m.registerWorkerFunc(ctx, w)
	}
	return nil
}

func (m *mockRegistry) SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	if m.setWorkerStatusFunc != nil {
		return m.setWorkerStatusFunc(ctx, workerID, status)
	}
	return nil
}

func (m *mockRegistry) SetCurrentJob(ctx context.Context, workerID string, jobID *string) error {
	if m.setCurrentJobFunc != nil {
		return m.setCurrentJobFunc(ctx, workerID, jobID)
	}
	return nil
}

func (m *mockRegistry) WorkerHeartbeat(ctx context.Context, workerID string) error {
	if m.workerHeartbeatFunc != nil {
		return m.workerHeartbeatFunc(ctx, workerID)
	}
	return nil
}

// mockEvents records appended events.
type mockEvents struct {
	mu     sync.Mutex
	events []*domain.JobEvent

	appendEventFunc func(ctx context.Context, event *domain.JobEvent) error
}

func (m *mockEvents) AppendEvent(ctx context.Context, event *domain.JobEvent) error {
	if m.appendEventFunc != nil {
		return m.appendEventFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEvents) recorded() []*domain.JobEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.JobEvent(nil), m.events...)
}

// recordingNotifier captures lifecycle notifications in order.
type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recordingNotifier) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notifications))
	for _, n := range r.notifications {
		out = append(out, n.Status)
	}
	return out
}

func (r *recordingNotifier) last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notifications) == 0 {
		return Notification{}, false
	}
	return r.notifications[len(r.notifications)-1], true
}

func testJob(id, jobType string) *domain.Job {
	return &domain.Job{
		ID:              id,
		JobType:         jobType,
		TargetURL:       "https://example.com",
		TaskDescription: "test task",
		UserID:          "user-1",
		Status:          domain.JobQueued,
		MaxRetries:      2,
		CreatedAt:       time.Now().UTC(),
	}
}
