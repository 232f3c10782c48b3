package domain

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal rows are
// append-only: only cost counters and result_summary may change afterwards.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// validTransitions encodes the job state machine. The database enforces the
// same table through status-guarded conditional updates; this map lets
// callers reject impossible transitions before touching the database.
var validTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobQueued, JobCancelled},
	JobQueued:  {JobRunning, JobPending, JobCancelled},
	JobRunning: {JobPaused, JobCompleted, JobFailed, JobPending, JobCancelled},
	JobPaused:  {JobRunning, JobFailed, JobCancelled},
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the unit of work. The database row is the single source of truth;
// workers hold a lease expressed by WorkerID + LastHeartbeat, never a lock.
type Job struct {
	ID string

	// Immutable on insert.
	JobType         string
	TargetURL       string
	TaskDescription string
	InputData       map[string]any
	UserID          string
	TimeoutSeconds  int
	MaxRetries      int
	Priority        int // lower = more urgent
	ScheduledAt     *time.Time
	CallbackURL     string
	ExternalTaskID  string
	TargetWorkerID  *string // if set, only that worker may claim
	Tags            []string
	CreatedAt       time.Time

	// Mutable during the lifecycle.
	Status          JobStatus
	WorkerID        *string
	RetryCount      int
	LastHeartbeat   *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	PausedAt        *time.Time
	InteractionType *string
	InteractionData map[string]any
	StatusMessage   string
	ResultData      map[string]any
	ResultSummary   string
	ErrorCode       string
	ErrorDetails    map[string]any
	ScreenshotURLs  []string
	ExecutionMode   string
	FinalMode       string
	UpdatedAt       time.Time

	// Cost counters. Updatable even after terminal commit.
	LLMCostCents int
	ActionCount  int
	TotalTokens  int
}

// Pinned reports whether the job may only be claimed by a specific worker.
func (j *Job) Pinned() bool {
	return j.TargetWorkerID != nil && *j.TargetWorkerID != ""
}

// Timeout returns the wall-clock budget for handler execution.
// Paused intervals do not count against it.
func (j *Job) Timeout() time.Duration {
	if j.TimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}
