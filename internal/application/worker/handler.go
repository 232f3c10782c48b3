package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/valethq/pilot/internal/domain"
)

// Result is what a handler returns on success.
type Result struct {
	Summary        string
	Data           map[string]any
	ScreenshotURLs []string
	ExecutionMode  string
	FinalMode      string
}

// Handler drives the actual browser work for one job type. The scheduler
// treats it as opaque: it may call back through the JobContext to record
// progress, meter cost, or request human intervention.
type Handler interface {
	Execute(ctx context.Context, job *JobContext) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *JobContext) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, job *JobContext) (*Result, error) {
	return f(ctx, job)
}

// HandlerRegistry maps job_type strings to handler factories. Unknown types
// fail the job with unknown_handler rather than panicking the worker.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{factories: make(map[string]func() Handler)}
}

// Register binds a job type to a handler factory. Later registrations for
// the same type replace earlier ones.
func (r *HandlerRegistry) Register(jobType string, factory func() Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[jobType] = factory
}

// Lookup instantiates a handler for the job type.
func (r *HandlerRegistry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	return factory(), nil
}

// Types returns the registered job types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// BrowserAdapter is the minimal control surface the scheduler needs over
// the headless browser: halting action issuance while a human works on the
// page, and releasing it afterwards. Pause and Resume are idempotent.
type BrowserAdapter interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// NopAdapter satisfies BrowserAdapter with no-ops, for handlers that manage
// their own browser or for tests.
type NopAdapter struct{}

func (NopAdapter) Pause(context.Context) error  { return nil }
func (NopAdapter) Resume(context.Context) error { return nil }

// InterventionOutcome is the result of a HITL wait.
type InterventionOutcome int

const (
	InterventionResumed InterventionOutcome = iota
	InterventionTimedOut
	InterventionCancelled
)

// JobContext is the read-only job view plus the callbacks a handler may use
// to mutate progress. It is valid only for the duration of Execute.
type JobContext struct {
	job      domain.Job
	progress *ProgressRecorder
	hitl     *HITLCoordinator
	workerID string
	checkpt  func(ctx context.Context) error
}

// Job returns a copy of the job row as claimed.
func (c *JobContext) Job() domain.Job { return c.job }

// WorkerID returns the identity of the executing worker.
func (c *JobContext) WorkerID() string { return c.workerID }

// RecordEvent appends a structured entry to the job's progress log.
func (c *JobContext) RecordEvent(ctx context.Context, eventType, message string, metadata map[string]any) {
	c.progress.Record(ctx, eventType, message, metadata)
}

// AddCost accumulates cost counters; they are flushed to the job row when
// execution finishes.
func (c *JobContext) AddCost(delta domain.CostDelta) {
	c.progress.AddCost(delta)
}

// RequestIntervention pauses the job for a human-gated obstacle and blocks
// until a resume signal, the blocker timeout, or cancellation.
func (c *JobContext) RequestIntervention(ctx context.Context, blocker domain.Blocker) (InterventionOutcome, error) {
	return c.hitl.Request(ctx, c.job.ID, c.workerID, blocker)
}

// Checkpoint is the cooperative cancellation point. Handlers should call it
// between page actions; it returns ErrJobCancelled once external
// cancellation has been observed.
func (c *JobContext) Checkpoint(ctx context.Context) error {
	if c.checkpt == nil {
		return ctx.Err()
	}
	return c.checkpt(ctx)
}
