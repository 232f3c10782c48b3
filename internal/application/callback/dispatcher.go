// Package callback delivers job lifecycle notifications to the orchestrator
// over HTTP. Delivery is at-least-once with per-job ordering; the database
// row stays canonical, so delivery failures are logged and dropped.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/valethq/pilot/internal/application/worker"
	"github.com/valethq/pilot/internal/domain"
)

const (
	defaultAttemptTimeout = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = time.Second
	defaultBackoffCap     = 10 * time.Second
)

// Payload is the wire shape posted to callback_url. The field set is a
// stable contract across all statuses; optional fields are omitted rather
// than sent null.
type Payload struct {
	JobID          string       `json:"job_id"`
	ExternalTaskID string       `json:"external_task_id"`
	WorkerID       string       `json:"worker_id,omitempty"`
	Status         string       `json:"status"`
	CompletedAt    time.Time    `json:"completed_at"`
	ResultSummary  string       `json:"result_summary,omitempty"`
	Cost           *Cost        `json:"cost,omitempty"`
	Interaction    *Interaction `json:"interaction,omitempty"`
	ErrorCode      string       `json:"error_code,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	ExecutionMode  string       `json:"execution_mode,omitempty"`
	FinalMode      string       `json:"final_mode,omitempty"`
}

// Cost carries the job's metered spend.
type Cost struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	ActionCount  int     `json:"action_count"`
	TotalTokens  int     `json:"total_tokens"`
}

// Interaction describes the blocker on a needs_human callback.
type Interaction struct {
	Type           string `json:"type"`
	ScreenshotURL  string `json:"screenshot_url,omitempty"`
	PageURL        string `json:"page_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Dispatcher implements worker.Notifier by POSTing payloads to each job's
// callback_url. Per-job mutexes preserve transition order; a shared rate
// limiter bounds outbound request volume across all jobs.
type Dispatcher struct {
	client         *http.Client
	limiter        *rate.Limiter
	attemptTimeout time.Duration
	maxAttempts    uint64
	backoffBase    time.Duration
	backoffCap     time.Duration

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
	// worker_id propagation: once a transition carries a worker id, every
	// later callback for that job repeats it.
	workerIDs map[string]string
}

// Option is a functional option for configuring Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithAttemptTimeout bounds each delivery attempt.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.attemptTimeout = t }
}

// WithMaxAttempts sets the total delivery attempts per notification.
func WithMaxAttempts(n uint64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithRateLimit bounds outbound callbacks per second across all jobs.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) { d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New creates a dispatcher with an OTel-instrumented HTTP client.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:        rate.NewLimiter(rate.Inf, 0),
		attemptTimeout: defaultAttemptTimeout,
		maxAttempts:    defaultMaxAttempts,
		backoffBase:    defaultBackoffBase,
		backoffCap:     defaultBackoffCap,
		jobLocks:       make(map[string]*sync.Mutex),
		workerIDs:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify delivers one lifecycle notification. Jobs without a callback_url
// are skipped. Failures never propagate to the caller.
func (d *Dispatcher) Notify(ctx context.Context, n worker.Notification) {
	if n.Job == nil || n.Job.CallbackURL == "" {
		return
	}

	lock := d.jobLock(n.Job.ID)
	lock.Lock()
	defer lock.Unlock()

	payload := d.buildPayload(n)

	if err := d.deliver(ctx, n.Job.CallbackURL, payload); err != nil {
		slog.ErrorContext(ctx, "callback delivery failed",
			"job_id", n.Job.ID,
			"status", n.Status,
			"callback_url", n.Job.CallbackURL,
			"error", err)
	} else {
		slog.InfoContext(ctx, "callback delivered",
			"job_id", n.Job.ID,
			"status", n.Status)
	}

	if terminalStatus(n.Status) {
		d.forget(n.Job.ID)
	}
}

// buildPayload maps a notification onto the wire contract.
func (d *Dispatcher) buildPayload(n worker.Notification) Payload {
	job := n.Job

	p := Payload{
		JobID:          job.ID,
		ExternalTaskID: job.ExternalTaskID,
		WorkerID:       d.workerIDFor(job),
		Status:         n.Status,
		CompletedAt:    transitionTime(job),
		ErrorCode:      n.ErrorCode,
		ErrorMessage:   n.ErrorMessage,
		ExecutionMode:  job.ExecutionMode,
		FinalMode:      job.FinalMode,
	}

	if n.Status == "completed" {
		p.ResultSummary = job.ResultSummary
	}

	if n.Cost != nil {
		p.Cost = &Cost{
			TotalCostUSD: float64(n.Cost.LLMCostCents) / 100,
			ActionCount:  n.Cost.ActionCount,
			TotalTokens:  n.Cost.TotalTokens,
		}
	}

	if n.Blocker != nil {
		p.Interaction = &Interaction{
			Type:           string(n.Blocker.Type),
			ScreenshotURL:  n.Blocker.ScreenshotURL,
			PageURL:        n.Blocker.PageURL,
			TimeoutSeconds: n.Blocker.TimeoutSeconds,
		}
	}

	return p
}

// deliver POSTs the payload with capped exponential backoff. 2xx is
// delivered, 4xx is final, anything else retries.
func (d *Dispatcher) deliver(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}

	backoff := retry.WithMaxRetries(d.maxAttempts-1,
		retry.WithCappedDuration(d.backoffCap, retry.NewExponential(d.backoffBase)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := d.attempt(ctx, url, body); err != nil {
			return err
		}
		return nil
	})
}

func (d *Dispatcher) attempt(ctx context.Context, url string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("callback request failed: %w", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("callback rejected with status %d", resp.StatusCode)
	default:
		return retry.RetryableError(fmt.Errorf("callback returned status %d", resp.StatusCode))
	}
}

// workerIDFor returns the job's worker id, remembering the first one seen so
// later transitions without a lease still carry it.
func (d *Dispatcher) workerIDFor(job *domain.Job) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job.WorkerID != nil && *job.WorkerID != "" {
		d.workerIDs[job.ID] = *job.WorkerID
		return *job.WorkerID
	}
	return d.workerIDs[job.ID]
}

func (d *Dispatcher) jobLock(jobID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.jobLocks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		d.jobLocks[jobID] = lock
	}
	return lock
}

func (d *Dispatcher) forget(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobLocks, jobID)
	delete(d.workerIDs, jobID)
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// transitionTime picks the timestamp reported as completed_at: the terminal
// timestamp when stamped, otherwise the time of the transition.
func transitionTime(job *domain.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return time.Now().UTC()
}
