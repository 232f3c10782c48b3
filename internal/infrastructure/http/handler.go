package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/valethq/pilot/internal/domain"
)

// JobReader is the read-only view the status API needs over persistence.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]*domain.JobEvent, error)
	GetWorker(ctx context.Context, workerID string) (*domain.Worker, error)
}

// StatusHandler serves job and worker rows to operators.
type StatusHandler struct {
	reader JobReader
}

// NewStatusHandler creates a handler over the given reader.
func NewStatusHandler(reader JobReader) *StatusHandler {
	return &StatusHandler{reader: reader}
}

// jobResponse is the wire shape of one job row. The manual block surfaces
// experiment and handler provenance that operators filter on.
type jobResponse struct {
	JobID           string         `json:"job_id"`
	JobType         string         `json:"job_type"`
	Status          string         `json:"status"`
	UserID          string         `json:"user_id"`
	TargetURL       string         `json:"target_url,omitempty"`
	ExternalTaskID  string         `json:"external_task_id,omitempty"`
	WorkerID        *string        `json:"worker_id"`
	RetryCount      int            `json:"retry_count"`
	Priority        int            `json:"priority"`
	StatusMessage   string         `json:"status_message,omitempty"`
	InteractionType *string        `json:"interaction_type,omitempty"`
	InteractionData map[string]any `json:"interaction_data,omitempty"`
	ResultSummary   string         `json:"result_summary,omitempty"`
	ResultData      map[string]any `json:"result_data,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorDetails    map[string]any `json:"error_details,omitempty"`
	ScreenshotURLs  []string       `json:"screenshot_urls,omitempty"`
	ExecutionMode   string         `json:"execution_mode,omitempty"`
	FinalMode       string         `json:"final_mode,omitempty"`
	Manual          map[string]any `json:"manual,omitempty"`
	Cost            costResponse   `json:"cost"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	PausedAt        *time.Time     `json:"paused_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type costResponse struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	ActionCount  int     `json:"action_count"`
	TotalTokens  int     `json:"total_tokens"`
}

// GetJob returns one job row with its manual metadata block.
func (h *StatusHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.reader.GetJob(r.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to read job", "job_id", jobID, "error", err)
		writeError(r.Context(), w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toJobResponse(job))
}

// GetJobEvents returns a job's progress log.
func (h *StatusHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if _, err := h.reader.GetJob(r.Context(), jobID); errors.Is(err, domain.ErrJobNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "not_found")
		return
	} else if err != nil {
		slog.ErrorContext(r.Context(), "failed to read job", "job_id", jobID, "error", err)
		writeError(r.Context(), w, http.StatusInternalServerError, "internal_error")
		return
	}

	events, err := h.reader.ListEvents(r.Context(), jobID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list job events", "job_id", jobID, "error", err)
		writeError(r.Context(), w, http.StatusInternalServerError, "internal_error")
		return
	}

	type eventResponse struct {
		Sequence  int            `json:"sequence"`
		EventType string         `json:"event_type"`
		Message   string         `json:"message,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			Sequence:  e.Sequence,
			EventType: e.EventType,
			Message:   e.Message,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{"job_id": jobID, "events": out})
}

// GetWorker returns one worker registration row.
func (h *StatusHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	worker, err := h.reader.GetWorker(r.Context(), workerID)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to read worker", "worker_id", workerID, "error", err)
		writeError(r.Context(), w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"worker_id":      worker.ID,
		"status":         worker.Status,
		"current_job_id": worker.CurrentJobID,
		"registered_at":  worker.RegisteredAt,
		"last_heartbeat": worker.LastHeartbeat,
		"ec2_ip":         worker.EC2IP,
		"metadata":       worker.Metadata,
	})
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		JobID:           job.ID,
		JobType:         job.JobType,
		Status:          string(job.Status),
		UserID:          job.UserID,
		TargetURL:       job.TargetURL,
		ExternalTaskID:  job.ExternalTaskID,
		WorkerID:        job.WorkerID,
		RetryCount:      job.RetryCount,
		Priority:        job.Priority,
		StatusMessage:   job.StatusMessage,
		InteractionType: job.InteractionType,
		InteractionData: job.InteractionData,
		ResultSummary:   job.ResultSummary,
		ResultData:      job.ResultData,
		ErrorCode:       job.ErrorCode,
		ErrorDetails:    job.ErrorDetails,
		ScreenshotURLs:  job.ScreenshotURLs,
		ExecutionMode:   job.ExecutionMode,
		FinalMode:       job.FinalMode,
		Manual:          manualBlock(job),
		Cost: costResponse{
			TotalCostUSD: float64(job.LLMCostCents) / 100,
			ActionCount:  job.ActionCount,
			TotalTokens:  job.TotalTokens,
		},
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		PausedAt:    job.PausedAt,
		CompletedAt: job.CompletedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

// manualBlock extracts the experiment and handler provenance operators
// inspect, submitted by the orchestrator under input_data.manual.
func manualBlock(job *domain.Job) map[string]any {
	raw, ok := job.InputData["manual"]
	if !ok {
		return nil
	}
	block, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return block
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code string) {
	writeJSON(ctx, w, status, map[string]string{"error": code})
}
