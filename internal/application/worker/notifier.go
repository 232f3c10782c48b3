package worker

import (
	"context"

	"github.com/valethq/pilot/internal/domain"
)

// Notification is one lifecycle transition to report to the job's
// orchestrator. Status is one of: running, needs_human, resumed,
// completed, failed.
type Notification struct {
	Job          *domain.Job
	Status       string
	Blocker      *domain.Blocker
	ErrorCode    string
	ErrorMessage string
	Cost         *domain.CostDelta
}

// Notifier delivers lifecycle notifications. Delivery failures never change
// job state; the database row is the canonical record. Implemented by the
// callback dispatcher; NopNotifier serves jobs without a callback URL and
// tests.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier drops all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}
