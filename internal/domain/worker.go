package domain

import "time"

// WorkerStatus is the registration state of a worker process.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// Worker is the persistent identity of a worker process. Rows are upserted
// on boot and kept forever for audit; a worker is never deleted.
type Worker struct {
	ID             string // stable identity, e.g. region + hash
	Status         WorkerStatus
	CurrentJobID   *string
	RegisteredAt   time.Time
	LastHeartbeat  time.Time
	EC2IP          string
	TargetWorkerID *string // pinning hint, preserved across re-registration
	Metadata       map[string]any
}
