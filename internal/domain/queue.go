package domain

import "time"

// QueueStatus enumerates dispatch queue states.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// QueueItem tracks dispatch bookkeeping for a generation. Retry dispatch
// itself is handled by the worker's claim loop; the reconciler only records
// the outcome and resets eligible failures back to pending.
type QueueItem struct {
	GenerationID string
	Status       QueueStatus
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// DefaultMaxRetries applies when a queue item is created without an explicit limit.
const DefaultMaxRetries = 3
