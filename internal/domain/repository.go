package domain

import (
	"context"
	"time"
)

// SoftPatch carries non-terminal field updates. These writes are idempotent
// and order-insensitive among themselves; the repository only applies them
// while the record is still non-terminal and reports ErrConflict otherwise.
type SoftPatch struct {
	Status    GenerationStatus
	StartedAt *time.Time
}

// GenerationRepository defines persistence for generations.
//
// UpdateStatusIf is the compare-and-swap primitive the reconciliation
// protocol is built on: the patch is applied only if the persisted status
// still equals expected at write time. It returns ErrConflict when another
// writer got there first, without mutating the row.
type GenerationRepository interface {
	Create(ctx context.Context, gen *Generation) error
	GetByID(ctx context.Context, id string) (*Generation, error)
	GetByProviderJobID(ctx context.Context, providerJobID string) (*Generation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Generation, error)
	SetProviderJobID(ctx context.Context, id, providerJobID string) error
	ListUnfinished(ctx context.Context, limit int) ([]Generation, error)
	UpdateSoft(ctx context.Context, id string, patch SoftPatch) error
	UpdateStatusIf(ctx context.Context, id string, expected GenerationStatus, patch TerminalPatch) error
}

// QueueRepository defines persistence for dispatch queue items.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *QueueItem) error
	Claim(ctx context.Context) (*QueueItem, error)
	MarkCompleted(ctx context.Context, generationID string) error
	MarkFailed(ctx context.Context, generationID string) error
	GetByGenerationID(ctx context.Context, generationID string) (*QueueItem, error)
	ResetForRetry(ctx context.Context, generationID string) error
}

// UsageRepository tracks per-user daily quota consumption.
type UsageRepository interface {
	CheckAndIncrement(ctx context.Context, userID string, limit int) (remaining int, err error)
}
