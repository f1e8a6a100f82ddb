package domain

import "time"

// GenerationKind enumerates supported try-on categories.
type GenerationKind string

const (
	GenerationKindNails  GenerationKind = "nails"
	GenerationKindHair   GenerationKind = "hair"
	GenerationKindMakeup GenerationKind = "makeup"
	GenerationKindTryOn  GenerationKind = "tryon"
)

// GenerationStatus enumerates the lifecycle states of a generation.
type GenerationStatus string

const (
	GenerationStatusPending    GenerationStatus = "pending"
	GenerationStatusProcessing GenerationStatus = "processing"
	GenerationStatusSucceeded  GenerationStatus = "succeeded"
	GenerationStatusFailed     GenerationStatus = "failed"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// immutable: once a generation reaches one, no writer may change it again.
func (s GenerationStatus) IsTerminal() bool {
	return s == GenerationStatusSucceeded || s == GenerationStatusFailed
}

// Generation encapsulates one request to the external inference provider.
type Generation struct {
	ID            string
	UserID        string
	Kind          GenerationKind
	ProviderJobID string
	Status        GenerationStatus
	Prompt        string
	ModelType     string
	Quality       string
	Width         int
	Height        int
	Seed          *int64
	ResultURL     string
	FailureReason string
	FailureCode   string
	EstimatedCost float64
	ActualCost    float64
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TerminalPatch carries the fields written by a terminal transition. The
// repository applies it only when the persisted status still matches the
// expected prior value.
type TerminalPatch struct {
	Status        GenerationStatus
	ResultURL     string
	FailureReason string
	FailureCode   string
	ActualCost    float64
	CompletedAt   time.Time
}
