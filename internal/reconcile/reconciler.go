package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tryon/internal/domain"
	"tryon/internal/infra"
)

// Outcome classifies what a reconciliation attempt did to the record.
type Outcome string

const (
	// OutcomeObserved means a non-terminal observation was absorbed; the
	// record is still in flight.
	OutcomeObserved Outcome = "observed"
	// OutcomeFinalized means this call performed the terminal transition.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeAlreadyFinalized means another writer won the race; the record
	// returned is the authoritative result. This is not an error.
	OutcomeAlreadyFinalized Outcome = "already_finalized"
)

// Result pairs an outcome with the record snapshot it describes.
type Result struct {
	Outcome    Outcome
	Generation *domain.Generation
}

// StatusSource is the polling view of the external provider.
type StatusSource interface {
	Observe(ctx context.Context, providerJobID string) (domain.Observation, error)
}

// ResultSink receives successfully finalized generations, e.g. for cache
// population. Invoked at most once per generation.
type ResultSink interface {
	StoreResult(ctx context.Context, gen *domain.Generation)
}

// Reconciler merges provider status observations into generation records.
//
// The polling path and the webhook path are independent writers racing to
// transition the same record to a terminal state. There is no lock; the
// record's own status column arbitrates through the repository's conditional
// update. Whichever terminal write lands first wins, the loser observes the
// conflict and backs off. Side effects (cache, queue propagation) run only on
// the winning call, so they fire at most once per generation.
type Reconciler struct {
	gens     domain.GenerationRepository
	queue    domain.QueueRepository
	sink     ResultSink
	provider StatusSource
	logger   infra.Logger

	// costFn converts a provider predict-time metric into the realized cost.
	// When nil the estimated cost is carried over.
	costFn func(modelType string, predictTime float64) float64
	now    func() time.Time
}

// Option configures optional reconciler collaborators.
type Option func(*Reconciler)

// WithQueue enables queue-item propagation on terminal transitions.
func WithQueue(queue domain.QueueRepository) Option {
	return func(r *Reconciler) { r.queue = queue }
}

// WithResultSink enables result publication on successful finalization.
func WithResultSink(sink ResultSink) Option {
	return func(r *Reconciler) { r.sink = sink }
}

// WithCostFn sets the predict-time to cost conversion.
func WithCostFn(fn func(modelType string, predictTime float64) float64) Option {
	return func(r *Reconciler) { r.costFn = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New constructs a Reconciler over the given record store and provider.
func New(gens domain.GenerationRepository, provider StatusSource, logger infra.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		gens:     gens,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies one status observation to the generation with the given
// id. Terminal observations go through the conditional write; losing the race
// is reported as OutcomeAlreadyFinalized, never as an error. Non-terminal
// observations are idempotent soft updates.
func (r *Reconciler) Reconcile(ctx context.Context, id string, obs domain.Observation) (*Result, error) {
	gen, err := r.gens.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// A terminal record is immutable; whatever the observation says, the
	// stored result stands.
	if gen.Status.IsTerminal() {
		return &Result{Outcome: OutcomeAlreadyFinalized, Generation: gen}, nil
	}

	if !obs.Status.IsTerminal() {
		return r.applySoft(ctx, gen, obs)
	}
	return r.finalize(ctx, gen, obs)
}

// applySoft absorbs a pending/processing report. Repeating the same
// observation is a no-op by construction: the status write is idempotent and
// started_at is only ever set once by the repository. The repository refuses
// the write once the record is terminal, so a soft update that loses the race
// against a terminal writer resolves to AlreadyFinalized instead of reverting
// the record.
func (r *Reconciler) applySoft(ctx context.Context, gen *domain.Generation, obs domain.Observation) (*Result, error) {
	status := gen.Status
	var startedAt *time.Time
	if obs.Status == domain.GenerationStatusProcessing {
		status = domain.GenerationStatusProcessing
		if gen.StartedAt == nil {
			t := r.now()
			startedAt = &t
		}
	}

	err := r.gens.UpdateSoft(ctx, gen.ID, domain.SoftPatch{Status: status, StartedAt: startedAt})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			current, rerr := r.gens.GetByID(ctx, gen.ID)
			if rerr != nil {
				return nil, rerr
			}
			return &Result{Outcome: OutcomeAlreadyFinalized, Generation: current}, nil
		}
		return nil, fmt.Errorf("soft update: %w", err)
	}

	updated := *gen
	updated.Status = status
	if updated.StartedAt == nil {
		updated.StartedAt = startedAt
	}
	return &Result{Outcome: OutcomeObserved, Generation: &updated}, nil
}

// finalize attempts the terminal transition with a compare-and-swap on the
// status read above. A conflict means the status moved between the read and
// the write; the record is re-read, and only a terminal status there settles
// the race. A conflicting soft writer (pending to processing) just refreshes
// the expected status and the write is retried: the first terminal writer
// wins, a terminal observation is never dropped because of a soft update.
func (r *Reconciler) finalize(ctx context.Context, gen *domain.Generation, obs domain.Observation) (*Result, error) {
	patch := domain.TerminalPatch{
		Status:        obs.Status,
		ResultURL:     obs.ResultURL,
		FailureReason: obs.FailureReason,
		FailureCode:   obs.FailureCode,
		ActualCost:    gen.EstimatedCost,
		CompletedAt:   r.now(),
	}
	if r.costFn != nil && obs.PredictTime > 0 {
		patch.ActualCost = r.costFn(gen.ModelType, obs.PredictTime)
	}

	expected := gen.Status
	for {
		err := r.gens.UpdateStatusIf(ctx, gen.ID, expected, patch)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("terminal update: %w", err)
		}
		current, rerr := r.gens.GetByID(ctx, gen.ID)
		if rerr != nil {
			return nil, rerr
		}
		if current.Status.IsTerminal() {
			return &Result{Outcome: OutcomeAlreadyFinalized, Generation: current}, nil
		}
		expected = current.Status
	}

	updated := *gen
	updated.Status = patch.Status
	updated.ResultURL = patch.ResultURL
	updated.FailureReason = patch.FailureReason
	updated.FailureCode = patch.FailureCode
	updated.ActualCost = patch.ActualCost
	updated.CompletedAt = &patch.CompletedAt

	r.runSideEffects(ctx, &updated)

	return &Result{Outcome: OutcomeFinalized, Generation: &updated}, nil
}

// runSideEffects performs downstream propagation for the single winning
// terminal write. Failures here are logged and never roll back the committed
// status: the record is the source of truth, side effects are best effort.
func (r *Reconciler) runSideEffects(ctx context.Context, gen *domain.Generation) {
	switch gen.Status {
	case domain.GenerationStatusSucceeded:
		if r.sink != nil {
			r.sink.StoreResult(ctx, gen)
		}
		if r.queue != nil {
			if err := r.queue.MarkCompleted(ctx, gen.ID); err != nil {
				r.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("reconcile: queue completion update failed")
			}
		}
	case domain.GenerationStatusFailed:
		if r.queue == nil {
			return
		}
		if err := r.queue.MarkFailed(ctx, gen.ID); err != nil {
			r.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("reconcile: queue failure update failed")
			return
		}
		// Hand the item back for another dispatch attempt while the retry
		// budget lasts. ErrConflict means the budget is exhausted.
		if err := r.queue.ResetForRetry(ctx, gen.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
			r.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("reconcile: queue retry reset failed")
		}
	}
}

// Poll returns the current snapshot for a generation. Terminal records are
// returned immediately without contacting the provider. Otherwise the
// provider is queried under the caller's context deadline and the response is
// reconciled; provider errors leave the record untouched.
func (r *Reconciler) Poll(ctx context.Context, id string) (*Result, error) {
	gen, err := r.gens.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if gen.Status.IsTerminal() {
		return &Result{Outcome: OutcomeAlreadyFinalized, Generation: gen}, nil
	}
	if gen.ProviderJobID == "" {
		// Not yet submitted to the provider; nothing to ask it about.
		return &Result{Outcome: OutcomeObserved, Generation: gen}, nil
	}

	obs, err := r.provider.Observe(ctx, gen.ProviderJobID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return r.Reconcile(ctx, id, obs)
}
