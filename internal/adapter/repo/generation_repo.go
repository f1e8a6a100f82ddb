package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tryon/internal/domain"
)

// GenerationRepositoryPG implements domain.GenerationRepository.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a new generation repository backed by PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

const generationColumns = `id, user_id, kind, provider_job_id, status, prompt, model_type, quality,
width, height, seed, result_url, failure_reason, failure_code, estimated_cost, actual_cost,
created_at, started_at, completed_at`

// Create inserts a new generation record.
func (r *GenerationRepositoryPG) Create(ctx context.Context, gen *domain.Generation) error {
	query := `
INSERT INTO generations (id, user_id, kind, provider_job_id, status, prompt, model_type, quality,
	width, height, seed, result_url, failure_reason, failure_code, estimated_cost, actual_cost,
	started_at, completed_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), $15, $16, $17, $18);
`
	_, err := r.pool.Exec(ctx, query,
		gen.ID,
		gen.UserID,
		gen.Kind,
		gen.ProviderJobID,
		gen.Status,
		gen.Prompt,
		gen.ModelType,
		gen.Quality,
		gen.Width,
		gen.Height,
		gen.Seed,
		gen.ResultURL,
		gen.FailureReason,
		gen.FailureCode,
		gen.EstimatedCost,
		gen.ActualCost,
		gen.StartedAt,
		gen.CompletedAt,
	)
	return err
}

// GetByID fetches a generation by its identifier.
func (r *GenerationRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByProviderJobID fetches a generation by the provider-assigned correlation id.
func (r *GenerationRepositoryPG) GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE provider_job_id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, providerJobID))
}

// ListByUser returns the most recent generations for a user.
func (r *GenerationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *gen)
	}
	return out, rows.Err()
}

// ListUnfinished returns non-terminal generations that have been handed to the
// provider, oldest first. The worker sweeps these to reconcile jobs whose
// webhook never arrived.
func (r *GenerationRepositoryPG) ListUnfinished(ctx context.Context, limit int) ([]domain.Generation, error) {
	query := `SELECT ` + generationColumns + `
FROM generations
WHERE status IN ('pending', 'processing') AND provider_job_id IS NOT NULL
ORDER BY created_at ASC
LIMIT $1;`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *gen)
	}
	return out, rows.Err()
}

// SetProviderJobID records the correlation id assigned by the provider on acceptance.
func (r *GenerationRepositoryPG) SetProviderJobID(ctx context.Context, id, providerJobID string) error {
	query := `UPDATE generations SET provider_job_id = $2 WHERE id = $1;`
	tag, err := r.pool.Exec(ctx, query, id, providerJobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateSoft applies non-terminal field updates. The status guard keeps a
// late soft write from reverting a record another writer already finalized:
// repeated non-terminal writes stay idempotent, but a terminal status never
// changes again. Zero rows means the record is gone or already terminal,
// reported as ErrConflict for the caller to resolve with a re-read.
// started_at is only ever set once.
func (r *GenerationRepositoryPG) UpdateSoft(ctx context.Context, id string, patch domain.SoftPatch) error {
	query := `
UPDATE generations
SET status = $2,
    started_at = COALESCE(started_at, $3)
WHERE id = $1 AND status IN ('pending', 'processing');
`
	tag, err := r.pool.Exec(ctx, query, id, patch.Status, patch.StartedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// UpdateStatusIf performs the conditional terminal write: the patch lands only
// if the persisted status still equals expected. A zero row count means another
// writer changed the status between the caller's read and this write, reported
// as domain.ErrConflict with the row untouched.
func (r *GenerationRepositoryPG) UpdateStatusIf(ctx context.Context, id string, expected domain.GenerationStatus, patch domain.TerminalPatch) error {
	query := `
UPDATE generations
SET status = $3,
    result_url = NULLIF($4, ''),
    failure_reason = NULLIF($5, ''),
    failure_code = NULLIF($6, ''),
    actual_cost = $7,
    completed_at = $8
WHERE id = $1 AND status = $2;
`
	tag, err := r.pool.Exec(ctx, query,
		id,
		expected,
		patch.Status,
		patch.ResultURL,
		patch.FailureReason,
		patch.FailureCode,
		patch.ActualCost,
		patch.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GenerationRepositoryPG) scanOne(row pgx.Row) (*domain.Generation, error) {
	gen, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return gen, nil
}

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var gen domain.Generation
	var providerJobID, resultURL, failureReason, failureCode *string
	if err := row.Scan(
		&gen.ID,
		&gen.UserID,
		&gen.Kind,
		&providerJobID,
		&gen.Status,
		&gen.Prompt,
		&gen.ModelType,
		&gen.Quality,
		&gen.Width,
		&gen.Height,
		&gen.Seed,
		&resultURL,
		&failureReason,
		&failureCode,
		&gen.EstimatedCost,
		&gen.ActualCost,
		&gen.CreatedAt,
		&gen.StartedAt,
		&gen.CompletedAt,
	); err != nil {
		return nil, err
	}
	gen.ProviderJobID = deref(providerJobID)
	gen.ResultURL = deref(resultURL)
	gen.FailureReason = deref(failureReason)
	gen.FailureCode = deref(failureCode)
	return &gen, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
