package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tryon/internal/domain"
)

// QueueRepositoryPG implements domain.QueueRepository.
type QueueRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewQueueRepository creates a new queue repository backed by PostgreSQL.
func NewQueueRepository(pool *pgxpool.Pool) *QueueRepositoryPG {
	return &QueueRepositoryPG{pool: pool}
}

// Enqueue inserts a pending queue item for a generation.
func (r *QueueRepositoryPG) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	query := `
INSERT INTO generation_queue (generation_id, status, retry_count, max_retries)
VALUES ($1, $2, $3, $4);
`
	_, err := r.pool.Exec(ctx, query, item.GenerationID, domain.QueueStatusPending, item.RetryCount, maxRetries)
	return err
}

// Claim atomically takes the oldest pending item and marks it running.
// Concurrent workers skip rows already locked by another claimer.
func (r *QueueRepositoryPG) Claim(ctx context.Context) (*domain.QueueItem, error) {
	query := `
WITH next_item AS (
    SELECT generation_id
    FROM generation_queue
    WHERE status = 'pending'
    ORDER BY created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
),
claimed AS (
    UPDATE generation_queue
    SET status = 'running'
    WHERE generation_id IN (SELECT generation_id FROM next_item)
    RETURNING generation_id, status, retry_count, max_retries, created_at, completed_at
)
SELECT * FROM claimed;
`
	item, err := scanQueueItem(r.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// MarkCompleted records successful completion of the generation's dispatch.
func (r *QueueRepositoryPG) MarkCompleted(ctx context.Context, generationID string) error {
	query := `
UPDATE generation_queue
SET status = 'completed', completed_at = NOW()
WHERE generation_id = $1;
`
	_, err := r.pool.Exec(ctx, query, generationID)
	return err
}

// MarkFailed records failed completion of the generation's dispatch.
func (r *QueueRepositoryPG) MarkFailed(ctx context.Context, generationID string) error {
	query := `
UPDATE generation_queue
SET status = 'failed', completed_at = NOW()
WHERE generation_id = $1;
`
	_, err := r.pool.Exec(ctx, query, generationID)
	return err
}

// GetByGenerationID fetches the queue item for a generation.
func (r *QueueRepositoryPG) GetByGenerationID(ctx context.Context, generationID string) (*domain.QueueItem, error) {
	query := `
SELECT generation_id, status, retry_count, max_retries, created_at, completed_at
FROM generation_queue
WHERE generation_id = $1;
`
	item, err := scanQueueItem(r.pool.QueryRow(ctx, query, generationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// ResetForRetry returns a failed item to pending with an incremented retry
// count, but only while the retry budget lasts.
func (r *QueueRepositoryPG) ResetForRetry(ctx context.Context, generationID string) error {
	query := `
UPDATE generation_queue
SET status = 'pending', retry_count = retry_count + 1, completed_at = NULL
WHERE generation_id = $1 AND retry_count < max_retries;
`
	tag, err := r.pool.Exec(ctx, query, generationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func scanQueueItem(row pgx.Row) (*domain.QueueItem, error) {
	var item domain.QueueItem
	if err := row.Scan(
		&item.GenerationID,
		&item.Status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.CreatedAt,
		&item.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &item, nil
}
