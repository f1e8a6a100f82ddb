package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"tryon/internal/domain"
)

// UsageRepositoryPG implements domain.UsageRepository on a per-day counter row.
type UsageRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewUsageRepository creates a new usage repository backed by PostgreSQL.
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepositoryPG {
	return &UsageRepositoryPG{pool: pool}
}

// CheckAndIncrement bumps today's usage counter for the user in a single
// statement. The increment only lands while the counter is below the limit, so
// concurrent submissions cannot overshoot the quota.
func (r *UsageRepositoryPG) CheckAndIncrement(ctx context.Context, userID string, limit int) (int, error) {
	if limit <= 0 {
		return 0, domain.ErrQuotaExceeded
	}
	query := `
INSERT INTO daily_usage (user_id, day, used)
VALUES ($1, CURRENT_DATE, 1)
ON CONFLICT (user_id, day)
DO UPDATE SET used = daily_usage.used + 1
WHERE daily_usage.used < $2
RETURNING $2 - used;
`
	var remaining int
	if err := r.pool.QueryRow(ctx, query, userID, limit).Scan(&remaining); err != nil {
		if isNoRows(err) {
			return 0, domain.ErrQuotaExceeded
		}
		return 0, err
	}
	return remaining, nil
}
