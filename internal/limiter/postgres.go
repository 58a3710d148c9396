package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter shared by all instances.
type PG struct {
	pool   pgxQuerier
	window time.Duration
	quota  int
	now    func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q pgxQuerier, window time.Duration, quota int) *PG {
	return &PG{pool: q, window: window, quota: quota, now: time.Now}
}

// Allow increments the user's counter for the current window and checks it
// against the quota. A denied attempt does not consume quota.
func (l *PG) Allow(ctx context.Context, userID uuid.UUID) (bool, time.Duration, error) {
	now := l.now()
	start := windowStart(now, l.window)

	const q = `
INSERT INTO enrichment_limits (user_id, window_start, used)
VALUES ($1, $2, 1)
ON CONFLICT (user_id) DO UPDATE
SET
  used = CASE WHEN enrichment_limits.window_start < EXCLUDED.window_start THEN 1 ELSE enrichment_limits.used + 1 END,
  window_start = EXCLUDED.window_start
RETURNING used`
	var used int
	if err := l.pool.QueryRow(ctx, q, userID, start).Scan(&used); err != nil {
		return false, 0, err
	}
	if used <= l.quota {
		return true, 0, nil
	}

	const undo = `UPDATE enrichment_limits SET used = used - 1 WHERE user_id=$1 AND window_start=$2 AND used > 0`
	if _, err := l.pool.Exec(ctx, undo, userID, start); err != nil {
		return false, 0, err
	}
	return false, start.Add(l.window).Sub(now), nil
}
