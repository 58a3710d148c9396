package postgres

import (
	"context"
	"errors"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ReportRepo implements ReportRepository and GoalRepository using PostgreSQL.
type ReportRepo struct{ db *DB }

// NewReportRepo constructs a report repository.
func NewReportRepo(db *DB) *ReportRepo { return &ReportRepo{db: db} }

// GetCached returns the single cached report of a user.
func (r *ReportRepo) GetCached(ctx context.Context, userID uuid.UUID) (*model.CachedReport, error) {
	const q = `
SELECT user_id, window_start, window_end, created_at, payload
FROM cached_reports WHERE user_id=$1`
	var c model.CachedReport
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&c.UserID, &c.WindowStart, &c.WindowEnd, &c.CreatedAt, &c.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Replace deletes the user's cached report and inserts rep in one transaction.
// A per-user advisory lock keeps concurrent replacements from interleaving.
func (r *ReportRepo) Replace(ctx context.Context, rep model.CachedReport) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const lock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
		if _, err := tx.Exec(ctx, lock, rep.UserID.String()); err != nil {
			return err
		}
		const del = `DELETE FROM cached_reports WHERE user_id=$1`
		if _, err := tx.Exec(ctx, del, rep.UserID); err != nil {
			return err
		}
		const ins = `
INSERT INTO cached_reports (user_id, window_start, window_end, created_at, payload)
VALUES ($1,$2,$3,$4,$5)`
		_, err := tx.Exec(ctx, ins, rep.UserID, rep.WindowStart, rep.WindowEnd, rep.CreatedAt, rep.Payload)
		return err
	})
}

// GetGoal returns the user's weight goal.
func (r *ReportRepo) GetGoal(ctx context.Context, userID uuid.UUID) (*model.Goal, error) {
	const q = `
SELECT user_id, start_weight_kg, target_weight_kg, weekly_pace_kg, updated_at
FROM goals WHERE user_id=$1`
	var g model.Goal
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&g.UserID, &g.StartWeightKg, &g.TargetWeightKg, &g.WeeklyPaceKg, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// UpsertGoal creates or replaces the user's weight goal and drops the cached
// report, whose trajectory was computed against the previous goal.
func (r *ReportRepo) UpsertGoal(ctx context.Context, g model.Goal) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const lock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
		if _, err := tx.Exec(ctx, lock, g.UserID.String()); err != nil {
			return err
		}
		const q = `
INSERT INTO goals (user_id, start_weight_kg, target_weight_kg, weekly_pace_kg, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (user_id) DO UPDATE
SET start_weight_kg=EXCLUDED.start_weight_kg,
    target_weight_kg=EXCLUDED.target_weight_kg,
    weekly_pace_kg=EXCLUDED.weekly_pace_kg,
    updated_at=EXCLUDED.updated_at`
		if _, err := tx.Exec(ctx, q, g.UserID, g.StartWeightKg, g.TargetWeightKg, g.WeeklyPaceKg, r.db.now()); err != nil {
			return err
		}
		const del = `DELETE FROM cached_reports WHERE user_id=$1`
		_, err := tx.Exec(ctx, del, g.UserID)
		return err
	})
}
