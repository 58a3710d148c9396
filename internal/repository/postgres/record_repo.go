package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// RecordRepo implements RecordRepository and WindowReader using PostgreSQL.
type RecordRepo struct{ db *DB }

// NewRecordRepo constructs a record repository.
func NewRecordRepo(db *DB) *RecordRepo { return &RecordRepo{db: db} }

const recordCols = `id, user_id, kind, occurred_at, created_at, updated_at, description, image_ref,
weight_kg, title, state, attempt, failure_reason, deleted`

func scanRecord(row pgx.Row) (model.RawRecord, error) {
	var (
		rec   model.RawRecord
		kind  string
		state string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &kind, &rec.OccurredAt, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.Description, &rec.ImageRef, &rec.WeightKg, &rec.Title, &state, &rec.Attempt,
		&rec.FailureReason, &rec.Deleted)
	rec.Kind = model.RecordKind(kind)
	rec.State = model.EnrichmentState(state)
	return rec, err
}

// Create inserts a new record.
func (r *RecordRepo) Create(ctx context.Context, rec *model.RawRecord) error {
	const q = `
INSERT INTO records (id, user_id, kind, occurred_at, created_at, updated_at, description, image_ref,
  weight_kg, state, attempt)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.db.Pool.Exec(ctx, q, rec.ID, rec.UserID, string(rec.Kind), rec.OccurredAt,
		rec.CreatedAt, rec.UpdatedAt, rec.Description, rec.ImageRef, rec.WeightKg,
		string(rec.State), rec.Attempt)
	if isUniqueViolation(err) {
		return fmt.Errorf("record %s: %w", rec.ID, errs.ErrConflict)
	}
	return err
}

// Get returns a live record with its active snapshot and items.
func (r *RecordRepo) Get(ctx context.Context, userID, id uuid.UUID) (*model.RecordView, error) {
	q := `SELECT ` + recordCols + ` FROM records WHERE user_id=$1 AND id=$2 AND NOT deleted`
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx, q, userID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	active, err := loadActiveSnapshots(ctx, r.db.Pool, []uuid.UUID{rec.ID}, true)
	if err != nil {
		return nil, err
	}
	v := model.NewRecordView(rec, active[rec.ID])
	return &v, nil
}

// Update applies a user edit. Moving occurred_at drops the user's cached report in the same
// transaction, since the old window no longer sees the record's mutation.
func (r *RecordRepo) Update(
	ctx context.Context, userID, id uuid.UUID, upd model.RecordUpdate,
) (rec *model.RawRecord, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT occurred_at FROM records WHERE user_id=$1 AND id=$2 AND NOT deleted FOR UPDATE`
		var prev time.Time
		if err := tx.QueryRow(ctx, sel, userID, id).Scan(&prev); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		upq := `
UPDATE records SET
  occurred_at=COALESCE($3, occurred_at),
  description=COALESCE($4, description),
  image_ref=COALESCE($5, image_ref),
  weight_kg=COALESCE($6, weight_kg),
  updated_at=$7
WHERE user_id=$1 AND id=$2
RETURNING ` + recordCols
		out, err := scanRecord(tx.QueryRow(ctx, upq, userID, id,
			upd.OccurredAt, upd.Description, upd.ImageRef, upd.WeightKg, r.db.now()))
		if err != nil {
			return err
		}
		if upd.OccurredAt != nil && !upd.OccurredAt.Equal(prev) {
			const del = `DELETE FROM cached_reports WHERE user_id=$1`
			if _, err := tx.Exec(ctx, del, userID); err != nil {
				return err
			}
		}
		rec = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete tombstones a record.
func (r *RecordRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	const q = `UPDATE records SET deleted=true, updated_at=$3 WHERE user_id=$1 AND id=$2 AND NOT deleted`
	tag, err := r.db.Pool.Exec(ctx, q, userID, id, r.db.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Reopen moves a terminal meal back to pending for a user-initiated retry.
func (r *RecordRepo) Reopen(ctx context.Context, userID, id uuid.UUID) (task model.EnrichmentTask, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT kind, state, attempt FROM records WHERE user_id=$1 AND id=$2 AND NOT deleted FOR UPDATE`
		var (
			kind, state string
			attempt     int64
		)
		if err := tx.QueryRow(ctx, sel, userID, id).Scan(&kind, &state, &attempt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if model.RecordKind(kind) != model.KindMeal {
			return fmt.Errorf("only meals are enriched: %w", errs.ErrConflict)
		}
		if model.EnrichmentState(state) == model.StatePending {
			return fmt.Errorf("enrichment still running: %w", errs.ErrConflict)
		}
		const upd = `
UPDATE records SET state='pending_enrichment', attempt=$3, failure_reason='', updated_at=$4
WHERE user_id=$1 AND id=$2`
		if _, err := tx.Exec(ctx, upd, userID, id, attempt+1, r.db.now()); err != nil {
			return err
		}
		task = model.EnrichmentTask{RecordID: id, UserID: userID, Attempt: attempt + 1}
		return nil
	})
	return task, err
}

// ListStalePending returns pending tasks whose record has not changed since before.
func (r *RecordRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.EnrichmentTask, error) {
	const q = `
SELECT id, user_id, attempt FROM records
WHERE state='pending_enrichment' AND NOT deleted AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EnrichmentTask
	for rows.Next() {
		var t model.EnrichmentTask
		if err := rows.Scan(&t.RecordID, &t.UserID, &t.Attempt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Export returns all records (tombstones included) and all snapshots of a user.
func (r *RecordRepo) Export(ctx context.Context, userID uuid.UUID) (*model.Export, error) {
	q := `SELECT ` + recordCols + ` FROM records WHERE user_id=$1 ORDER BY occurred_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	const sq = `
SELECT s.id, s.record_id, s.calories, s.protein, s.carbs, s.fat, s.fiber, s.sugar, s.sodium,
  s.confidence, s.quality_score, s.notes, s.source, s.is_active, s.created_at
FROM snapshots s JOIN records r ON r.id = s.record_id
WHERE r.user_id=$1
ORDER BY s.created_at ASC`
	srows, err := r.db.Pool.Query(ctx, sq, userID)
	if err != nil {
		return nil, err
	}
	snaps, err := collectSnapshots(srows)
	if err != nil {
		return nil, err
	}
	if err := attachItems(ctx, r.db.Pool, snaps); err != nil {
		return nil, err
	}
	return &model.Export{UserID: userID, ExportedAt: r.db.now(), Records: recs, Snapshots: snaps}, nil
}

// ListInWindow returns live records in [start, end) with active snapshots (items omitted).
func (r *RecordRepo) ListInWindow(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]model.RecordView, error) {
	q := `SELECT ` + recordCols + ` FROM records
WHERE user_id=$1 AND NOT deleted AND occurred_at >= $2 AND occurred_at < $3
ORDER BY occurred_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID, start, end)
	if err != nil {
		return nil, err
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	var mealIDs []uuid.UUID
	for _, rec := range recs {
		if rec.Kind == model.KindMeal {
			mealIDs = append(mealIDs, rec.ID)
		}
	}
	active, err := loadActiveSnapshots(ctx, r.db.Pool, mealIDs, false)
	if err != nil {
		return nil, err
	}
	out := make([]model.RecordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, model.NewRecordView(rec, active[rec.ID]))
	}
	return out, nil
}

// LatestWeightBefore returns the newest live weight entry strictly before t, or nil.
func (r *RecordRepo) LatestWeightBefore(ctx context.Context, userID uuid.UUID, t time.Time) (*model.RawRecord, error) {
	q := `SELECT ` + recordCols + ` FROM records
WHERE user_id=$1 AND kind='weight' AND NOT deleted AND occurred_at < $2
ORDER BY occurred_at DESC
LIMIT 1`
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx, q, userID, t))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// EnrichedTimes returns occurred_at of live enriched records at or after since.
func (r *RecordRepo) EnrichedTimes(ctx context.Context, userID uuid.UUID, since time.Time) ([]time.Time, error) {
	const q = `
SELECT occurred_at FROM records
WHERE user_id=$1 AND state='enriched' AND NOT deleted AND occurred_at >= $2`
	rows, err := r.db.Pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// WindowState counts live records and finds the latest mutation, tombstones included.
func (r *RecordRepo) WindowState(ctx context.Context, userID uuid.UUID, start, end time.Time) (model.WindowState, error) {
	const q = `
SELECT count(*) FILTER (WHERE NOT deleted), COALESCE(max(updated_at), 'epoch'::timestamptz)
FROM records
WHERE user_id=$1 AND occurred_at >= $2 AND occurred_at < $3`
	var (
		live   int64
		latest time.Time
	)
	if err := r.db.Pool.QueryRow(ctx, q, userID, start, end).Scan(&live, &latest); err != nil {
		return model.WindowState{}, err
	}
	return model.WindowState{LiveRecords: int(live), LatestMutation: latest}, nil
}

func collectRecords(rows pgx.Rows) ([]model.RawRecord, error) {
	defer rows.Close()
	var out []model.RawRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
