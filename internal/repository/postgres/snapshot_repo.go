package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// SnapshotRepo implements EnrichmentRepository using PostgreSQL.
type SnapshotRepo struct{ db *DB }

// NewSnapshotRepo constructs a snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo { return &SnapshotRepo{db: db} }

const snapshotCols = `id, record_id, calories, protein, carbs, fat, fiber, sugar, sodium,
confidence, quality_score, notes, source, is_active, created_at`

// Complete writes a model snapshot and flips the record to enriched as one transaction.
// The record row lock serializes activation per record.
func (r *SnapshotRepo) Complete(ctx context.Context, task model.EnrichmentTask, res model.EnrichmentResult) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockPending(ctx, tx, task); err != nil {
			return err
		}
		now := r.db.now()
		snap := res.Snapshot
		snap.RecordID = task.RecordID
		snap.Source = model.SourceModel
		snap.CreatedAt = now
		if err := activate(ctx, tx, &snap); err != nil {
			return err
		}
		const upd = `
UPDATE records SET state='enriched', title=$2, failure_reason='', updated_at=$3
WHERE id=$1`
		_, err := tx.Exec(ctx, upd, task.RecordID, res.Title, now)
		return err
	})
}

// Fail marks a pending record as enrichment_failed if the task still matches it.
func (r *SnapshotRepo) Fail(ctx context.Context, task model.EnrichmentTask, reason string) error {
	const q = `
UPDATE records SET state='enrichment_failed', failure_reason=$4, updated_at=$5
WHERE id=$1 AND user_id=$2 AND attempt=$3 AND state='pending_enrichment' AND NOT deleted`
	tag, err := r.db.Pool.Exec(ctx, q, task.RecordID, task.UserID, task.Attempt, reason, r.db.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrStaleTask
	}
	return nil
}

// Override inserts a user snapshot that supersedes the active one.
func (r *SnapshotRepo) Override(
	ctx context.Context, userID, recordID uuid.UUID, n model.Nutrients,
) (snap *model.Snapshot, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT kind, state FROM records WHERE user_id=$1 AND id=$2 AND NOT deleted FOR UPDATE`
		var kind, state string
		if err := tx.QueryRow(ctx, sel, userID, recordID).Scan(&kind, &state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if model.RecordKind(kind) != model.KindMeal {
			return fmt.Errorf("only meals carry nutrition: %w", errs.ErrConflict)
		}
		if model.EnrichmentState(state) == model.StatePending {
			return fmt.Errorf("enrichment still running: %w", errs.ErrConflict)
		}
		now := r.db.now()
		s := model.Snapshot{
			RecordID:   recordID,
			Nutrients:  n,
			Confidence: 1,
			Notes:      "edited by user",
			Source:     model.SourceUser,
			CreatedAt:  now,
		}
		if err := activate(ctx, tx, &s); err != nil {
			return err
		}
		const upd = `UPDATE records SET updated_at=$2 WHERE id=$1`
		if _, err := tx.Exec(ctx, upd, recordID, now); err != nil {
			return err
		}
		snap = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// History lists all snapshots of a user's record, newest first.
func (r *SnapshotRepo) History(ctx context.Context, userID, recordID uuid.UUID) ([]model.Snapshot, error) {
	const own = `SELECT true FROM records WHERE user_id=$1 AND id=$2`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, own, userID, recordID).Scan(&ok); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	q := `SELECT ` + snapshotCols + ` FROM snapshots WHERE record_id=$1 ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, recordID)
	if err != nil {
		return nil, err
	}
	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if err := attachItems(ctx, r.db.Pool, snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// lockPending locks the record row and verifies the task still owns it.
func lockPending(ctx context.Context, tx pgx.Tx, task model.EnrichmentTask) error {
	const sel = `SELECT state, attempt FROM records WHERE id=$1 AND user_id=$2 AND NOT deleted FOR UPDATE`
	var (
		state   string
		attempt int64
	)
	if err := tx.QueryRow(ctx, sel, task.RecordID, task.UserID).Scan(&state, &attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrStaleTask
		}
		return err
	}
	if model.EnrichmentState(state) != model.StatePending || attempt != task.Attempt {
		return errs.ErrStaleTask
	}
	return nil
}

// activate deactivates the current snapshot of s.RecordID and inserts s as the active one.
// Existing snapshots are never modified beyond the is_active flag.
func activate(ctx context.Context, tx pgx.Tx, s *model.Snapshot) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	s.ID = id
	s.IsActive = true

	const deact = `UPDATE snapshots SET is_active=false WHERE record_id=$1 AND is_active`
	if _, err := tx.Exec(ctx, deact, s.RecordID); err != nil {
		return err
	}
	const ins = `
INSERT INTO snapshots (id, record_id, calories, protein, carbs, fat, fiber, sugar, sodium,
  confidence, quality_score, notes, source, is_active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,true,$14)`
	n := s.Nutrients
	if _, err := tx.Exec(ctx, ins, s.ID, s.RecordID, n.Calories, n.Protein, n.Carbs, n.Fat,
		n.Fiber, n.Sugar, n.Sodium, s.Confidence, s.QualityScore, s.Notes, string(s.Source),
		s.CreatedAt); err != nil {
		return err
	}
	const item = `
INSERT INTO snapshot_items (snapshot_id, pos, name, quantity, calories, protein, carbs, fat)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	for i, it := range s.Items {
		in := it.Nutrients
		if _, err := tx.Exec(ctx, item, s.ID, i, it.Name, it.Quantity,
			in.Calories, in.Protein, in.Carbs, in.Fat); err != nil {
			return err
		}
	}
	return nil
}

// loadActiveSnapshots returns the active snapshot per record id.
func loadActiveSnapshots(
	ctx context.Context, q querier, recordIDs []uuid.UUID, withItems bool,
) (map[uuid.UUID]*model.Snapshot, error) {
	out := make(map[uuid.UUID]*model.Snapshot, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}
	sq := `SELECT ` + snapshotCols + ` FROM snapshots WHERE record_id = ANY($1) AND is_active`
	rows, err := q.Query(ctx, sq, recordIDs)
	if err != nil {
		return nil, err
	}
	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if withItems {
		if err := attachItems(ctx, q, snaps); err != nil {
			return nil, err
		}
	}
	for i := range snaps {
		out[snaps[i].RecordID] = &snaps[i]
	}
	return out, nil
}

func collectSnapshots(rows pgx.Rows) ([]model.Snapshot, error) {
	defer rows.Close()
	var out []model.Snapshot
	for rows.Next() {
		var (
			s      model.Snapshot
			source string
		)
		n := &s.Nutrients
		if err := rows.Scan(&s.ID, &s.RecordID, &n.Calories, &n.Protein, &n.Carbs, &n.Fat,
			&n.Fiber, &n.Sugar, &n.Sodium, &s.Confidence, &s.QualityScore, &s.Notes, &source,
			&s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Source = model.SnapshotSource(source)
		out = append(out, s)
	}
	return out, rows.Err()
}

// attachItems loads itemized components for the given snapshots in one query.
func attachItems(ctx context.Context, q querier, snaps []model.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(snaps))
	idx := make(map[uuid.UUID]int, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
		idx[s.ID] = i
	}
	const iq = `
SELECT snapshot_id, name, quantity, calories, protein, carbs, fat
FROM snapshot_items WHERE snapshot_id = ANY($1)
ORDER BY snapshot_id, pos`
	rows, err := q.Query(ctx, iq, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sid uuid.UUID
			it  model.SnapshotItem
		)
		n := &it.Nutrients
		if err := rows.Scan(&sid, &it.Name, &it.Quantity, &n.Calories, &n.Protein, &n.Carbs, &n.Fat); err != nil {
			return err
		}
		if i, ok := idx[sid]; ok {
			snaps[i].Items = append(snaps[i].Items, it)
		}
	}
	return rows.Err()
}
