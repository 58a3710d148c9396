// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// RecordRepository provides owner-scoped CRUD over raw records.
type RecordRepository interface {
	// Create persists a new record; ID, timestamps and attempt are filled by the caller.
	Create(ctx context.Context, rec *model.RawRecord) error
	// Get returns a live record with its active snapshot inlined.
	Get(ctx context.Context, userID, id uuid.UUID) (*model.RecordView, error)
	// Update applies a user edit and bumps updated_at.
	Update(ctx context.Context, userID, id uuid.UUID, upd model.RecordUpdate) (*model.RawRecord, error)
	// Delete tombstones a record and bumps updated_at.
	Delete(ctx context.Context, userID, id uuid.UUID) error
	// Reopen moves a terminal record back to pending with attempt+1 and returns the new task.
	Reopen(ctx context.Context, userID, id uuid.UUID) (model.EnrichmentTask, error)
	// ListStalePending returns tasks for records pending since before the given time.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.EnrichmentTask, error)
	// Export returns every record and snapshot owned by the user.
	Export(ctx context.Context, userID uuid.UUID) (*model.Export, error)
}

// WindowReader serves the read side of aggregation and the freshness check.
type WindowReader interface {
	// ListInWindow returns live records with occurred_at in [start, end), oldest first.
	ListInWindow(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]model.RecordView, error)
	// LatestWeightBefore returns the most recent live weight entry strictly before t.
	LatestWeightBefore(ctx context.Context, userID uuid.UUID, t time.Time) (*model.RawRecord, error)
	// EnrichedTimes returns occurred_at of live enriched records at or after since.
	EnrichedTimes(ctx context.Context, userID uuid.UUID, since time.Time) ([]time.Time, error)
	// WindowState reports live count and latest mutation (tombstones included) in [start, end).
	WindowState(ctx context.Context, userID uuid.UUID, start, end time.Time) (model.WindowState, error)
}

// EnrichmentRepository applies pipeline and user-override writes to snapshots.
type EnrichmentRepository interface {
	// Complete atomically deactivates the previous snapshot, inserts the new one with its
	// items and marks the record enriched. Returns errs.ErrStaleTask if the task no longer
	// matches a pending record.
	Complete(ctx context.Context, task model.EnrichmentTask, res model.EnrichmentResult) error
	// Fail marks the record enrichment_failed. Returns errs.ErrStaleTask on mismatch.
	Fail(ctx context.Context, task model.EnrichmentTask, reason string) error
	// Override inserts a user-sourced snapshot superseding the active one.
	Override(ctx context.Context, userID, recordID uuid.UUID, n model.Nutrients) (*model.Snapshot, error)
	// History lists all snapshots of a record, newest first.
	History(ctx context.Context, userID, recordID uuid.UUID) ([]model.Snapshot, error)
}

// ReportRepository keeps at most one cached report per user.
type ReportRepository interface {
	// GetCached returns the user's cached report or errs.ErrNotFound.
	GetCached(ctx context.Context, userID uuid.UUID) (*model.CachedReport, error)
	// Replace deletes any cached report of the user and inserts rep, atomically.
	Replace(ctx context.Context, rep model.CachedReport) error
}

// GoalRepository stores the weight goal used for trajectory projection.
type GoalRepository interface {
	// GetGoal returns the user's goal or errs.ErrNotFound.
	GetGoal(ctx context.Context, userID uuid.UUID) (*model.Goal, error)
	// UpsertGoal creates or replaces the user's goal.
	UpsertGoal(ctx context.Context, g model.Goal) error
}
