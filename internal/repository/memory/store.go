// Package memory is an in-process implementation of the repository interfaces.
// It keeps the same invariants as the PostgreSQL backend (one active snapshot per
// record, conditional terminal transitions, one cached report per user) and backs
// the server's dev mode and service-level tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Store holds all data behind a single mutex.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	records   map[uuid.UUID]*model.RawRecord
	snapshots map[uuid.UUID][]*model.Snapshot // by record id, oldest first
	reports   map[uuid.UUID]model.CachedReport
	goals     map[uuid.UUID]model.Goal
}

// New creates an empty store. A nil clock means time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:       now,
		records:   make(map[uuid.UUID]*model.RawRecord),
		snapshots: make(map[uuid.UUID][]*model.Snapshot),
		reports:   make(map[uuid.UUID]model.CachedReport),
		goals:     make(map[uuid.UUID]model.Goal),
	}
}

// Create inserts a new record.
func (s *Store) Create(_ context.Context, rec *model.RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("record %s: %w", rec.ID, errs.ErrConflict)
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

// live returns the user's non-deleted record or ErrNotFound. Caller holds mu.
func (s *Store) live(userID, id uuid.UUID) (*model.RawRecord, error) {
	rec, ok := s.records[id]
	if !ok || rec.UserID != userID || rec.Deleted {
		return nil, errs.ErrNotFound
	}
	return rec, nil
}

// active returns a copy of the record's active snapshot. Caller holds mu.
func (s *Store) active(recordID uuid.UUID, withItems bool) *model.Snapshot {
	for _, sn := range s.snapshots[recordID] {
		if sn.IsActive {
			cp := *sn
			if withItems {
				cp.Items = append([]model.SnapshotItem(nil), sn.Items...)
			} else {
				cp.Items = nil
			}
			return &cp
		}
	}
	return nil
}

// Get returns a live record with its active snapshot.
func (s *Store) Get(_ context.Context, userID, id uuid.UUID) (*model.RecordView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(userID, id)
	if err != nil {
		return nil, err
	}
	v := model.NewRecordView(*rec, s.active(id, true))
	return &v, nil
}

// Update applies a user edit.
func (s *Store) Update(_ context.Context, userID, id uuid.UUID, upd model.RecordUpdate) (*model.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(userID, id)
	if err != nil {
		return nil, err
	}
	if upd.OccurredAt != nil {
		if !upd.OccurredAt.Equal(rec.OccurredAt) {
			delete(s.reports, userID)
		}
		rec.OccurredAt = *upd.OccurredAt
	}
	if upd.Description != nil {
		rec.Description = *upd.Description
	}
	if upd.ImageRef != nil {
		rec.ImageRef = *upd.ImageRef
	}
	if upd.WeightKg != nil {
		rec.WeightKg = *upd.WeightKg
	}
	rec.UpdatedAt = s.now()
	cp := *rec
	return &cp, nil
}

// Delete tombstones a record.
func (s *Store) Delete(_ context.Context, userID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(userID, id)
	if err != nil {
		return err
	}
	rec.Deleted = true
	rec.UpdatedAt = s.now()
	return nil
}

// Reopen moves a terminal meal back to pending with a new attempt number.
func (s *Store) Reopen(_ context.Context, userID, id uuid.UUID) (model.EnrichmentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(userID, id)
	if err != nil {
		return model.EnrichmentTask{}, err
	}
	if rec.Kind != model.KindMeal {
		return model.EnrichmentTask{}, fmt.Errorf("only meals are enriched: %w", errs.ErrConflict)
	}
	if rec.State == model.StatePending {
		return model.EnrichmentTask{}, fmt.Errorf("enrichment still running: %w", errs.ErrConflict)
	}
	rec.Attempt++
	rec.State = model.StatePending
	rec.FailureReason = ""
	rec.UpdatedAt = s.now()
	return model.EnrichmentTask{RecordID: id, UserID: userID, Attempt: rec.Attempt}, nil
}

// ListStalePending returns pending tasks not updated since before.
func (s *Store) ListStalePending(_ context.Context, before time.Time, limit int) ([]model.EnrichmentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []*model.RawRecord
	for _, r := range s.records {
		if r.State == model.StatePending && !r.Deleted && r.UpdatedAt.Before(before) {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.Before(recs[j].UpdatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]model.EnrichmentTask, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.EnrichmentTask{RecordID: r.ID, UserID: r.UserID, Attempt: r.Attempt})
	}
	return out, nil
}

// Export returns all records and snapshots of a user.
func (s *Store) Export(_ context.Context, userID uuid.UUID) (*model.Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &model.Export{UserID: userID, ExportedAt: s.now()}
	for _, r := range s.sortedRecords(userID, func(*model.RawRecord) bool { return true }) {
		out.Records = append(out.Records, *r)
		for _, sn := range s.snapshots[r.ID] {
			cp := *sn
			cp.Items = append([]model.SnapshotItem(nil), sn.Items...)
			out.Snapshots = append(out.Snapshots, cp)
		}
	}
	return out, nil
}

// sortedRecords returns the user's records matching keep, oldest occurrence first. Caller holds mu.
func (s *Store) sortedRecords(userID uuid.UUID, keep func(*model.RawRecord) bool) []*model.RawRecord {
	var out []*model.RawRecord
	for _, r := range s.records {
		if r.UserID == userID && keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out
}

// ListInWindow returns live records in [start, end) with active snapshots.
func (s *Store) ListInWindow(_ context.Context, userID uuid.UUID, start, end time.Time) ([]model.RecordView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.sortedRecords(userID, func(r *model.RawRecord) bool {
		return !r.Deleted && inRange(r.OccurredAt, start, end)
	})
	out := make([]model.RecordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.NewRecordView(*r, s.active(r.ID, false)))
	}
	return out, nil
}

// LatestWeightBefore returns the newest live weight entry strictly before t.
func (s *Store) LatestWeightBefore(_ context.Context, userID uuid.UUID, t time.Time) (*model.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.sortedRecords(userID, func(r *model.RawRecord) bool {
		return !r.Deleted && r.Kind == model.KindWeight && r.OccurredAt.Before(t)
	})
	if len(recs) == 0 {
		return nil, nil
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

// EnrichedTimes returns occurred_at of live enriched records at or after since.
func (s *Store) EnrichedTimes(_ context.Context, userID uuid.UUID, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for _, r := range s.records {
		if r.UserID == userID && !r.Deleted && r.State == model.StateEnriched && !r.OccurredAt.Before(since) {
			out = append(out, r.OccurredAt)
		}
	}
	return out, nil
}

// WindowState counts live records and finds the latest mutation including tombstones.
func (s *Store) WindowState(_ context.Context, userID uuid.UUID, start, end time.Time) (model.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ws model.WindowState
	for _, r := range s.records {
		if r.UserID != userID || !inRange(r.OccurredAt, start, end) {
			continue
		}
		if !r.Deleted {
			ws.LiveRecords++
		}
		if r.UpdatedAt.After(ws.LatestMutation) {
			ws.LatestMutation = r.UpdatedAt
		}
	}
	return ws, nil
}

func inRange(t, start, end time.Time) bool { return !t.Before(start) && t.Before(end) }

// Complete writes a model snapshot and marks the record enriched.
func (s *Store) Complete(_ context.Context, task model.EnrichmentTask, res model.EnrichmentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[task.RecordID]
	if !ok || rec.UserID != task.UserID || rec.Deleted ||
		rec.State != model.StatePending || rec.Attempt != task.Attempt {
		return errs.ErrStaleTask
	}
	now := s.now()
	sn := res.Snapshot
	sn.RecordID = rec.ID
	sn.Source = model.SourceModel
	sn.CreatedAt = now
	if err := s.activate(&sn); err != nil {
		return err
	}
	rec.Title = res.Title
	rec.State = model.StateEnriched
	rec.FailureReason = ""
	rec.UpdatedAt = now
	return nil
}

// Fail marks a pending record as failed if the task still matches.
func (s *Store) Fail(_ context.Context, task model.EnrichmentTask, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[task.RecordID]
	if !ok || rec.UserID != task.UserID || rec.Deleted ||
		rec.State != model.StatePending || rec.Attempt != task.Attempt {
		return errs.ErrStaleTask
	}
	rec.State = model.StateFailed
	rec.FailureReason = reason
	rec.UpdatedAt = s.now()
	return nil
}

// Override inserts a user snapshot superseding the active one.
func (s *Store) Override(_ context.Context, userID, recordID uuid.UUID, n model.Nutrients) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(userID, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != model.KindMeal {
		return nil, fmt.Errorf("only meals carry nutrition: %w", errs.ErrConflict)
	}
	if rec.State == model.StatePending {
		return nil, fmt.Errorf("enrichment still running: %w", errs.ErrConflict)
	}
	now := s.now()
	sn := model.Snapshot{
		RecordID:   recordID,
		Nutrients:  n,
		Confidence: 1,
		Notes:      "edited by user",
		Source:     model.SourceUser,
		CreatedAt:  now,
	}
	if err := s.activate(&sn); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now
	cp := sn
	return &cp, nil
}

// activate deactivates the current snapshot and appends sn as active. Caller holds mu.
func (s *Store) activate(sn *model.Snapshot) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	sn.ID = id
	sn.IsActive = true
	for _, old := range s.snapshots[sn.RecordID] {
		old.IsActive = false
	}
	stored := *sn
	stored.Items = append([]model.SnapshotItem(nil), sn.Items...)
	s.snapshots[sn.RecordID] = append(s.snapshots[sn.RecordID], &stored)
	return nil
}

// History lists all snapshots of a record, newest first.
func (s *Store) History(_ context.Context, userID, recordID uuid.UUID) ([]model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok || rec.UserID != userID {
		return nil, errs.ErrNotFound
	}
	list := s.snapshots[recordID]
	out := make([]model.Snapshot, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp := *list[i]
		cp.Items = append([]model.SnapshotItem(nil), list[i].Items...)
		out = append(out, cp)
	}
	return out, nil
}

// GetCached returns the user's cached report.
func (s *Store) GetCached(_ context.Context, userID uuid.UUID) (*model.CachedReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	rep.Payload = append([]byte(nil), rep.Payload...)
	return &rep, nil
}

// Replace swaps the user's cached report under the store lock.
func (s *Store) Replace(_ context.Context, rep model.CachedReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep.Payload = append([]byte(nil), rep.Payload...)
	s.reports[rep.UserID] = rep
	return nil
}

// GetGoal returns the user's goal.
func (s *Store) GetGoal(_ context.Context, userID uuid.UUID) (*model.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &g, nil
}

// UpsertGoal stores the user's goal and drops the cached report.
func (s *Store) UpsertGoal(_ context.Context, g model.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.UpdatedAt = s.now()
	s.goals[g.UserID] = g
	delete(s.reports, g.UserID)
	return nil
}

// ActiveCount reports how many active snapshots a record has.
func (s *Store) ActiveCount(recordID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sn := range s.snapshots[recordID] {
		if sn.IsActive {
			n++
		}
	}
	return n
}
