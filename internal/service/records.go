package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/limiter"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/repository"
)

const (
	maxDescriptionLen = 2000
	maxWeightKg       = 500
	maxWeeklyPaceKg   = 2
	// clock skew tolerated for client supplied event times
	futureSkew = 5 * time.Minute
)

// Dispatcher hands enrichment tasks to background workers without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, task model.EnrichmentTask)
}

// NewMeal is the payload of a meal submission.
type NewMeal struct {
	Description string
	ImageRef    string
	// OccurredAt defaults to the submission time.
	OccurredAt time.Time
}

// RecordService defines user operations over records, snapshots and goals.
type RecordService interface {
	// SubmitMeal persists a pending meal and schedules its enrichment.
	SubmitMeal(ctx context.Context, userID uuid.UUID, in NewMeal) (*model.RecordView, error)
	// LogWeight stores a weight entry. Weight entries need no enrichment.
	LogWeight(ctx context.Context, userID uuid.UUID, kg float64, occurredAt time.Time) (*model.RecordView, error)
	// Get returns a record with its active snapshot.
	Get(ctx context.Context, userID, id uuid.UUID) (*model.RecordView, error)
	// Update edits the record payload. It does not re-run enrichment.
	Update(ctx context.Context, userID, id uuid.UUID, upd model.RecordUpdate) (*model.RecordView, error)
	// Delete tombstones a record.
	Delete(ctx context.Context, userID, id uuid.UUID) error
	// Retry re-submits a failed or enriched meal for enrichment.
	Retry(ctx context.Context, userID, id uuid.UUID) (*model.RecordView, error)
	// OverrideNutrition replaces the active snapshot with user supplied values.
	OverrideNutrition(ctx context.Context, userID, id uuid.UUID, n model.Nutrients) (*model.Snapshot, error)
	// History lists all snapshots of a record, newest first.
	History(ctx context.Context, userID, id uuid.UUID) ([]model.Snapshot, error)
	// Export returns everything stored for the user.
	Export(ctx context.Context, userID uuid.UUID) (*model.Export, error)
	// SetGoal creates or replaces the user's weight goal.
	SetGoal(ctx context.Context, g model.Goal) (*model.Goal, error)
}

type RecordServiceImpl struct {
	records  repository.RecordRepository
	enrich   repository.EnrichmentRepository
	goals    repository.GoalRepository
	dispatch Dispatcher
	quota    limiter.Limiter
	now      func() time.Time
}

// QuotaError is returned when a user ran out of enrichment starts.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("enrichment quota exhausted, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *QuotaError) Unwrap() error { return errs.ErrRateLimited }

// NewRecordService wires the service. A nil clock means time.Now.
func NewRecordService(records repository.RecordRepository, enrich repository.EnrichmentRepository,
	goals repository.GoalRepository, d Dispatcher, now func() time.Time) *RecordServiceImpl {
	if now == nil {
		now = time.Now
	}
	return &RecordServiceImpl{records: records, enrich: enrich, goals: goals, dispatch: d, quota: limiter.Unlimited{}, now: now}
}

// WithQuota limits how many enrichments a user may start per window.
func (s *RecordServiceImpl) WithQuota(l limiter.Limiter) *RecordServiceImpl {
	if l != nil {
		s.quota = l
	}
	return s
}

// consume takes one enrichment start from the user's quota.
func (s *RecordServiceImpl) consume(ctx context.Context, userID uuid.UUID) error {
	ok, wait, err := s.quota.Allow(ctx, userID)
	if err != nil {
		return fmt.Errorf("check quota: %w", err)
	}
	if !ok {
		return &QuotaError{RetryAfter: wait}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("validation: "+format+": %w", append(args, errs.ErrInvalid)...)
}

func (s *RecordServiceImpl) occurredAt(t time.Time) (time.Time, error) {
	now := s.now().UTC()
	if t.IsZero() {
		return now, nil
	}
	if t.After(now.Add(futureSkew)) {
		return time.Time{}, invalid("occurred_at in the future")
	}
	return t.UTC(), nil
}

// SubmitMeal validates the payload, persists the record and dispatches enrichment.
// Validation rules:
// - description or image reference present
// - description at most 2000 characters
// - occurred_at not in the future
func (s *RecordServiceImpl) SubmitMeal(ctx context.Context, userID uuid.UUID, in NewMeal) (*model.RecordView, error) {
	if userID == uuid.Nil {
		return nil, invalid("empty userID")
	}
	desc := strings.TrimSpace(in.Description)
	ref := strings.TrimSpace(in.ImageRef)
	if desc == "" && ref == "" {
		return nil, invalid("empty description and image")
	}
	if utf8.RuneCountInString(desc) > maxDescriptionLen {
		return nil, invalid("description longer than %d characters", maxDescriptionLen)
	}
	at, err := s.occurredAt(in.OccurredAt)
	if err != nil {
		return nil, err
	}
	if err := s.consume(ctx, userID); err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := model.RawRecord{
		ID:          id,
		UserID:      userID,
		Kind:        model.KindMeal,
		OccurredAt:  at,
		CreatedAt:   now,
		UpdatedAt:   now,
		Description: desc,
		ImageRef:    ref,
		State:       model.StatePending,
		Attempt:     1,
	}
	if err := s.records.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("create meal: %w", err)
	}

	s.dispatch.Dispatch(context.WithoutCancel(ctx), model.EnrichmentTask{RecordID: id, UserID: userID, Attempt: 1})
	return &model.RecordView{Record: rec}, nil
}

// LogWeight stores a weight entry directly in the enriched state.
func (s *RecordServiceImpl) LogWeight(ctx context.Context, userID uuid.UUID, kg float64, occurredAt time.Time) (*model.RecordView, error) {
	if userID == uuid.Nil {
		return nil, invalid("empty userID")
	}
	if kg <= 0 || kg > maxWeightKg {
		return nil, invalid("weight must be in (0, %d] kg", maxWeightKg)
	}
	at, err := s.occurredAt(occurredAt)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := model.RawRecord{
		ID:         id,
		UserID:     userID,
		Kind:       model.KindWeight,
		OccurredAt: at,
		CreatedAt:  now,
		UpdatedAt:  now,
		WeightKg:   kg,
		State:      model.StateEnriched,
		Attempt:    1,
	}
	if err := s.records.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("create weight entry: %w", err)
	}
	return &model.RecordView{Record: rec}, nil
}

// Get fetches a single record by id.
func (s *RecordServiceImpl) Get(ctx context.Context, userID, id uuid.UUID) (*model.RecordView, error) {
	if userID == uuid.Nil || id == uuid.Nil {
		return nil, invalid("empty userID/id")
	}
	return s.records.Get(ctx, userID, id)
}

// Update validates the edit against the record kind and applies it.
func (s *RecordServiceImpl) Update(ctx context.Context, userID, id uuid.UUID, upd model.RecordUpdate) (*model.RecordView, error) {
	if userID == uuid.Nil || id == uuid.Nil {
		return nil, invalid("empty userID/id")
	}
	if upd.OccurredAt == nil && upd.Description == nil && upd.ImageRef == nil && upd.WeightKg == nil {
		return nil, invalid("nothing to update")
	}
	cur, err := s.records.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if upd.OccurredAt != nil {
		at, err := s.occurredAt(*upd.OccurredAt)
		if err != nil {
			return nil, err
		}
		upd.OccurredAt = &at
	}
	switch cur.Record.Kind {
	case model.KindWeight:
		if upd.Description != nil || upd.ImageRef != nil {
			return nil, invalid("weight entries have no description or image")
		}
		if upd.WeightKg != nil && (*upd.WeightKg <= 0 || *upd.WeightKg > maxWeightKg) {
			return nil, invalid("weight must be in (0, %d] kg", maxWeightKg)
		}
	case model.KindMeal:
		if upd.WeightKg != nil {
			return nil, invalid("meals have no weight")
		}
		desc, ref := cur.Record.Description, cur.Record.ImageRef
		if upd.Description != nil {
			d := strings.TrimSpace(*upd.Description)
			if utf8.RuneCountInString(d) > maxDescriptionLen {
				return nil, invalid("description longer than %d characters", maxDescriptionLen)
			}
			upd.Description, desc = &d, d
		}
		if upd.ImageRef != nil {
			r := strings.TrimSpace(*upd.ImageRef)
			upd.ImageRef, ref = &r, r
		}
		if desc == "" && ref == "" {
			return nil, invalid("empty description and image")
		}
	}

	rec, err := s.records.Update(ctx, userID, id, upd)
	if err != nil {
		return nil, err
	}
	v := model.NewRecordView(*rec, cur.Snapshot)
	return &v, nil
}

// Delete tombstones the record.
func (s *RecordServiceImpl) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil || id == uuid.Nil {
		return invalid("empty userID/id")
	}
	return s.records.Delete(ctx, userID, id)
}

// Retry reopens the record and dispatches a new enrichment attempt.
func (s *RecordServiceImpl) Retry(ctx context.Context, userID, id uuid.UUID) (*model.RecordView, error) {
	if userID == uuid.Nil || id == uuid.Nil {
		return nil, invalid("empty userID/id")
	}
	cur, err := s.records.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if cur.Record.Kind != model.KindMeal || cur.Record.State == model.StatePending {
		return nil, fmt.Errorf("record %s cannot be retried now: %w", cur.Record.State, errs.ErrConflict)
	}
	if err := s.consume(ctx, userID); err != nil {
		return nil, err
	}
	task, err := s.records.Reopen(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.dispatch.Dispatch(context.WithoutCancel(ctx), task)
	return s.records.Get(ctx, userID, id)
}

// OverrideNutrition stores user corrected nutrients as the new active snapshot.
func (s *RecordServiceImpl) OverrideNutrition(ctx context.Context, userID, id uuid.UUID, n model.Nutrients) (*model.Snapshot, error) {
	if userID == uuid.Nil || id == uuid.Nil {
		return nil, invalid("empty userID/id")
	}
	for name, v := range map[string]float64{
		"calories": n.Calories, "protein": n.Protein, "carbs": n.Carbs, "fat": n.Fat,
		"fiber": n.Fiber, "sugar": n.Sugar, "sodium": n.Sodium,
	} {
		if v < 0 {
			return nil, invalid("negative %s", name)
		}
	}
	return s.enrich.Override(ctx, userID, id, n)
}

// History returns the snapshot history of a record.
func (s *RecordServiceImpl) History(ctx context.Context, userID, id uuid.UUID) ([]model.Snapshot, error) {
	if userID == uuid.Nil || id == uuid.Nil {
		return nil, invalid("empty userID/id")
	}
	return s.enrich.History(ctx, userID, id)
}

// Export collects records, snapshots and the goal of the user.
func (s *RecordServiceImpl) Export(ctx context.Context, userID uuid.UUID) (*model.Export, error) {
	if userID == uuid.Nil {
		return nil, invalid("empty userID")
	}
	out, err := s.records.Export(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("export records: %w", err)
	}
	g, err := s.goals.GetGoal(ctx, userID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("export goal: %w", err)
	default:
		out.Goal = g
	}
	return out, nil
}

// SetGoal validates and stores the goal.
// Validation rules:
// - start and target weights in (0, 500] kg
// - weekly pace in [0, 2] kg
func (s *RecordServiceImpl) SetGoal(ctx context.Context, g model.Goal) (*model.Goal, error) {
	if g.UserID == uuid.Nil {
		return nil, invalid("empty userID")
	}
	if g.StartWeightKg <= 0 || g.StartWeightKg > maxWeightKg || g.TargetWeightKg <= 0 || g.TargetWeightKg > maxWeightKg {
		return nil, invalid("weights must be in (0, %d] kg", maxWeightKg)
	}
	if g.WeeklyPaceKg < 0 || g.WeeklyPaceKg > maxWeeklyPaceKg {
		return nil, invalid("weekly pace must be in [0, %d] kg", maxWeeklyPaceKg)
	}
	if err := s.goals.UpsertGoal(ctx, g); err != nil {
		return nil, err
	}
	return s.goals.GetGoal(ctx, g.UserID)
}
