package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/limiter"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/repository/memory"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []model.EnrichmentTask
}

func (f *fakeDispatcher) Dispatch(_ context.Context, task model.EnrichmentTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
}

func newService(t *testing.T) (*RecordServiceImpl, *memory.Store, *fakeDispatcher) {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	store := memory.New(clock)
	d := &fakeDispatcher{}
	return NewRecordService(store, store, store, d, clock), store, d
}

func TestRecordService_SubmitMeal(t *testing.T) {
	t.Parallel()
	s, _, d := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	v, err := s.SubmitMeal(ctx, user, NewMeal{Description: "  grilled chicken, rice "})
	require.NoError(t, err)
	require.Equal(t, model.StatePending, v.Record.State)
	require.Equal(t, "grilled chicken, rice", v.Record.Description)
	require.True(t, v.Record.OccurredAt.Equal(fixedNow))
	require.Nil(t, v.Snapshot)
	require.Equal(t, []model.EnrichmentTask{{RecordID: v.Record.ID, UserID: user, Attempt: 1}}, d.tasks)

	got, err := s.Get(ctx, user, v.Record.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatePending, got.Record.State)

	_, err = s.Get(ctx, uuid.Must(uuid.NewV4()), v.Record.ID)
	require.ErrorIs(t, err, errs.ErrNotFound, "records are owner scoped")
}

func TestRecordService_SubmitMeal_Validation(t *testing.T) {
	t.Parallel()
	s, _, d := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	cases := map[string]NewMeal{
		"empty payload":    {Description: "   "},
		"too long":         {Description: strings.Repeat("a", maxDescriptionLen+1)},
		"future timestamp": {Description: "soup", OccurredAt: fixedNow.Add(time.Hour)},
	}
	for name, in := range cases {
		_, err := s.SubmitMeal(ctx, user, in)
		require.ErrorIs(t, err, errs.ErrInvalid, name)
	}
	_, err := s.SubmitMeal(ctx, uuid.Nil, NewMeal{Description: "soup"})
	require.ErrorIs(t, err, errs.ErrInvalid)
	require.Empty(t, d.tasks)

	v, err := s.SubmitMeal(ctx, user, NewMeal{ImageRef: "user/lunch.jpg", OccurredAt: fixedNow.Add(-3 * time.Hour)})
	require.NoError(t, err, "image only is enough")
	require.True(t, v.Record.OccurredAt.Equal(fixedNow.Add(-3*time.Hour)))
}

func TestRecordService_LogWeight(t *testing.T) {
	t.Parallel()
	s, _, d := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	v, err := s.LogWeight(ctx, user, 82.4, time.Time{})
	require.NoError(t, err)
	require.Equal(t, model.KindWeight, v.Record.Kind)
	require.Equal(t, model.StateEnriched, v.Record.State)
	require.Empty(t, d.tasks)

	_, err = s.LogWeight(ctx, user, 0, time.Time{})
	require.ErrorIs(t, err, errs.ErrInvalid)
	_, err = s.LogWeight(ctx, user, 900, time.Time{})
	require.ErrorIs(t, err, errs.ErrInvalid)

	_, err = s.Retry(ctx, user, v.Record.ID)
	require.ErrorIs(t, err, errs.ErrConflict, "weight entries are not enriched")
}

func TestRecordService_Update(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	meal, err := s.SubmitMeal(ctx, user, NewMeal{Description: "soup"})
	require.NoError(t, err)
	weight, err := s.LogWeight(ctx, user, 80, time.Time{})
	require.NoError(t, err)

	empty := ""
	_, err = s.Update(ctx, user, meal.Record.ID, model.RecordUpdate{Description: &empty})
	require.ErrorIs(t, err, errs.ErrInvalid, "meal would lose its whole payload")

	kg := 79.5
	_, err = s.Update(ctx, user, meal.Record.ID, model.RecordUpdate{WeightKg: &kg})
	require.ErrorIs(t, err, errs.ErrInvalid)

	_, err = s.Update(ctx, user, meal.Record.ID, model.RecordUpdate{})
	require.ErrorIs(t, err, errs.ErrInvalid)

	desc := "tomato soup"
	moved := fixedNow.Add(-26 * time.Hour)
	v, err := s.Update(ctx, user, meal.Record.ID, model.RecordUpdate{Description: &desc, OccurredAt: &moved})
	require.NoError(t, err)
	require.Equal(t, "tomato soup", v.Record.Description)
	require.True(t, v.Record.OccurredAt.Equal(moved))
	require.Equal(t, model.StatePending, v.Record.State, "edits do not re-run enrichment")

	v, err = s.Update(ctx, user, weight.Record.ID, model.RecordUpdate{WeightKg: &kg})
	require.NoError(t, err)
	require.Equal(t, 79.5, v.Record.WeightKg)
	_, err = s.Update(ctx, user, weight.Record.ID, model.RecordUpdate{Description: &desc})
	require.ErrorIs(t, err, errs.ErrInvalid)
}

func TestRecordService_RetryAndOverride(t *testing.T) {
	t.Parallel()
	s, store, d := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	meal, err := s.SubmitMeal(ctx, user, NewMeal{Description: "pasta"})
	require.NoError(t, err)

	_, err = s.Retry(ctx, user, meal.Record.ID)
	require.ErrorIs(t, err, errs.ErrConflict, "still pending")
	_, err = s.OverrideNutrition(ctx, user, meal.Record.ID, model.Nutrients{Calories: 600})
	require.ErrorIs(t, err, errs.ErrConflict, "still pending")

	require.NoError(t, store.Fail(ctx, d.tasks[0], "model call failed"))

	v, err := s.Retry(ctx, user, meal.Record.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatePending, v.Record.State)
	require.Equal(t, int64(2), v.Record.Attempt)
	require.Len(t, d.tasks, 2)
	require.Equal(t, int64(2), d.tasks[1].Attempt)

	require.NoError(t, store.Complete(ctx, d.tasks[1], model.EnrichmentResult{
		Title: "Pasta", Snapshot: model.Snapshot{Nutrients: model.Nutrients{Calories: 700}},
	}))

	_, err = s.OverrideNutrition(ctx, user, meal.Record.ID, model.Nutrients{Calories: -1})
	require.ErrorIs(t, err, errs.ErrInvalid)

	sn, err := s.OverrideNutrition(ctx, user, meal.Record.ID, model.Nutrients{Calories: 640, Protein: 22})
	require.NoError(t, err)
	require.Equal(t, model.SourceUser, sn.Source)

	hist, err := s.History(ctx, user, meal.Record.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.True(t, hist[0].IsActive)
	require.Equal(t, 640.0, hist[0].Nutrients.Calories)
	require.False(t, hist[1].IsActive)
	require.Equal(t, 700.0, hist[1].Nutrients.Calories, "history is preserved")
}

func TestRecordService_DeleteAndExport(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	meal, err := s.SubmitMeal(ctx, user, NewMeal{Description: "salad"})
	require.NoError(t, err)
	_, err = s.LogWeight(ctx, user, 70, time.Time{})
	require.NoError(t, err)

	exp, err := s.Export(ctx, user)
	require.NoError(t, err)
	require.Len(t, exp.Records, 2)
	require.Nil(t, exp.Goal)

	require.NoError(t, s.Delete(ctx, user, meal.Record.ID))
	require.ErrorIs(t, s.Delete(ctx, user, meal.Record.ID), errs.ErrNotFound)
	_, err = s.Get(ctx, user, meal.Record.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.SetGoal(ctx, model.Goal{UserID: user, StartWeightKg: 72, TargetWeightKg: 68, WeeklyPaceKg: 0.25})
	require.NoError(t, err)

	exp, err = s.Export(ctx, user)
	require.NoError(t, err)
	require.Len(t, exp.Records, 2, "tombstones are exported")
	require.NotNil(t, exp.Goal)
	require.Equal(t, 68.0, exp.Goal.TargetWeightKg)
}

func TestRecordService_SetGoal_Validation(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	bad := []model.Goal{
		{UserID: uuid.Nil, StartWeightKg: 80, TargetWeightKg: 75},
		{UserID: user, StartWeightKg: 0, TargetWeightKg: 75},
		{UserID: user, StartWeightKg: 80, TargetWeightKg: 75, WeeklyPaceKg: 5},
		{UserID: user, StartWeightKg: 80, TargetWeightKg: 75, WeeklyPaceKg: -1},
	}
	for i, g := range bad {
		_, err := s.SetGoal(ctx, g)
		require.ErrorIs(t, err, errs.ErrInvalid, "case %d", i)
	}

	g, err := s.SetGoal(ctx, model.Goal{UserID: user, StartWeightKg: 80, TargetWeightKg: 75, WeeklyPaceKg: 0.5})
	require.NoError(t, err)
	require.True(t, g.UpdatedAt.Equal(fixedNow))
}

func TestRecordService_Quota(t *testing.T) {
	t.Parallel()
	s, store, d := newService(t)
	s.WithQuota(limiter.NewMemory(24*time.Hour, 2, func() time.Time { return fixedNow }))
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	first, err := s.SubmitMeal(ctx, user, NewMeal{Description: "eggs"})
	require.NoError(t, err)
	_, err = s.SubmitMeal(ctx, user, NewMeal{Description: "salad"})
	require.NoError(t, err)

	_, err = s.SubmitMeal(ctx, user, NewMeal{Description: "cake"})
	require.ErrorIs(t, err, errs.ErrRateLimited)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 12*time.Hour, qe.RetryAfter)
	require.Len(t, d.tasks, 2, "denied meals are not stored or dispatched")

	require.NoError(t, store.Fail(ctx, d.tasks[0], "timeout"))
	_, err = s.Retry(ctx, user, first.Record.ID)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	got, err := s.Get(ctx, user, first.Record.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, got.Record.State)

	_, err = s.LogWeight(ctx, user, 80, time.Time{})
	require.NoError(t, err, "weights do not consume quota")

	_, err = s.SubmitMeal(ctx, uuid.Must(uuid.NewV4()), NewMeal{Description: "toast"})
	require.NoError(t, err, "quota is per user")
}

func TestRecordService_RetryHidesPreviousSnapshot(t *testing.T) {
	t.Parallel()
	s, store, d := newService(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	meal, err := s.SubmitMeal(ctx, user, NewMeal{Description: "burrito"})
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, d.tasks[0], model.EnrichmentResult{
		Title: "Burrito", Snapshot: model.Snapshot{Nutrients: model.Nutrients{Calories: 900}},
	}))

	v, err := s.Retry(ctx, user, meal.Record.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatePending, v.Record.State)
	require.Nil(t, v.Snapshot, "no snapshot while re-enriching")

	views, err := store.ListInWindow(ctx, user, fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Nil(t, views[0].Snapshot)

	hist, err := s.History(ctx, user, meal.Record.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1, "history keeps the previous snapshot")

	require.NoError(t, store.Complete(ctx, d.tasks[1], model.EnrichmentResult{
		Title: "Burrito bowl", Snapshot: model.Snapshot{Nutrients: model.Nutrients{Calories: 750}},
	}))
	v, err = s.Get(ctx, user, meal.Record.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Snapshot)
	require.Equal(t, 750.0, v.Snapshot.Nutrients.Calories)
}
