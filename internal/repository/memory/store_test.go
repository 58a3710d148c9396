package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

var (
	_ repository.RecordRepository     = (*Store)(nil)
	_ repository.WindowReader         = (*Store)(nil)
	_ repository.EnrichmentRepository = (*Store)(nil)
	_ repository.ReportRepository     = (*Store)(nil)
	_ repository.GoalRepository       = (*Store)(nil)
)

func newMeal(t *testing.T, s *Store, userID uuid.UUID, at time.Time) model.RawRecord {
	t.Helper()
	rec := model.RawRecord{
		ID: uuid.Must(uuid.NewV4()), UserID: userID, Kind: model.KindMeal,
		OccurredAt: at, CreatedAt: at, UpdatedAt: at,
		Description: "oatmeal", State: model.StatePending, Attempt: 1,
	}
	require.NoError(t, s.Create(context.Background(), &rec))
	return rec
}

func TestStore_ConcurrentCompleteAndOverride_OneActive(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	rec := newMeal(t, s, user, time.Now())

	require.NoError(t, s.Complete(ctx, model.EnrichmentTask{RecordID: rec.ID, UserID: user, Attempt: 1},
		model.EnrichmentResult{Title: "Oatmeal", Snapshot: model.Snapshot{Nutrients: model.Nutrients{Calories: 300}}}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Override(ctx, user, rec.ID, model.Nutrients{Calories: float64(100 + i)})
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, s.ActiveCount(rec.ID))
	hist, err := s.History(ctx, user, rec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 21)
}

func TestStore_TerminalTransitionOnlyOnce(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	rec := newMeal(t, s, user, time.Now())
	task := model.EnrichmentTask{RecordID: rec.ID, UserID: user, Attempt: 1}

	require.NoError(t, s.Fail(ctx, task, "timeout"))
	require.ErrorIs(t, s.Fail(ctx, task, "timeout"), errs.ErrStaleTask)
	require.ErrorIs(t, s.Complete(ctx, task, model.EnrichmentResult{}), errs.ErrStaleTask)

	next, err := s.Reopen(ctx, user, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Attempt)
	require.ErrorIs(t, s.Complete(ctx, task, model.EnrichmentResult{}), errs.ErrStaleTask, "old attempt must not win")
	require.NoError(t, s.Complete(ctx, next, model.EnrichmentResult{Title: "x"}))
}

func TestStore_WindowStateCountsTombstones(t *testing.T) {
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := base
	s := New(func() time.Time { return clock })
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	rec := newMeal(t, s, user, base)

	clock = base.Add(time.Hour)
	require.NoError(t, s.Delete(ctx, user, rec.ID))

	ws, err := s.WindowState(ctx, user, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, ws.LiveRecords)
	require.True(t, ws.LatestMutation.Equal(clock))
}
