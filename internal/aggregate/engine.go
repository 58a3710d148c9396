// Package aggregate computes window summaries from raw records and their active snapshots.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/repository"
	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/errgroup"
)

// Config tunes an Engine.
type Config struct {
	// StreakLookbackDays bounds how far back a streak is counted.
	StreakLookbackDays int
	// HorizonDays caps goal projections.
	HorizonDays int
	// ReadTimeout bounds every store read.
	ReadTimeout time.Duration
	// Location defines calendar days. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
}

func (c *Config) defaults() {
	if c.StreakLookbackDays <= 0 {
		c.StreakLookbackDays = 60
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = DefaultHorizonDays
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine aggregates records over windows.
type Engine struct {
	reader repository.WindowReader
	goals  repository.GoalRepository
	cfg    Config
}

func NewEngine(reader repository.WindowReader, goals repository.GoalRepository, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{reader: reader, goals: goals, cfg: cfg}
}

// Location returns the time zone calendar days are computed in.
func (e *Engine) Location() *time.Location { return e.cfg.Location }

// Now returns the current time in the engine's location.
func (e *Engine) Now() time.Time { return e.cfg.Now().In(e.cfg.Location) }

// Aggregate builds the summary of w. The store reads run concurrently and any
// failed read fails the whole call.
func (e *Engine) Aggregate(ctx context.Context, userID uuid.UUID, w model.Window) (*model.WindowSummary, error) {
	today := model.DayStart(e.Now())
	since := today.AddDate(0, 0, -(e.cfg.StreakLookbackDays - 1))

	var (
		records  []model.RecordView
		previous *model.RawRecord
		enriched []time.Time
		goal     *model.Goal
	)

	g, gctx := errgroup.WithContext(ctx)
	read := func(name string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, e.cfg.ReadTimeout)
			defer cancel()
			if err := fn(rctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	read("records in window", func(ctx context.Context) (err error) {
		records, err = e.reader.ListInWindow(ctx, userID, w.Start, w.End)
		return err
	})
	read("previous weight", func(ctx context.Context) (err error) {
		previous, err = e.reader.LatestWeightBefore(ctx, userID, w.Start)
		return err
	})
	read("streak days", func(ctx context.Context) (err error) {
		enriched, err = e.reader.EnrichedTimes(ctx, userID, since)
		return err
	})
	read("goal", func(ctx context.Context) error {
		gl, err := e.goals.GetGoal(ctx, userID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		goal = gl
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	sum := &model.WindowSummary{
		UserID: userID,
		Kind:   w.Kind,
		Start:  w.Start,
		End:    w.End,
		Days:   splitDays(w, records, e.cfg.Location),
		Streak: Streak(enriched, today, e.cfg.StreakLookbackDays),
	}
	for _, d := range sum.Days {
		sum.Totals = sum.Totals.Add(d.Nutrients)
		sum.Meals += d.Meals
		sum.Enriched += d.Enriched
		sum.Pending += d.Pending
		sum.Failed += d.Failed
	}
	sum.Weight = weightTrend(records, previous)
	if goal != nil && sum.Weight != nil {
		at := sum.Weight.Previous
		if n := len(sum.Weight.Entries); n > 0 {
			at = &sum.Weight.Entries[n-1]
		}
		sum.Trajectory = Project(goal.StartWeightKg, sum.Weight.Current, goal.TargetWeightKg,
			goal.WeeklyPaceKg, at.At, e.cfg.HorizonDays)
	}
	return sum, nil
}

// splitDays buckets meals into the calendar days of w. Meals without an
// active snapshot count but add no nutrients.
func splitDays(w model.Window, records []model.RecordView, loc *time.Location) []model.DaySummary {
	days := w.Days()
	out := make([]model.DaySummary, len(days))
	index := make(map[string]int, len(days))
	for i, d := range days {
		out[i].Date = d
		index[dayKey(d, loc)] = i
	}
	for _, v := range records {
		if v.Record.Kind != model.KindMeal {
			continue
		}
		i, ok := index[dayKey(v.Record.OccurredAt, loc)]
		if !ok {
			continue
		}
		d := &out[i]
		d.Meals++
		switch v.Record.State {
		case model.StateEnriched:
			d.Enriched++
		case model.StatePending:
			d.Pending++
		case model.StateFailed:
			d.Failed++
		}
		if v.Snapshot != nil {
			d.Nutrients = d.Nutrients.Add(v.Snapshot.Nutrients)
		}
	}
	return out
}

func weightTrend(records []model.RecordView, previous *model.RawRecord) *model.WeightTrend {
	t := &model.WeightTrend{Entries: []model.WeightPoint{}}
	if previous != nil {
		t.Previous = &model.WeightPoint{At: previous.OccurredAt, WeightKg: previous.WeightKg}
	}
	for _, v := range records {
		if v.Record.Kind == model.KindWeight {
			t.Entries = append(t.Entries, model.WeightPoint{At: v.Record.OccurredAt, WeightKg: v.Record.WeightKg})
		}
	}

	var base *model.WeightPoint
	switch {
	case t.Previous != nil:
		base = t.Previous
	case len(t.Entries) > 0:
		base = &t.Entries[0]
	default:
		return nil
	}
	t.Current = base.WeightKg
	if n := len(t.Entries); n > 0 {
		t.Current = t.Entries[n-1].WeightKg
	}
	t.ChangeKg = round(t.Current-base.WeightKg, 2)
	return t
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}
