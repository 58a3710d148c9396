// Package report serves weekly reports, regenerating them only when the
// underlying records changed after the cached copy was produced.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/llm"
	"github.com/and161185/nutrikeeper/internal/metrics"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Aggregator computes the summary a report is written from.
type Aggregator interface {
	Aggregate(ctx context.Context, userID uuid.UUID, w model.Window) (*model.WindowSummary, error)
}

// Config tunes a Cache.
type Config struct {
	// MaxAge bounds how old a cached report may be even if no record changed.
	// Zero disables the bound.
	MaxAge time.Duration
	// CommitLag bounds how long a store write may take to commit after it
	// stamped updated_at. Reports are dated that much earlier, so a write that
	// was in flight during generation still invalidates the stored copy.
	CommitLag time.Duration
	Now       func() time.Time
}

// Cache is the freshness-gated report cache.
type Cache struct {
	reader  repository.WindowReader
	reports repository.ReportRepository
	agg     Aggregator
	gen     llm.Generator
	log     *zap.Logger
	cfg     Config
}

func NewCache(reader repository.WindowReader, reports repository.ReportRepository, agg Aggregator,
	gen llm.Generator, log *zap.Logger, cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{reader: reader, reports: reports, agg: agg, gen: gen, log: log, cfg: cfg}
}

// GetOrCompute returns the report for w. A cached report is served only if it
// covers exactly w, was created after the latest mutation of any record in w
// and is not older than MaxAge. Otherwise a fresh report replaces it.
func (c *Cache) GetOrCompute(ctx context.Context, userID uuid.UUID, w model.Window) (*model.Report, error) {
	state, err := c.reader.WindowState(ctx, userID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("window state: %w", err)
	}
	if state.LiveRecords == 0 {
		return &model.Report{
			UserID:      userID,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			GeneratedAt: c.cfg.Now(),
			Insights:    emptyInsights,
			Source:      model.ReportEmpty,
		}, nil
	}

	rep, reason, err := c.lookup(ctx, userID, w, state.LatestMutation)
	if err != nil {
		return nil, err
	}
	if rep != nil {
		metrics.ReportCache.WithLabelValues("hit", "fresh").Inc()
		return rep, nil
	}
	metrics.ReportCache.WithLabelValues("miss", reason).Inc()
	return c.regenerate(ctx, userID, w)
}

// lookup returns the cached report if it may be served, or the reason it may not.
func (c *Cache) lookup(ctx context.Context, userID uuid.UUID, w model.Window, latest time.Time) (*model.Report, string, error) {
	cached, err := c.reports.GetCached(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, "absent", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("cached report: %w", err)
	}

	switch {
	case !cached.WindowStart.Equal(w.Start) || !cached.WindowEnd.Equal(w.End):
		return nil, "window", nil
	case !cached.CreatedAt.After(latest):
		return nil, "stale", nil
	case c.cfg.MaxAge > 0 && c.cfg.Now().Sub(cached.CreatedAt) > c.cfg.MaxAge:
		return nil, "expired", nil
	}

	var rep model.Report
	if err := json.Unmarshal(cached.Payload, &rep); err != nil {
		c.log.Warn("unreadable cached report", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, "corrupt", nil
	}
	rep.Source = model.ReportFromCache
	return &rep, "", nil
}

func (c *Cache) regenerate(ctx context.Context, userID uuid.UUID, w model.Window) (*model.Report, error) {
	// Taken before reading so that any write racing with generation leaves the
	// stored report stale.
	createdAt := c.cfg.Now()

	sum, err := c.agg.Aggregate(ctx, userID, w)
	if err != nil {
		return nil, err
	}

	rep := &model.Report{
		UserID:      userID,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		GeneratedAt: createdAt,
		Summary:     sum,
		Insights:    c.insights(ctx, userID, sum),
		Source:      model.ReportFresh,
	}

	if rep.Insights.Fallback {
		return rep, nil
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	err = c.reports.Replace(ctx, model.CachedReport{
		UserID:      userID,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		CreatedAt:   createdAt.Add(-c.cfg.CommitLag),
		Payload:     payload,
	})
	if err != nil {
		c.log.Error("store report", zap.String("user_id", userID.String()), zap.Error(err))
		return rep, nil
	}
	metrics.ReportRegenerations.Inc()
	return rep, nil
}

func (c *Cache) insights(ctx context.Context, userID uuid.UUID, sum *model.WindowSummary) model.Insights {
	prompt, err := insightsPrompt(sum)
	if err != nil {
		c.log.Error("build insights prompt", zap.Error(err))
		return defaultInsights
	}
	raw, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		c.log.Warn("insights model call failed", zap.String("user_id", userID.String()), zap.Error(err))
		return defaultInsights
	}
	res := parseInsights(raw)
	metrics.ParseStage.WithLabelValues("insights", string(res.Stage)).Inc()
	if res.Fallback {
		c.log.Warn("insights answer unusable", zap.String("user_id", userID.String()))
	}
	return res.Value
}
