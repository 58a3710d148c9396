// Package enrich runs model enrichment of submitted meals in the background.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/nutrikeeper/internal/aiparse"
	"github.com/and161185/nutrikeeper/internal/errs"
	"github.com/and161185/nutrikeeper/internal/llm"
	"github.com/and161185/nutrikeeper/internal/media"
	"github.com/and161185/nutrikeeper/internal/metrics"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/repository"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Task outcomes, used as metric labels.
const (
	resultEnriched = "enriched"
	resultFailed   = "failed"
	resultStale    = "stale"
	resultRejected = "rejected"
)

// Config tunes a Pipeline.
type Config struct {
	// TaskTimeout bounds loading, image resolution and the model call.
	TaskTimeout time.Duration
	// StoreTimeout bounds each terminal write attempt.
	StoreTimeout time.Duration
	// WriteRetries is how many times a failed terminal write is retried.
	WriteRetries uint64
	RetryBase    time.Duration
}

func (c *Config) defaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
}

// Pipeline turns one enrichment task into exactly one terminal state.
type Pipeline struct {
	records repository.RecordRepository
	store   repository.EnrichmentRepository
	gen     llm.Generator
	media   media.Resolver
	log     *zap.Logger
	cfg     Config
}

func NewPipeline(records repository.RecordRepository, store repository.EnrichmentRepository,
	gen llm.Generator, res media.Resolver, log *zap.Logger, cfg Config) *Pipeline {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{records: records, store: store, gen: gen, media: res, log: log, cfg: cfg}
}

// Process enriches the record of task. It never returns an error: every
// outcome is written to the record state.
func (p *Pipeline) Process(ctx context.Context, task model.EnrichmentTask) {
	start := time.Now()
	result := p.process(ctx, task)
	metrics.EnrichmentTotal.WithLabelValues(result).Inc()
	metrics.EnrichmentDuration.Observe(time.Since(start).Seconds())
}

func (p *Pipeline) process(ctx context.Context, task model.EnrichmentTask) string {
	log := p.log.With(zap.String("record_id", task.RecordID.String()), zap.Int64("attempt", task.Attempt))

	wctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	view, err := p.records.Get(wctx, task.UserID, task.RecordID)
	if errors.Is(err, errs.ErrNotFound) {
		log.Info("record gone before enrichment")
		return resultStale
	}
	if err != nil {
		return p.fail(ctx, log, task, "load record", err)
	}
	rec := view.Record
	if rec.State != model.StatePending || rec.Attempt != task.Attempt {
		log.Info("task superseded", zap.String("state", string(rec.State)), zap.Int64("current_attempt", rec.Attempt))
		return resultStale
	}

	var imageURL string
	if rec.ImageRef != "" {
		imageURL, err = p.media.Resolve(wctx, rec.ImageRef)
		if err != nil {
			return p.fail(ctx, log, task, "resolve image", err)
		}
	}

	raw, err := p.gen.Generate(wctx, mealPrompt(rec, imageURL))
	if err != nil {
		return p.fail(ctx, log, task, "model call", err)
	}

	parsed := aiparse.Parse(raw, mealParseOptions)
	metrics.ParseStage.WithLabelValues("meal", string(parsed.Stage)).Inc()
	if parsed.Fallback {
		return p.fail(ctx, log, task, "parse model answer", errors.New("no usable analysis in model answer"))
	}

	err = p.terminal(ctx, func(ctx context.Context) error {
		return p.store.Complete(ctx, task, parsed.Value.result())
	})
	switch {
	case errors.Is(err, errs.ErrStaleTask):
		log.Info("task superseded before completion")
		return resultStale
	case err != nil:
		return p.fail(ctx, log, task, "store analysis", err)
	}
	log.Info("meal enriched", zap.String("parse_stage", string(parsed.Stage)))
	return resultEnriched
}

// fail records a failed attempt. The reason kept on the record is the step name only.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, task model.EnrichmentTask, step string, cause error) string {
	log.Warn("enrichment failed", zap.String("step", step), zap.Error(cause))
	err := p.terminal(ctx, func(ctx context.Context) error {
		return p.store.Fail(ctx, task, step+" failed")
	})
	switch {
	case errors.Is(err, errs.ErrStaleTask):
		return resultStale
	case err != nil:
		log.Error("cannot mark record failed", zap.Error(err))
	}
	return resultFailed
}

// Reject fails a task that never reached a worker.
func (p *Pipeline) Reject(ctx context.Context, task model.EnrichmentTask, reason string) {
	err := p.terminal(ctx, func(ctx context.Context) error {
		return p.store.Fail(ctx, task, reason)
	})
	if err != nil && !errors.Is(err, errs.ErrStaleTask) {
		p.log.Error("cannot reject task",
			zap.String("record_id", task.RecordID.String()), zap.String("reason", reason), zap.Error(err))
		return
	}
	metrics.EnrichmentTotal.WithLabelValues(resultRejected).Inc()
}

// terminal runs a state write detached from caller cancellation, retrying
// transient store errors with exponential backoff.
func (p *Pipeline) terminal(ctx context.Context, write func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	b := retry.WithMaxRetries(p.cfg.WriteRetries, retry.NewExponential(p.cfg.RetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
		err := write(wctx)
		if err == nil || errors.Is(err, errs.ErrStaleTask) || errors.Is(err, errs.ErrNotFound) {
			return err
		}
		return retry.RetryableError(fmt.Errorf("terminal write: %w", err))
	})
}
