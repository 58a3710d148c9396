// Package app assembles stores, workers and services from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/nutrikeeper/internal/aggregate"
	"github.com/and161185/nutrikeeper/internal/config"
	"github.com/and161185/nutrikeeper/internal/enrich"
	"github.com/and161185/nutrikeeper/internal/limiter"
	"github.com/and161185/nutrikeeper/internal/llm"
	"github.com/and161185/nutrikeeper/internal/media"
	"github.com/and161185/nutrikeeper/internal/report"
	"github.com/and161185/nutrikeeper/internal/repository"
	"github.com/and161185/nutrikeeper/internal/repository/memory"
	"github.com/and161185/nutrikeeper/internal/repository/postgres"
	"github.com/and161185/nutrikeeper/internal/service"
)

// Stores groups the repository implementations of one backend.
type Stores struct {
	Records repository.RecordRepository
	Enrich  repository.EnrichmentRepository
	Reader  repository.WindowReader
	Reports repository.ReportRepository
	Goals   repository.GoalRepository
	Quota   limiter.Limiter
	// Ping checks the backend is reachable.
	Ping  func(ctx context.Context) error
	Close func()
}

// OpenStores connects to PostgreSQL, or returns an in-memory store when no DSN is set.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	if cfg.DSN == "" {
		if !cfg.Dev {
			return nil, fmt.Errorf("no database configured")
		}
		m := memory.New(nil)
		return &Stores{
			Records: m, Enrich: m, Reader: m, Reports: m, Goals: m,
			Quota: limiter.New(cfg.Enrich.QuotaWindow, cfg.Enrich.Quota),
			Ping:  func(context.Context) error { return nil },
			Close: func() {},
		}, nil
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := db.Ping(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	records := postgres.NewRecordRepo(db)
	reports := postgres.NewReportRepo(db)
	var quota limiter.Limiter = limiter.Unlimited{}
	if cfg.Enrich.Quota > 0 {
		quota = limiter.NewPG(db.Pool, cfg.Enrich.QuotaWindow, cfg.Enrich.Quota)
	}
	return &Stores{
		Records: records,
		Enrich:  postgres.NewSnapshotRepo(db),
		Reader:  records,
		Reports: reports,
		Goals:   reports,
		Quota:   quota,
		Ping:    db.Ping,
		Close:   db.Close,
	}, nil
}

// App holds the wired components of a running instance.
type App struct {
	Stores   *Stores
	Gen      llm.Generator
	Pipeline *enrich.Pipeline
	Queue    *enrich.Queue
	Sweeper  *enrich.Sweeper
	Engine   *aggregate.Engine
	Reports  *report.Cache
	Records  *service.RecordServiceImpl
}

// Build wires every component on top of st.
func Build(ctx context.Context, cfg *config.Config, st *Stores, log *zap.Logger) (*App, error) {
	gen, err := llm.New(ctx, llm.Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		Timeout:       cfg.LLM.Timeout,
		RatePerMinute: cfg.LLM.RatePerMinute,
		Burst:         cfg.LLM.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("model provider: %w", err)
	}

	var res media.Resolver = media.NewS3Resolver(nil, "", cfg.Media.PresignTTL)
	if cfg.Media.Bucket != "" {
		if res, err = media.NewFromAWS(ctx, cfg.Media.Region, cfg.Media.Bucket, cfg.Media.PresignTTL); err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
	}

	pipeline := enrich.NewPipeline(st.Records, st.Enrich, gen, res, log.Named("enrich"), enrich.Config{
		TaskTimeout:  cfg.Enrich.TaskTimeout,
		StoreTimeout: cfg.StoreTimeout,
		WriteRetries: cfg.Enrich.WriteRetries,
	})
	queue := enrich.NewQueue(pipeline, cfg.Enrich.QueueSize, cfg.Enrich.Workers, log.Named("queue"))
	sweeper := enrich.NewSweeper(st.Records, pipeline, cfg.Enrich.StaleAfter, cfg.Enrich.SweepEvery, log.Named("sweeper"))

	engine := aggregate.NewEngine(st.Reader, st.Goals, aggregate.Config{
		StreakLookbackDays: cfg.Aggregate.StreakLookbackDays,
		HorizonDays:        cfg.Aggregate.HorizonDays,
		ReadTimeout:        cfg.StoreTimeout,
		Location:           cfg.Location(),
	})
	cache := report.NewCache(st.Reader, st.Reports, engine, gen, log.Named("report"), report.Config{
		MaxAge:    cfg.Report.MaxAge,
		CommitLag: cfg.StoreTimeout,
	})

	return &App{
		Stores:   st,
		Gen:      gen,
		Pipeline: pipeline,
		Queue:    queue,
		Sweeper:  sweeper,
		Engine:   engine,
		Reports:  cache,
		Records:  service.NewRecordService(st.Records, st.Enrich, st.Goals, queue, nil).WithQuota(st.Quota),
	}, nil
}

// NewLogger builds a production zap logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	return zc.Build()
}
