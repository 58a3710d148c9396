package enrich

import (
	"context"
	"time"

	"github.com/and161185/nutrikeeper/internal/repository"
	"go.uber.org/zap"
)

const (
	sweepBatch      = 100
	sweepMaxBatches = 10
)

// Sweeper fails records left pending by a crashed or restarted process.
type Sweeper struct {
	records    repository.RecordRepository
	proc       Processor
	staleAfter time.Duration
	every      time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func NewSweeper(records repository.RecordRepository, proc Processor, staleAfter, every time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{records: records, proc: proc, staleAfter: staleAfter, every: every, now: time.Now, log: log}
}

// Sweep fails pending records not touched for staleAfter and returns how many it handled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < sweepMaxBatches; i++ {
		tasks, err := s.records.ListStalePending(ctx, s.now().Add(-s.staleAfter), sweepBatch)
		if err != nil {
			return total, err
		}
		for _, t := range tasks {
			s.proc.Reject(ctx, t, "enrichment interrupted")
		}
		total += len(tasks)
		if len(tasks) < sweepBatch {
			break
		}
	}
	return total, nil
}

// Run sweeps once, then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)
	if s.every <= 0 {
		return
	}
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep pending records", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("failed stale pending records", zap.Int("count", n))
	}
}
