package enrich

import (
	"context"
	"sync"

	"github.com/and161185/nutrikeeper/internal/metrics"
	"github.com/and161185/nutrikeeper/internal/model"
	"go.uber.org/zap"
)

// Processor handles tasks taken from a Queue.
type Processor interface {
	Process(ctx context.Context, task model.EnrichmentTask)
	Reject(ctx context.Context, task model.EnrichmentTask, reason string)
}

// Queue is a bounded in-process task queue served by a fixed worker pool.
type Queue struct {
	tasks   chan model.EnrichmentTask
	workers int
	proc    Processor
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewQueue(proc Processor, size, workers int, log *zap.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		tasks:   make(chan model.EnrichmentTask, size),
		workers: workers,
		proc:    proc,
		log:     log,
	}
}

// Dispatch enqueues task without blocking. A full or stopped queue fails the
// task right away so the record does not stay pending.
func (q *Queue) Dispatch(ctx context.Context, task model.EnrichmentTask) {
	reason := q.enqueue(task)
	if reason == "" {
		return
	}
	q.log.Warn("enrichment task rejected", zap.String("record_id", task.RecordID.String()), zap.String("reason", reason))
	q.proc.Reject(ctx, task, reason)
}

func (q *Queue) enqueue(task model.EnrichmentTask) string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "enrichment service stopped"
	}
	select {
	case q.tasks <- task:
		metrics.QueueDepth.Inc()
		return ""
	default:
		return "enrichment queue full"
	}
}

// Run starts the workers and blocks until ctx is done and every queued task
// has reached a terminal state. Tasks still queued at shutdown are rejected.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}

	<-ctx.Done()
	q.mu.Lock()
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	wg.Wait()
	q.log.Info("enrichment workers stopped")
}

func (q *Queue) work(ctx context.Context) {
	for task := range q.tasks {
		metrics.QueueDepth.Dec()
		if ctx.Err() != nil {
			q.proc.Reject(ctx, task, "enrichment service stopped")
			continue
		}
		q.proc.Process(ctx, task)
	}
}
