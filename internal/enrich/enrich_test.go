package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/nutrikeeper/internal/llm"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const chickenAnswer = "```json\n" + `{"title":"Grilled chicken with rice","calories":550,"protein":42,"carbs":58,"fat":12,
"confidence":0.8,"quality_score":7,"notes":"balanced plate",
"items":[{"name":"chicken breast","quantity":"150 g","calories":250,"protein":38,"fat":6},
{"name":"white rice","quantity":"1 cup","calories":300,"protein":4,"carbs":58,"fat":1}]}` + "\n```"

type fakeGen struct {
	out   string
	err   error
	block bool
	calls atomic.Int32

	mu      sync.Mutex
	prompts []llm.Prompt
}

func (f *fakeGen) Generate(ctx context.Context, p llm.Prompt) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.out, f.err
}

type passResolver struct{}

func (passResolver) Resolve(_ context.Context, ref string) (string, error) { return ref, nil }

func newPipeline(store *memory.Store, gen llm.Generator, cfg Config) *Pipeline {
	return NewPipeline(store, store, gen, passResolver{}, nil, cfg)
}

func submit(t *testing.T, store *memory.Store, desc string) model.EnrichmentTask {
	t.Helper()
	now := time.Now()
	rec := model.RawRecord{
		ID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), Kind: model.KindMeal,
		OccurredAt: now, CreatedAt: now, UpdatedAt: now,
		Description: desc, State: model.StatePending, Attempt: 1,
	}
	require.NoError(t, store.Create(context.Background(), &rec))
	return model.EnrichmentTask{RecordID: rec.ID, UserID: rec.UserID, Attempt: 1}
}

func view(t *testing.T, store *memory.Store, task model.EnrichmentTask) *model.RecordView {
	t.Helper()
	v, err := store.Get(context.Background(), task.UserID, task.RecordID)
	require.NoError(t, err)
	return v
}

func TestPipeline_Success(t *testing.T) {
	store := memory.New(nil)
	gen := &fakeGen{out: chickenAnswer}
	task := submit(t, store, "grilled chicken, rice")

	newPipeline(store, gen, Config{}).Process(context.Background(), task)

	v := view(t, store, task)
	require.Equal(t, model.StateEnriched, v.Record.State)
	require.Equal(t, "Grilled chicken with rice", v.Record.Title)
	require.NotNil(t, v.Snapshot)
	require.Equal(t, 550.0, v.Snapshot.Nutrients.Calories)
	require.Equal(t, model.SourceModel, v.Snapshot.Source)
	require.Len(t, v.Snapshot.Items, 2)
	require.Equal(t, 1, store.ActiveCount(task.RecordID))

	require.Len(t, gen.prompts, 1)
	require.True(t, gen.prompts[0].JSON)
	require.Contains(t, gen.prompts[0].User, "grilled chicken, rice")
}

func TestPipeline_Failures(t *testing.T) {
	tests := []struct {
		name   string
		gen    *fakeGen
		cfg    Config
		reason string
	}{
		{name: "model error", gen: &fakeGen{err: errors.New("quota exceeded")}, reason: "model call failed"},
		{name: "malformed answer", gen: &fakeGen{out: `{"title": "Soup", "calories": `}, reason: "parse model answer failed"},
		{name: "invalid values", gen: &fakeGen{out: `{"title":"Soup","calories":-5,"confidence":3}`}, reason: "parse model answer failed"},
		{name: "prose answer", gen: &fakeGen{out: "This looks like a healthy bowl of soup with vegetables."}, reason: "parse model answer failed"},
		{name: "timeout", gen: &fakeGen{block: true}, cfg: Config{TaskTimeout: 20 * time.Millisecond}, reason: "model call failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New(nil)
			task := submit(t, store, "soup")

			newPipeline(store, tt.gen, tt.cfg).Process(context.Background(), task)

			v := view(t, store, task)
			require.Equal(t, model.StateFailed, v.Record.State)
			require.Equal(t, tt.reason, v.Record.FailureReason)
			require.Nil(t, v.Snapshot)
			require.Equal(t, int32(1), tt.gen.calls.Load(), "model call is never retried")
		})
	}
}

func TestPipeline_SkipsSupersededTask(t *testing.T) {
	store := memory.New(nil)
	gen := &fakeGen{out: chickenAnswer}
	task := submit(t, store, "grilled chicken, rice")
	p := newPipeline(store, gen, Config{})

	require.NoError(t, store.Fail(context.Background(), task, "model call failed"))
	next, err := store.Reopen(context.Background(), task.UserID, task.RecordID)
	require.NoError(t, err)

	p.Process(context.Background(), task)
	require.Equal(t, int32(0), gen.calls.Load())
	require.Equal(t, model.StatePending, view(t, store, task).Record.State)

	p.Process(context.Background(), next)
	require.Equal(t, model.StateEnriched, view(t, store, task).Record.State)
}

func TestPipeline_DeletedRecord(t *testing.T) {
	store := memory.New(nil)
	gen := &fakeGen{out: chickenAnswer}
	task := submit(t, store, "toast")
	require.NoError(t, store.Delete(context.Background(), task.UserID, task.RecordID))

	newPipeline(store, gen, Config{}).Process(context.Background(), task)
	require.Equal(t, int32(0), gen.calls.Load())
}

func TestPipeline_CanceledContextStillReachesTerminalState(t *testing.T) {
	store := memory.New(nil)
	task := submit(t, store, "soup")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	newPipeline(store, &fakeGen{block: true}, Config{}).Process(ctx, task)
	require.Equal(t, model.StateFailed, view(t, store, task).Record.State)
}

func TestQueue_RunsAndDrains(t *testing.T) {
	store := memory.New(nil)
	gen := &fakeGen{out: chickenAnswer}
	q := NewQueue(newPipeline(store, gen, Config{}), 16, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	var tasks []model.EnrichmentTask
	for i := 0; i < 8; i++ {
		task := submit(t, store, "meal")
		tasks = append(tasks, task)
		q.Dispatch(ctx, task)
	}

	require.Eventually(t, func() bool {
		for _, task := range tasks {
			v, err := store.Get(context.Background(), task.UserID, task.RecordID)
			if err != nil || v.Record.State != model.StateEnriched {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	late := submit(t, store, "late snack")
	q.Dispatch(context.Background(), late)
	v := view(t, store, late)
	require.Equal(t, model.StateFailed, v.Record.State)
	require.Equal(t, "enrichment service stopped", v.Record.FailureReason)
}

func TestQueue_FullRejectsImmediately(t *testing.T) {
	store := memory.New(nil)
	q := NewQueue(newPipeline(store, &fakeGen{out: chickenAnswer}, Config{}), 1, 1, nil)

	first := submit(t, store, "first")
	second := submit(t, store, "second")
	q.Dispatch(context.Background(), first)
	q.Dispatch(context.Background(), second)

	require.Equal(t, model.StatePending, view(t, store, first).Record.State)
	v := view(t, store, second)
	require.Equal(t, model.StateFailed, v.Record.State)
	require.Equal(t, "enrichment queue full", v.Record.FailureReason)

	// stopping before any worker picked the task up rejects it
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
	require.Equal(t, model.StateFailed, view(t, store, first).Record.State)
}

func TestSweeper_FailsStalePending(t *testing.T) {
	store := memory.New(nil)
	stale := submit(t, store, "old")
	submit(t, store, "older")

	p := newPipeline(store, &fakeGen{}, Config{})
	s := NewSweeper(store, p, 10*time.Minute, 0, nil)
	s.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "enrichment interrupted", view(t, store, stale).Record.FailureReason)

	s.now = time.Now
	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
