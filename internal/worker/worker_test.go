package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"forge.control/internal/billing"
	"forge.control/internal/billing/tokencount"
	"forge.control/internal/durable"
	"forge.control/internal/logging"
	"forge.control/internal/model"
	"forge.control/internal/modelclient"
	"forge.control/internal/queue"
	"forge.control/internal/sandbox"
	"forge.control/internal/scheduler"
)

// fakeBackend is an in-memory Executor Backend whose Exec output is
// scripted per command.
type fakeBackend struct {
	mu      sync.Mutex
	started int
	files   map[string][]byte
	exec    func(cmd []string) (string, int, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		files: map[string][]byte{},
		exec:  func(cmd []string) (string, int, error) { return "", 0, nil },
	}
}

func (b *fakeBackend) Start(ctx context.Context, template string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	return fmt.Sprintf("handle-%d", b.started), nil
}

func (b *fakeBackend) Exec(ctx context.Context, handle string, cmd []string) (string, int, error) {
	return b.exec(cmd)
}

func (b *fakeBackend) Write(ctx context.Context, handle, path string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[path] = content
	return nil
}

func (b *fakeBackend) Read(ctx context.Context, handle, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.files[path], nil
}

func (b *fakeBackend) Kill(ctx context.Context, handle string) error { return nil }

func testLogger() *logging.Logger {
	return logging.ServiceLogger(logging.New(logging.DefaultConfig("test")), "test", "test")
}

type fixture struct {
	store   *durable.MemoryStore
	subq    *queue.SubtaskQueue
	backend *fakeBackend
	sandbox *sandbox.Pool
	pool    *Pool
	reg     *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := durable.NewMemoryStore()
	subq := queue.NewSubtaskQueue(client, "")
	backend := newFakeBackend()
	sbCfg := sandbox.DefaultConfig()
	sbCfg.MinPoolSize = 0
	pool := sandbox.New(sbCfg, backend, testLogger())

	schedCfg := scheduler.DefaultConfig()
	schedCfg.BaseRetryDelay = 0 // retries must be immediately poppable in tests
	sched := scheduler.New(schedCfg, scheduler.DefaultQueueMap())

	reg := NewRegistry(&ShellExecutor{Pool: pool}, &CodeExecutor{Pool: pool})
	wCfg := DefaultConfig("test-worker")
	wCfg.DequeueTimeout = 100 * time.Millisecond
	wCfg.MaxAttempts = 3

	return &fixture{
		store:   store,
		subq:    subq,
		backend: backend,
		sandbox: pool,
		reg:     reg,
		pool:    NewPool(wCfg, subq, store, reg, pool, sched, testLogger()),
	}
}

// seedRun creates a run advanced to executing with one queued subtask of
// taskType, and pushes the matching job onto queueName.
func (f *fixture) seedRun(t *testing.T, queueName, taskType string, input any) *model.Subtask {
	t.Helper()
	ctx := context.Background()

	run := &model.Run{UserID: "u1", OrgID: "org1", Priority: 1}
	require.NoError(t, f.store.CreateRun(ctx, run))
	steps := []struct {
		from, to model.RunState
	}{
		{model.RunCreated, model.RunValidating},
		{model.RunValidating, model.RunPlanning},
		{model.RunPlanning, model.RunExecuting},
	}
	version := int64(1)
	for _, s := range steps {
		res, err := f.store.TransitionRunState(ctx, run.ID, s.from, s.to, version, "test", "")
		require.NoError(t, err)
		version = res.StateVersion
	}

	raw, err := json.Marshal(input)
	require.NoError(t, err)
	st := &model.Subtask{RunID: run.ID, TaskType: taskType, Input: raw}
	require.NoError(t, f.store.CreateSubtask(ctx, st))
	_, err = f.store.TransitionSubtaskState(ctx, st.ID, model.SubtaskPending, model.SubtaskQueued, 1, "dispatched")
	require.NoError(t, err)

	require.NoError(t, f.subq.Enqueue(ctx, queueName, queue.SubtaskJob{
		SubtaskID: st.ID, RunID: run.ID, TaskType: taskType, Priority: 1,
	}, 0))
	return st
}

func TestShellSubtaskCompletes(t *testing.T) {
	f := newFixture(t)
	f.backend.exec = func(cmd []string) (string, int, error) {
		return "file1\nfile2\n", 0, nil
	}
	st := f.seedRun(t, "workers.subtask", "shell", map[string]string{"command": "ls"})

	require.NoError(t, f.pool.ProcessNext(context.Background(), "workers.subtask"))

	got, err := f.store.GetSubtask(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskCompleted, got.State)
	require.Equal(t, "file1\nfile2\n", string(got.Output))

	// The sandbox went back to the warm pool after a healthy run.
	snaps := f.sandbox.Snapshot()
	require.Len(t, snaps, 1)
	require.Equal(t, model.SandboxReady, snaps[0].State)
	require.EqualValues(t, 1, snaps[0].Metrics.ExecutionCount)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.backend.exec = func(cmd []string) (string, int, error) {
		calls++
		if calls == 1 {
			return "", 0, fmt.Errorf("connection reset by peer")
		}
		return "ok", 0, nil
	}
	st := f.seedRun(t, "workers.subtask", "shell", map[string]string{"command": "flaky"})

	require.NoError(t, f.pool.ProcessNext(context.Background(), "workers.subtask"))

	mid, err := f.store.GetSubtask(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskQueued, mid.State, "transient failure re-queues through failed -> pending -> queued")
	require.Equal(t, 1, mid.AttemptCount)

	require.NoError(t, f.pool.ProcessNext(context.Background(), "workers.subtask"))

	got, err := f.store.GetSubtask(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskCompleted, got.State)
	require.Equal(t, 1, got.AttemptCount, "a single retry leaves attempt_count at 1")
}

func TestPermanentFailureDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.backend.exec = func(cmd []string) (string, int, error) {
		return "no such file or directory", 1, nil
	}
	st := f.seedRun(t, "workers.subtask", "shell", map[string]string{"command": "cat /missing"})

	require.NoError(t, f.pool.ProcessNext(context.Background(), "workers.subtask"))

	got, err := f.store.GetSubtask(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskFailed, got.State)

	// No retry job was produced.
	depth, err := f.subq.Depth(context.Background(), "workers.subtask")
	require.NoError(t, err)
	require.EqualValues(t, 0, depth)
}

func TestTerminalRunCancelsQueuedSubtask(t *testing.T) {
	f := newFixture(t)
	st := f.seedRun(t, "workers.subtask", "shell", map[string]string{"command": "ls"})

	run, err := f.store.GetRun(context.Background(), st.RunID)
	require.NoError(t, err)
	_, err = f.store.TransitionRunState(context.Background(), run.ID, model.RunExecuting, model.RunCancelled, run.StateVersion, "test", "user cancelled")
	require.NoError(t, err)

	require.NoError(t, f.pool.ProcessNext(context.Background(), "workers.subtask"))

	got, err := f.store.GetSubtask(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskCancelled, got.State)
}

func TestModelExecutorBillsIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetBalance("org1", decimal.NewFromInt(10), decimal.Zero)

	pricing := billing.NewPricingCache(f.store, nil, time.Hour)
	ledger := billing.New(f.store, tokencount.New(), pricing, billing.DefaultConfig(), testLogger())

	client := &scriptedClient{resp: &modelclient.Response{
		Text:  "summary",
		Usage: modelclient.Usage{InputTokens: 1000, OutputTokens: 500},
	}}
	ex := &ModelExecutor{Type: "synthesis", Client: client, Ledger: ledger, DefaultModel: "gpt-4o-mini", Provider: model.ProviderOpenAI}

	input, _ := json.Marshal(map[string]any{"prompt": "summarize the run"})
	req := ExecRequest{
		Run:     model.Run{ID: "run1", OrgID: "org1"},
		Subtask: model.Subtask{ID: "st1", RunID: "run1", TaskType: "synthesis", Input: input},
	}

	res, err := ex.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "summary", string(res.Output))

	// The same attempt re-executed (crashed worker) must not charge
	// twice.
	_, err = ex.Execute(ctx, req)
	require.NoError(t, err)

	key := "run1/st1/0"
	require.Equal(t, 1, f.store.TokenRecordCount(key))

	bal, err := f.store.GetCreditBalance(ctx, "org1")
	require.NoError(t, err)
	expected := decimal.NewFromInt(10).Sub(decimal.NewFromInt(1000).Div(decimal.NewFromInt(1_000_000)).Mul(decimal.NewFromFloat(0.15)).
		Add(decimal.NewFromInt(500).Div(decimal.NewFromInt(1_000_000)).Mul(decimal.NewFromFloat(0.6))))
	require.True(t, bal.BalanceUSD.Equal(expected), "balance %s != expected %s", bal.BalanceUSD, expected)
}

type scriptedClient struct {
	resp *modelclient.Response
}

func (c *scriptedClient) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Response, error) {
	return c.resp, nil
}
