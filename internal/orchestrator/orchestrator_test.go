package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"forge.control/internal/logging"
	"forge.control/internal/model"
	"forge.control/internal/queue"
	"forge.control/internal/scheduler"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	q := queue.NewQueueFromClient(client, 5)
	store := newFakeStore()
	sched := scheduler.New(scheduler.DefaultConfig(), nil)
	log := logging.NewLogger(nil, nil)
	return New(store, q, sched, log), store
}

func TestRunOnceHappyPathNoSubtasks(t *testing.T) {
	ctx := context.Background()
	orch, store := newTestOrchestrator(t)

	run := &model.Run{UserID: "user-1", Plan: []model.Phase{{Number: 1, Name: "list files"}}}
	require.NoError(t, orch.SubmitRun(ctx, run))

	progressed, err := orch.RunOnce(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, progressed)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, got.State)
}

func TestRunOnceFailsValidationWithoutUser(t *testing.T) {
	ctx := context.Background()
	orch, store := newTestOrchestrator(t)

	run := &model.Run{Plan: []model.Phase{{Number: 1, Name: "x"}}}
	require.NoError(t, orch.SubmitRun(ctx, run))

	_, err := orch.RunOnce(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, got.State)
}

func TestRunOnceEmptyQueueReturnsFalse(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t)

	progressed, err := orch.RunOnce(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, progressed)
}

func TestRunWithoutPlanFails(t *testing.T) {
	ctx := context.Background()
	orch, store := newTestOrchestrator(t)

	run := &model.Run{UserID: "user-1"}
	require.NoError(t, orch.SubmitRun(ctx, run))

	_, err := orch.RunOnce(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, got.State)
}
