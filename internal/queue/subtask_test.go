package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestSubtaskQueue(t *testing.T) *SubtaskQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSubtaskQueue(client, "")
}

func TestSubtaskQueueFIFOWithinQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestSubtaskQueue(t)

	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "s1", RunID: "r1", Priority: 1}, 0))
	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "s2", RunID: "r1", Priority: 1}, 0))

	job, err := q.Dequeue(ctx, "workers.subtask", 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "s1", job.SubtaskID)
}

func TestSubtaskQueueHighPriorityJumpsAhead(t *testing.T) {
	ctx := context.Background()
	q := newTestSubtaskQueue(t)

	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "normal", Priority: 1}, 0))
	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "urgent", Priority: 5}, 0))

	job, err := q.Dequeue(ctx, "workers.subtask", 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "urgent", job.SubtaskID)
}

func TestSubtaskQueueDelayedJobPromotesWhenDue(t *testing.T) {
	ctx := context.Background()
	q := newTestSubtaskQueue(t)

	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "later", Priority: 1}, time.Hour))

	job, err := q.Dequeue(ctx, "workers.subtask", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, job, "a delayed job must not surface before its backoff elapses")

	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "soon", Priority: 1}, 5*time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	job, err = q.Dequeue(ctx, "workers.subtask", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "soon", job.SubtaskID)
}

func TestSubtaskQueueFailRetriesWithBumpedAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestSubtaskQueue(t)

	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "s1", Priority: 1}, 0))
	job, err := q.Dequeue(ctx, "workers.subtask", 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "workers.subtask", *job, "connection timeout", true, 0))

	retried, err := q.Dequeue(ctx, "workers.subtask", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, retried)
	require.Equal(t, 1, retried.Attempt)
}

func TestSubtaskQueueFailDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestSubtaskQueue(t)

	require.NoError(t, q.Enqueue(ctx, "workers.subtask", SubtaskJob{SubtaskID: "s1", Priority: 1}, 0))
	job, err := q.Dequeue(ctx, "workers.subtask", 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "workers.subtask", *job, "bad input", false, 0))

	depth, err := q.Depth(ctx, "workers.subtask")
	require.NoError(t, err)
	require.EqualValues(t, 0, depth)

	next, err := q.Dequeue(ctx, "workers.subtask", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, next)
}
