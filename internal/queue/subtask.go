package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubtaskJob is the JSON record dispatched onto a named subtask queue by
// the scheduler's decision.
type SubtaskJob struct {
	SubtaskID  string    `json:"subtask_id"`
	RunID      string    `json:"run_id"`
	TaskType   string    `json:"task_type"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	Affinity   string    `json:"affinity,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SubtaskQueue fans subtasks out onto the named worker queues the
// scheduler maps task types to (workers.subtask, workers.browser, ...).
// Each queue is one Redis list plus a delayed zset holding retry jobs
// until their backoff elapses, and a processing hash mirroring the run
// queue's crash-safety contract.
type SubtaskQueue struct {
	client *redis.Client
	prefix string
}

func NewSubtaskQueue(client *redis.Client, prefix string) *SubtaskQueue {
	return &SubtaskQueue{client: client, prefix: prefix}
}

func (q *SubtaskQueue) listKey(queueName string) string {
	return q.prefix + "subtasks:" + queueName
}

func (q *SubtaskQueue) delayedKey(queueName string) string {
	return q.prefix + "subtasks:" + queueName + ":delayed"
}

func (q *SubtaskQueue) processingKey(queueName string) string {
	return q.prefix + "subtasks:" + queueName + ":processing"
}

func (q *SubtaskQueue) deadKey(queueName string) string {
	return q.prefix + "subtasks:" + queueName + ":failed"
}

// Enqueue pushes a job onto queueName, deferred by delay when the
// scheduler computed a retry backoff. High-priority jobs go to the front
// of the list so they dequeue before older normal-priority work.
func (q *SubtaskQueue) Enqueue(ctx context.Context, queueName string, job SubtaskJob, delay time.Duration) error {
	job.EnqueuedAt = time.Now().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling subtask job: %w", err)
	}
	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		return q.client.ZAdd(ctx, q.delayedKey(queueName), redis.Z{Score: due, Member: payload}).Err()
	}
	if job.Priority > 1 {
		return q.client.LPush(ctx, q.listKey(queueName), payload).Err()
	}
	return q.client.RPush(ctx, q.listKey(queueName), payload).Err()
}

// promoteDue moves delayed jobs whose backoff has elapsed onto the live
// list.
func (q *SubtaskQueue) promoteDue(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(queueName), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, payload := range due {
		if err := q.client.ZRem(ctx, q.delayedKey(queueName), payload).Err(); err != nil {
			return err
		}
		if err := q.client.RPush(ctx, q.listKey(queueName), payload).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue pops the next job from queueName, blocking up to timeout, then
// records it in the processing hash with a separate command; a job popped
// by a worker that dies before that second command is in neither.
func (q *SubtaskQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*SubtaskJob, error) {
	if err := q.promoteDue(ctx, queueName); err != nil {
		return nil, fmt.Errorf("promoting delayed subtasks: %w", err)
	}

	popCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := q.client.BLPop(popCtx, timeout, q.listKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing subtask: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job SubtaskJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling subtask job: %w", err)
	}
	if err := q.client.HSet(ctx, q.processingKey(queueName), job.SubtaskID, result[1]).Err(); err != nil {
		return nil, fmt.Errorf("marking subtask processing: %w", err)
	}
	return &job, nil
}

// Complete removes a finished job from the processing hash.
func (q *SubtaskQueue) Complete(ctx context.Context, queueName, subtaskID string) error {
	return q.client.HDel(ctx, q.processingKey(queueName), subtaskID).Err()
}

// Fail removes the job from processing and either re-enqueues it with
// the given backoff (retry=true) or moves it to the queue's dead-letter
// list.
func (q *SubtaskQueue) Fail(ctx context.Context, queueName string, job SubtaskJob, errText string, retry bool, backoff time.Duration) error {
	if err := q.client.HDel(ctx, q.processingKey(queueName), job.SubtaskID).Err(); err != nil {
		return fmt.Errorf("removing subtask from processing: %w", err)
	}
	if retry {
		job.Attempt++
		return q.Enqueue(ctx, queueName, job, backoff)
	}
	dead := struct {
		SubtaskJob
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failed_at"`
	}{SubtaskJob: job, Error: errText, FailedAt: time.Now().UTC()}
	payload, err := json.Marshal(dead)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.deadKey(queueName), payload).Err()
}

// Depth returns the live-list length of a named subtask queue.
func (q *SubtaskQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, q.listKey(queueName)).Result()
}
