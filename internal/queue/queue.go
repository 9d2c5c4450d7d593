// Package queue implements the Redis-backed priority/retry/dead-letter
// job queue: five logical lists (pending, high_priority, processing,
// retry, failed) addressed through atomic Redis commands, plus the named
// per-worker subtask queues the scheduler dispatches onto.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"forge.control/internal/metrics"
)

const (
	listPending      = "jobs:pending"
	listHighPriority = "jobs:high_priority"
	listProcessing   = "jobs:processing"
	listRetry        = "jobs:retry"
	listFailed       = "jobs:failed"
)

// Job is the JSON record stored in each list.
type Job struct {
	RunID      string    `json:"run_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	RetryAt    time.Time `json:"retry_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	FailedAt   time.Time `json:"failed_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// defaultTransientKeywords is the closed keyword set a failure's error
// text is matched against to classify it as transient.
var defaultTransientKeywords = []string{
	"timeout", "connection", "unavailable", "rate limit", "temporarily",
	"502", "503", "504",
}

// Config configures the queue client.
type Config struct {
	RedisURL          string
	KeyPrefix         string
	MaxRetries        int
	TransientKeywords []string
}

// Queue is the five-list Redis job queue.
type Queue struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	transient  []string
}

func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	url := cfg.RedisURL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = ""
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	transient := cfg.TransientKeywords
	if len(transient) == 0 {
		transient = defaultTransientKeywords
	}

	return &Queue{client: client, prefix: prefix, maxRetries: maxRetries, transient: transient}, nil
}

// NewQueueFromClient wraps an existing *redis.Client, used by tests with
// a miniredis-backed client.
func NewQueueFromClient(client *redis.Client, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Queue{client: client, maxRetries: maxRetries, transient: defaultTransientKeywords}
}

func (q *Queue) Close() error { return q.client.Close() }

func (q *Queue) key(name string) string { return q.prefix + name }

// Enqueue appends a job to high_priority if priority > 0, else pending.
func (q *Queue) Enqueue(ctx context.Context, runID string, priority, retryCount int) error {
	job := Job{RunID: runID, EnqueuedAt: time.Now().UTC(), Priority: priority, RetryCount: retryCount}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	list := listPending
	if priority > 0 {
		list = listHighPriority
	}
	if err := q.client.RPush(ctx, q.key(list), payload).Err(); err != nil {
		return err
	}
	metrics.JobsEnqueued.WithLabelValues(list).Inc()
	return nil
}

// Dequeue performs a blocking multi-list pop in strict priority order
// (high_priority -> retry -> pending), then pushes the job onto processing
// with a second command. The pop and the push are not one atomic step: a
// job popped by a process that dies before the push is in no list.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	keys := []string{q.key(listHighPriority), q.key(listRetry), q.key(listPending)}

	popCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := q.client.BLPop(popCtx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	if err := q.markProcessing(ctx, job); err != nil {
		return nil, fmt.Errorf("moving job to processing: %w", err)
	}
	metrics.JobsDequeued.Inc()
	return &job, nil
}

func (q *Queue) markProcessing(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key(listProcessing), payload).Err()
}

// removeProcessing scans the processing list for runID's entry and
// removes that exact payload, returning the job it held.
func (q *Queue) removeProcessing(ctx context.Context, runID string) (*Job, error) {
	entries, err := q.client.LRange(ctx, q.key(listProcessing), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning processing list: %w", err)
	}
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.RunID != runID {
			continue
		}
		if err := q.client.LRem(ctx, q.key(listProcessing), 1, raw).Err(); err != nil {
			return nil, fmt.Errorf("removing from processing: %w", err)
		}
		return &job, nil
	}
	return nil, nil
}

// MarkComplete scans processing and removes the matching entry.
func (q *Queue) MarkComplete(ctx context.Context, runID string) error {
	_, err := q.removeProcessing(ctx, runID)
	return err
}

// MarkFailed removes the job from processing, then either re-enqueues to
// retry with an updated retry_count (if the error is transient and
// retryCount has not yet reached the max) or moves it to the dead-letter
// failed list.
func (q *Queue) MarkFailed(ctx context.Context, runID, errText string, retryCount int) error {
	found, err := q.removeProcessing(ctx, runID)
	if err != nil {
		return err
	}
	var job Job
	if found != nil {
		job = *found
	}
	job.RunID = runID

	if IsTransient(errText, q.transient) && retryCount < q.maxRetries {
		job.RetryCount = retryCount + 1
		job.LastError = errText
		job.RetryAt = time.Now().UTC()
		payload, err := json.Marshal(job)
		if err != nil {
			return err
		}
		metrics.JobsFailed.WithLabelValues("retry").Inc()
		return q.client.RPush(ctx, q.key(listRetry), payload).Err()
	}

	job.Error = errText
	job.FailedAt = time.Now().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	metrics.JobsFailed.WithLabelValues("dead_letter").Inc()
	return q.client.RPush(ctx, q.key(listFailed), payload).Err()
}

// IsTransient reports whether errText matches the closed transient
// keyword set, case-insensitively. A nil keyword slice uses the default
// set.
func IsTransient(errText string, keywords []string) bool {
	if len(keywords) == 0 {
		keywords = defaultTransientKeywords
	}
	lower := strings.ToLower(errText)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Depth returns the number of entries in a named logical list, for
// metrics and the scheduler's queue-depth-aware decisions. All five
// queues are plain lists, processing included.
func (q *Queue) Depth(ctx context.Context, list string) (int64, error) {
	return q.client.LLen(ctx, q.key(list)).Result()
}

// ProcessingRunIDs lists every run currently marked processing, used by
// the reconciliation sidecar to detect abandoned jobs.
func (q *Queue) ProcessingRunIDs(ctx context.Context) ([]string, error) {
	entries, err := q.client.LRange(ctx, q.key(listProcessing), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		ids = append(ids, job.RunID)
	}
	return ids, nil
}

// Reconcile periodically runs in the background, enqueuing into pending
// every run id queuedRunIDs reports that has no entry in any of the five
// lists, recovering from broker data loss.
func Reconcile(ctx context.Context, q *Queue, interval time.Duration, queuedRunIDs func(ctx context.Context) ([]string, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runIDs, err := queuedRunIDs(ctx)
			if err != nil {
				continue
			}
			processing, err := q.ProcessingRunIDs(ctx)
			if err != nil {
				continue
			}
			inQueue := make(map[string]bool, len(processing))
			for _, id := range processing {
				inQueue[id] = true
			}
			for _, list := range []string{listHighPriority, listRetry, listPending, listFailed} {
				entries, _ := q.client.LRange(ctx, q.key(list), 0, -1).Result()
				for _, raw := range entries {
					var job Job
					if json.Unmarshal([]byte(raw), &job) == nil {
						inQueue[job.RunID] = true
					}
				}
			}
			for _, id := range runIDs {
				if !inQueue[id] {
					_ = q.Enqueue(ctx, id, 0, 0)
				}
			}
		}
	}
}
