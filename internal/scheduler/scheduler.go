// Package scheduler maps a subtask and its run onto a queue name,
// priority, retry delay, and worker affinity. The queue-name-by-task-type
// map follows the same static-dispatch-table idiom as the worker pool's
// per-queue concurrency map.
package scheduler

import (
	"math"
	"time"

	"forge.control/internal/model"
)

const defaultQueue = "workers.default"

// QueueMap assigns a task_type to a named queue; unmapped types fall
// back to defaultQueue.
type QueueMap map[string]string

func DefaultQueueMap() QueueMap {
	return QueueMap{
		"shell":      "workers.subtask",
		"code":       "workers.subtask",
		"browser":    "workers.browser",
		"synthesis":  "workers.synthesis",
		"validation": "workers.validation",
	}
}

// Config holds the tunables the priority/delay formula reads.
type Config struct {
	BasePriority      int
	MaxPriority       int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	DeadlineUrgent    time.Duration // bump +3 if less than this remains
	DeadlineSoon      time.Duration // bump +1 if less than this remains
}

func DefaultConfig() Config {
	return Config{
		BasePriority:   1,
		MaxPriority:    10,
		BaseRetryDelay: 30 * time.Second,
		MaxRetryDelay:  15 * time.Minute,
		DeadlineUrgent: 10 * time.Minute,
		DeadlineSoon:   30 * time.Minute,
	}
}

// Decision is the output of scheduling a single subtask.
type Decision struct {
	QueueName       string
	Priority        int
	DelaySeconds    int
	WorkerAffinity  string
}

// Scheduler computes scheduling decisions for dispatchable subtasks.
type Scheduler struct {
	cfg   Config
	queue QueueMap
}

func New(cfg Config, queueMap QueueMap) *Scheduler {
	if queueMap == nil {
		queueMap = DefaultQueueMap()
	}
	return &Scheduler{cfg: cfg, queue: queueMap}
}

// Schedule produces a Decision for a subtask belonging to run.
func (s *Scheduler) Schedule(run model.Run, st model.Subtask, isRetry bool, now time.Time) Decision {
	queueName, ok := s.queue[st.TaskType]
	if !ok {
		queueName = defaultQueue
	}

	priority := s.cfg.BasePriority
	if run.DeadlineAt != nil {
		remaining := run.DeadlineAt.Sub(now)
		switch {
		case remaining < s.cfg.DeadlineUrgent:
			priority += 3
		case remaining < s.cfg.DeadlineSoon:
			priority += 1
		}
	}
	if isRetry {
		priority -= 1
	}
	if st.TaskType == "synthesis" {
		priority += 2
	}
	priority = clamp(priority, 1, s.cfg.MaxPriority)

	delay := 0
	if isRetry && st.AttemptCount > 0 {
		backoff := s.cfg.BaseRetryDelay * time.Duration(math.Pow(2, float64(st.AttemptCount-1)))
		if backoff > s.cfg.MaxRetryDelay {
			backoff = s.cfg.MaxRetryDelay
		}
		delay = int(backoff.Seconds())
	}

	affinity := ""
	if st.CheckpointID != "" {
		affinity = st.AssignedWorkerID
	}

	return Decision{
		QueueName:      queueName,
		Priority:       priority,
		DelaySeconds:   delay,
		WorkerAffinity: affinity,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
