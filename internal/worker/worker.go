// Package worker consumes the named subtask queues the scheduler
// dispatches onto, executing each subtask attempt inside a pooled
// sandbox (or against the Model Client for model-backed task types) and
// walking the subtask state machine through queued -> running ->
// completed/failed, with failed -> pending retries under exponential
// backoff. Concurrency is sized per queue: one worker count per named
// queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"forge.control/internal/durable"
	"forge.control/internal/logging"
	"forge.control/internal/model"
	"forge.control/internal/queue"
	"forge.control/internal/sandbox"
	"forge.control/internal/scheduler"
)

// Config sizes the pool: queue name -> concurrent worker count.
type Config struct {
	WorkerID        string
	Queues          map[string]int
	DequeueTimeout  time.Duration
	MaxAttempts     int
	DefaultTemplate string
}

func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID: workerID,
		Queues: map[string]int{
			"workers.subtask":    5,
			"workers.browser":    2,
			"workers.synthesis":  2,
			"workers.validation": 2,
			"workers.default":    1,
		},
		DequeueTimeout:  5 * time.Second,
		MaxAttempts:     5,
		DefaultTemplate: "base",
	}
}

// Pool runs N workers per named queue.
type Pool struct {
	cfg       Config
	subq      *queue.SubtaskQueue
	store     durable.Store
	registry  *Registry
	sandboxes *sandbox.Pool
	sched     *scheduler.Scheduler
	log       *logging.Logger
}

func NewPool(cfg Config, subq *queue.SubtaskQueue, store durable.Store, registry *Registry, sandboxes *sandbox.Pool, sched *scheduler.Scheduler, log *logging.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		subq:      subq,
		store:     store,
		registry:  registry,
		sandboxes: sandboxes,
		sched:     sched,
		log:       log,
	}
}

// Start blocks running every worker loop until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for queueName, count := range p.cfg.Queues {
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func(queueName string, id int) {
				defer wg.Done()
				p.workerLoop(ctx, queueName, id)
			}(queueName, i)
		}
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, queueName string, id int) {
	log := p.log.WithFields(map[string]any{"queue": queueName, "worker": id})
	log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		default:
		}
		if err := p.ProcessNext(ctx, queueName); err != nil {
			log.WithError(err).Warn("worker iteration failed")
			time.Sleep(time.Second)
		}
	}
}

// ProcessNext dequeues and executes a single subtask attempt from
// queueName; a nil error with no job available is a normal idle tick.
func (p *Pool) ProcessNext(ctx context.Context, queueName string) error {
	job, err := p.subq.Dequeue(ctx, queueName, p.cfg.DequeueTimeout)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return nil
	}

	log := p.log.WithFields(map[string]any{"subtask_id": job.SubtaskID, "run_id": job.RunID})

	st, err := p.store.GetSubtask(ctx, job.SubtaskID)
	if err != nil {
		return fmt.Errorf("loading subtask %s: %w", job.SubtaskID, err)
	}
	run, err := p.store.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", job.RunID, err)
	}

	// A cancelled or timed-out run's queued subtasks are dropped at the
	// next control visit rather than executed.
	if model.IsRunTerminal(run.State) {
		if _, err := p.store.TransitionSubtaskState(ctx, st.ID, st.State, model.SubtaskCancelled, st.StateVersion, "run is terminal"); err != nil {
			log.WithError(err).Warn("cancelling orphaned subtask")
		}
		return p.subq.Complete(ctx, queueName, st.ID)
	}

	st, err = p.store.TransitionSubtaskState(ctx, st.ID, model.SubtaskQueued, model.SubtaskRunning, st.StateVersion, "picked up by "+p.cfg.WorkerID)
	if err != nil {
		// Another worker won the CAS; leave the job to them.
		log.WithError(err).Warn("subtask already claimed")
		return p.subq.Complete(ctx, queueName, job.SubtaskID)
	}

	result, execErr := p.execute(ctx, *run, *st)
	if execErr != nil {
		return p.handleFailure(ctx, queueName, *job, *run, *st, execErr, log)
	}

	if err := p.store.SaveSubtaskOutput(ctx, st.ID, result.Output); err != nil {
		log.WithError(err).Warn("saving subtask output")
	}
	if _, err := p.store.TransitionSubtaskState(ctx, st.ID, model.SubtaskRunning, model.SubtaskCompleted, st.StateVersion, ""); err != nil {
		return fmt.Errorf("completing subtask %s: %w", st.ID, err)
	}
	log.Info("subtask completed")
	return p.subq.Complete(ctx, queueName, st.ID)
}

func (p *Pool) execute(ctx context.Context, run model.Run, st model.Subtask) (result *ExecResult, err error) {
	ex, err := p.registry.For(st.TaskType)
	if err != nil {
		return nil, err
	}

	req := ExecRequest{Run: run, Subtask: st}
	if ex.NeedsSandbox() {
		sbx, acqErr := p.sandboxes.Acquire(ctx, run.ID, p.templateFor(st))
		if acqErr != nil {
			return nil, fmt.Errorf("acquiring sandbox: %w", acqErr)
		}
		if sbx == nil {
			// Pool at capacity reads as transient so the attempt retries.
			return nil, fmt.Errorf("sandbox pool temporarily at capacity")
		}
		req.Sandbox = sbx
		defer func() {
			if relErr := p.sandboxes.Release(ctx, sbx.ID, err == nil); relErr != nil {
				p.log.WithField("sandbox_id", sbx.ID).WithError(relErr).Warn("releasing sandbox")
			}
		}()
	}

	return ex.Execute(ctx, req)
}

func (p *Pool) templateFor(st model.Subtask) string {
	var in struct {
		Template string `json:"template,omitempty"`
	}
	if len(st.Input) > 0 {
		_ = json.Unmarshal(st.Input, &in)
	}
	if in.Template != "" {
		return in.Template
	}
	return p.cfg.DefaultTemplate
}

func (p *Pool) handleFailure(ctx context.Context, queueName string, job queue.SubtaskJob, run model.Run, st model.Subtask, execErr error, log *logging.Logger) error {
	log.WithError(execErr).Warn("subtask attempt failed")

	st2, err := p.store.TransitionSubtaskState(ctx, st.ID, model.SubtaskRunning, model.SubtaskFailed, st.StateVersion, execErr.Error())
	if err != nil {
		return fmt.Errorf("failing subtask %s: %w", st.ID, err)
	}

	retryable := queue.IsTransient(execErr.Error(), nil) || isRetryableClass(execErr)
	if retryable && st2.AttemptCount < p.cfg.MaxAttempts {
		// failed -> pending bumps attempt_count inside TransitionSubtaskState.
		st3, err := p.store.TransitionSubtaskState(ctx, st2.ID, model.SubtaskFailed, model.SubtaskPending, st2.StateVersion, "retrying")
		if err != nil {
			return fmt.Errorf("resetting subtask %s for retry: %w", st2.ID, err)
		}
		decision := p.sched.Schedule(run, *st3, true, time.Now())
		if _, err := p.store.TransitionSubtaskState(ctx, st3.ID, model.SubtaskPending, model.SubtaskQueued, st3.StateVersion, "retry dispatched"); err != nil {
			return fmt.Errorf("re-queuing subtask %s: %w", st3.ID, err)
		}
		job.TaskType = st3.TaskType
		job.Priority = decision.Priority
		return p.subq.Fail(ctx, queueName, job, execErr.Error(), true, time.Duration(decision.DelaySeconds)*time.Second)
	}

	return p.subq.Fail(ctx, queueName, job, execErr.Error(), false, 0)
}

// isRetryableClass widens the queue's text-keyword classification with
// error classes the worker knows are transient regardless of wording.
func isRetryableClass(err error) bool {
	return err == context.DeadlineExceeded
}
