// Package orchestrator drives a Run through its lifecycle: dequeue,
// fence, validate, plan, execute, synthesize, complete. All state lives
// in the Durable Store behind CAS transitions guarded by a fencing-token
// lease; the in-memory projection below is a read cache scoped to that
// lease, never the system of record.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"forge.control/internal/durable"
	"forge.control/internal/logging"
	"forge.control/internal/model"
	"forge.control/internal/queue"
	"forge.control/internal/scheduler"
)

// Lease couples a fencing token to a local, lease-scoped projection of
// the run it was acquired for. Callers must only mutate the run's state
// through the Orchestrator methods that take a Lease, never directly.
type Lease struct {
	Token     string
	ExpiresAt time.Time
	Run       model.Run
}

func (l Lease) Expired(now time.Time) bool { return now.After(l.ExpiresAt) }

// FencingTTL is the default lease duration acquired per driver iteration.
const FencingTTL = 2 * time.Minute

// Orchestrator binds the Queue, Durable Store, and Scheduler together
// into the driver loop described by the system overview's control flow.
type Orchestrator struct {
	store     durable.Store
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	log       *logging.Logger

	subq    *queue.SubtaskQueue // optional; when set, dispatch pushes real jobs
	planner Planner             // optional; when set, planning generates missing plans

	mu        sync.Mutex
	projected map[string]model.Run // lease-scoped read cache, runID -> last known state
}

// SetSubtaskQueue wires the named subtask queues dispatch pushes onto.
func (o *Orchestrator) SetSubtaskQueue(subq *queue.SubtaskQueue) { o.subq = subq }

// SetPlanner wires the planner used when a run arrives without a plan.
func (o *Orchestrator) SetPlanner(p Planner) { o.planner = p }

func New(store durable.Store, q *queue.Queue, sched *scheduler.Scheduler, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		queue:     q,
		scheduler: sched,
		log:       log,
		projected: make(map[string]model.Run),
	}
}

// SubmitRun creates a Run row and enqueues it for the driver loop.
func (o *Orchestrator) SubmitRun(ctx context.Context, run *model.Run) error {
	if err := o.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	if err := o.queue.Enqueue(ctx, run.ID, run.Priority, 0); err != nil {
		return fmt.Errorf("enqueuing run: %w", err)
	}
	return nil
}

// RunOnce dequeues a single job (blocking up to timeout) and drives it
// through one lifecycle pass. Intended to be called in a loop by a
// worker process; returns (false, nil) on an empty dequeue.
func (o *Orchestrator) RunOnce(ctx context.Context, dequeueTimeout time.Duration) (bool, error) {
	job, err := o.queue.Dequeue(ctx, dequeueTimeout)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := o.log.WithField("run_id", job.RunID)
	lease, err := o.acquire(ctx, job.RunID)
	if err != nil {
		log.WithError(err).Warn("failed to acquire fencing token, re-queuing")
		_ = o.queue.MarkFailed(ctx, job.RunID, err.Error(), job.RetryCount)
		return true, nil
	}
	defer o.release(ctx, lease)

	if err := o.drive(ctx, lease, log); err != nil {
		log.WithError(err).Error("run driver failed")
		if mfErr := o.queue.MarkFailed(ctx, job.RunID, err.Error(), job.RetryCount); mfErr != nil {
			return true, mfErr
		}
		return true, nil
	}

	return true, o.queue.MarkComplete(ctx, job.RunID)
}

func (o *Orchestrator) acquire(ctx context.Context, runID string) (*Lease, error) {
	fence, err := o.store.AcquireRunFencingToken(ctx, runID, FencingTTL)
	if err != nil {
		return nil, err
	}
	lease := &Lease{Token: fence.Token, ExpiresAt: fence.ExpiresAt, Run: *fence.Run}
	o.mu.Lock()
	o.projected[runID] = lease.Run
	o.mu.Unlock()
	return lease, nil
}

func (o *Orchestrator) release(ctx context.Context, lease *Lease) {
	if err := o.store.ReleaseRunFencingToken(ctx, lease.Run.ID, lease.Token); err != nil {
		o.log.WithField("run_id", lease.Run.ID).WithError(err).Warn("releasing fencing token")
	}
	o.mu.Lock()
	delete(o.projected, lease.Run.ID)
	o.mu.Unlock()
}

// drive advances a leased run through however many of its states it can
// make progress on in this pass, checking the deadline at each step.
func (o *Orchestrator) drive(ctx context.Context, lease *Lease, log *logging.Logger) error {
	for {
		if lease.Run.DeadlineAt != nil && time.Now().After(*lease.Run.DeadlineAt) {
			return o.transition(ctx, lease, model.RunTimeout, "deadline exceeded")
		}
		if lease.Expired(time.Now()) {
			return fmt.Errorf("fencing lease expired mid-drive")
		}

		switch lease.Run.State {
		case model.RunCreated:
			if err := o.transition(ctx, lease, model.RunValidating, "starting validation"); err != nil {
				return err
			}
		case model.RunValidating:
			if err := o.validate(ctx, lease); err != nil {
				return o.fail(ctx, lease, err)
			}
			if err := o.transition(ctx, lease, model.RunPlanning, "validation passed"); err != nil {
				return err
			}
		case model.RunPlanning:
			if len(lease.Run.Plan) == 0 && o.planner != nil {
				phases, err := o.planner.Plan(ctx, lease.Run)
				if err != nil {
					return o.fail(ctx, lease, fmt.Errorf("planning: %w", err))
				}
				if err := o.store.SaveRunPlan(ctx, lease.Run.ID, phases); err != nil {
					return fmt.Errorf("saving plan: %w", err)
				}
				lease.Run.Plan = phases
			}
			if len(lease.Run.Plan) == 0 {
				return o.fail(ctx, lease, fmt.Errorf("no plan produced"))
			}
			if err := o.ensureSubtasks(ctx, lease); err != nil {
				return o.fail(ctx, lease, err)
			}
			if err := o.transition(ctx, lease, model.RunExecuting, "plan approved"); err != nil {
				return err
			}
		case model.RunExecuting:
			done, err := o.dispatchSubtasks(ctx, lease, log)
			if err != nil {
				return o.fail(ctx, lease, err)
			}
			if !done {
				return nil // still in flight; driver will revisit on the next dequeue
			}
			if err := o.transition(ctx, lease, model.RunSynthesizing, "all subtasks complete"); err != nil {
				return err
			}
		case model.RunSynthesizing:
			if err := o.transition(ctx, lease, model.RunCompleted, "synthesis complete"); err != nil {
				return err
			}
			if _, err := o.store.ReconcileRun(ctx, lease.Run.ID); err != nil {
				log.WithError(err).Warn("reconciliation failed")
			}
			return nil
		case model.RunWaitingUser, model.RunPaused:
			// Nothing to drive until the user acts; the run re-enters the
			// queue when it transitions back to executing.
			return nil
		case model.RunCompleted, model.RunFailed, model.RunCancelled, model.RunTimeout:
			return nil
		default:
			return fmt.Errorf("unhandled run state %q", lease.Run.State)
		}
	}
}

func (o *Orchestrator) validate(ctx context.Context, lease *Lease) error {
	if lease.Run.UserID == "" {
		return fmt.Errorf("run missing user_id")
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, lease *Lease, cause error) error {
	if err := o.transition(ctx, lease, model.RunFailed, cause.Error()); err != nil {
		return err
	}
	return cause
}

func (o *Orchestrator) transition(ctx context.Context, lease *Lease, to model.RunState, reason string) error {
	res, err := o.store.TransitionRunState(ctx, lease.Run.ID, lease.Run.State, to, lease.Run.StateVersion, "orchestrator", reason)
	if err != nil {
		return fmt.Errorf("transitioning run %s -> %s: %w", lease.Run.ID, to, err)
	}
	lease.Run = *res.Run
	o.mu.Lock()
	o.projected[lease.Run.ID] = lease.Run
	o.mu.Unlock()
	return nil
}

// ensureSubtasks expands the plan into subtask rows if none exist yet.
func (o *Orchestrator) ensureSubtasks(ctx context.Context, lease *Lease) error {
	existing, err := o.store.ListSubtasks(ctx, lease.Run.ID)
	if err != nil {
		return fmt.Errorf("listing subtasks: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, st := range BuildSubtasks(lease.Run, lease.Run.Plan) {
		st := st
		if err := o.store.CreateSubtask(ctx, &st); err != nil {
			return fmt.Errorf("creating subtask %d: %w", st.SubtaskIndex, err)
		}
	}
	return nil
}

// dispatchSubtasks schedules every ready, not-yet-queued subtask of the
// run, and reports whether every subtask has reached a terminal state.
func (o *Orchestrator) dispatchSubtasks(ctx context.Context, lease *Lease, log *logging.Logger) (bool, error) {
	subtasks, err := o.store.ListSubtasks(ctx, lease.Run.ID)
	if err != nil {
		return false, fmt.Errorf("listing subtasks: %w", err)
	}

	completed := make(map[string]bool)
	allTerminal := true
	for _, st := range subtasks {
		if model.IsSubtaskTerminal(st.State) {
			if st.State == model.SubtaskCompleted {
				completed[st.ID] = true
			}
		} else {
			allTerminal = false
		}
	}

	for _, st := range subtasks {
		if st.State != model.SubtaskPending {
			continue
		}
		if !st.Ready(completed) {
			allTerminal = false
			continue
		}
		decision := o.scheduler.Schedule(lease.Run, st, st.AttemptCount > 0, time.Now())
		if _, err := o.store.TransitionSubtaskState(ctx, st.ID, model.SubtaskPending, model.SubtaskQueued, st.StateVersion, "dispatched"); err != nil {
			return false, fmt.Errorf("queuing subtask %s: %w", st.ID, err)
		}
		if o.subq != nil {
			job := queue.SubtaskJob{
				SubtaskID: st.ID,
				RunID:     lease.Run.ID,
				TaskType:  st.TaskType,
				Priority:  decision.Priority,
				Attempt:   st.AttemptCount,
				Affinity:  decision.WorkerAffinity,
			}
			if err := o.subq.Enqueue(ctx, decision.QueueName, job, time.Duration(decision.DelaySeconds)*time.Second); err != nil {
				return false, fmt.Errorf("enqueuing subtask %s: %w", st.ID, err)
			}
		}
		log.WithFields(map[string]any{
			"subtask_id": st.ID,
			"queue":      decision.QueueName,
			"priority":   decision.Priority,
		}).Info("subtask dispatched")
		allTerminal = false
	}

	failedExists := false
	terminalCount := 0
	for _, st := range subtasks {
		if model.IsSubtaskTerminal(st.State) {
			terminalCount++
		}
		if st.State == model.SubtaskFailed && st.AttemptCount >= maxAttempts {
			failedExists = true
		}
	}
	if failedExists {
		return false, fmt.Errorf("one or more subtasks exhausted retries")
	}

	if len(subtasks) > 0 {
		progress := float64(terminalCount) / float64(len(subtasks))
		if err := o.store.UpdateRunProgress(ctx, lease.Run.ID, progress, fmt.Sprintf("%d/%d subtasks complete", terminalCount, len(subtasks))); err != nil {
			log.WithError(err).Warn("updating run progress")
		}
	}

	return allTerminal, nil
}

const maxAttempts = 5
