package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge.control/internal/model"
)

func TestSchedulePriorityBumpsForImminentDeadline(t *testing.T) {
	s := New(DefaultConfig(), nil)
	now := time.Now()
	deadline := now.Add(5 * time.Minute)
	run := model.Run{DeadlineAt: &deadline}
	st := model.Subtask{TaskType: "shell"}

	d := s.Schedule(run, st, false, now)
	require.Equal(t, "workers.subtask", d.QueueName)
	require.Equal(t, 4, d.Priority) // base 1 + urgent 3
}

func TestScheduleUnknownTaskTypeUsesDefaultQueue(t *testing.T) {
	s := New(DefaultConfig(), nil)
	d := s.Schedule(model.Run{}, model.Subtask{TaskType: "unknown"}, false, time.Now())
	require.Equal(t, defaultQueue, d.QueueName)
}

func TestScheduleRetryAppliesExponentialBackoffCappedAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseRetryDelay = 30 * time.Second
	cfg.MaxRetryDelay = 2 * time.Minute
	s := New(cfg, nil)

	st := model.Subtask{TaskType: "shell", AttemptCount: 1}
	d := s.Schedule(model.Run{}, st, true, time.Now())
	require.Equal(t, 30, d.DelaySeconds)
	require.Equal(t, 1, d.Priority) // base 1 minus the retry step is 0, clamped up to 1

	st.AttemptCount = 10
	d = s.Schedule(model.Run{}, st, true, time.Now())
	require.Equal(t, 120, d.DelaySeconds, "delay must be capped at MaxRetryDelay")
}

func TestScheduleAffinityFollowsCheckpoint(t *testing.T) {
	s := New(DefaultConfig(), nil)
	st := model.Subtask{TaskType: "shell", CheckpointID: "chk-1", AssignedWorkerID: "worker-7"}
	d := s.Schedule(model.Run{}, st, false, time.Now())
	require.Equal(t, "worker-7", d.WorkerAffinity)
}

func TestSchedulePriorityClampedToMax(t *testing.T) {
	s := New(DefaultConfig(), nil)
	now := time.Now()
	deadline := now.Add(1 * time.Minute)
	run := model.Run{DeadlineAt: &deadline}
	st := model.Subtask{TaskType: "synthesis"}

	d := s.Schedule(run, st, false, now)
	require.LessOrEqual(t, d.Priority, DefaultConfig().MaxPriority)
}
