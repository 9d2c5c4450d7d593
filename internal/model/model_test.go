package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRunTransitionTable(t *testing.T) {
	require.True(t, CanTransitionRun(RunCreated, RunValidating))
	require.True(t, CanTransitionRun(RunExecuting, RunWaitingUser))
	require.True(t, CanTransitionRun(RunExecuting, RunTimeout))
	require.True(t, CanTransitionRun(RunPaused, RunExecuting))
	require.True(t, CanTransitionRun(RunSynthesizing, RunCompleted))

	require.False(t, CanTransitionRun(RunCreated, RunExecuting), "runs may not skip validation and planning")
	require.False(t, CanTransitionRun(RunPlanning, RunSynthesizing))
	require.False(t, CanTransitionRun(RunWaitingUser, RunFailed))
}

func TestTerminalRunStatesHaveNoExits(t *testing.T) {
	for _, s := range []RunState{RunCompleted, RunFailed, RunCancelled, RunTimeout} {
		require.True(t, IsRunTerminal(s))
		for _, to := range []RunState{RunCreated, RunValidating, RunPlanning, RunExecuting, RunSynthesizing, RunCompleted, RunFailed, RunCancelled, RunTimeout} {
			require.Falsef(t, CanTransitionRun(s, to), "%s -> %s must be rejected", s, to)
		}
	}
}

func TestSubtaskTransitionTable(t *testing.T) {
	require.True(t, CanTransitionSubtask(SubtaskPending, SubtaskQueued))
	require.True(t, CanTransitionSubtask(SubtaskRunning, SubtaskFailed))
	require.True(t, CanTransitionSubtask(SubtaskFailed, SubtaskPending), "failed subtasks may retry")

	require.False(t, CanTransitionSubtask(SubtaskPending, SubtaskRunning), "subtasks must pass through queued")
	require.False(t, CanTransitionSubtask(SubtaskCompleted, SubtaskPending))
	require.True(t, IsSubtaskTerminal(SubtaskCompleted))
	require.True(t, IsSubtaskTerminal(SubtaskCancelled))
	require.False(t, IsSubtaskTerminal(SubtaskFailed), "failed is retryable, not terminal")
}

func TestSubtaskReady(t *testing.T) {
	st := Subtask{Dependencies: []string{"a", "b"}}
	require.False(t, st.Ready(map[string]bool{"a": true}))
	require.True(t, st.Ready(map[string]bool{"a": true, "b": true}))
	require.True(t, Subtask{}.Ready(nil), "no dependencies means always ready")
}

func TestAvailableUSD(t *testing.T) {
	bal := CreditBalance{BalanceUSD: decimal.NewFromInt(10), ReservedUSD: decimal.NewFromInt(3)}
	require.True(t, bal.AvailableUSD().Equal(decimal.NewFromInt(7)))
}
