// Package model holds the data types shared by every subsystem: runs,
// subtasks, billing records, and sandboxes. Its behavior is limited to
// the constants that define the valid state sets, the transition tables
// the orchestrator CAS-checks against, and small helper methods on the
// types.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RunState is the lifecycle state of an agent run.
type RunState string

const (
	RunCreated      RunState = "created"
	RunValidating   RunState = "validating"
	RunPlanning     RunState = "planning"
	RunExecuting    RunState = "executing"
	RunSynthesizing RunState = "synthesizing"
	RunWaitingUser  RunState = "waiting_user"
	RunPaused       RunState = "paused"
	RunCompleted    RunState = "completed"
	RunFailed       RunState = "failed"
	RunCancelled    RunState = "cancelled"
	RunTimeout      RunState = "timeout"
)

// RunTransitions is the allowed (from, to) pair table for runs, per the
// state machine component design.
var RunTransitions = map[RunState]map[RunState]bool{
	RunCreated:      set(RunValidating, RunCancelled),
	RunValidating:   set(RunPlanning, RunFailed, RunCancelled),
	RunPlanning:     set(RunExecuting, RunFailed, RunCancelled),
	RunExecuting:    set(RunSynthesizing, RunWaitingUser, RunPaused, RunFailed, RunCancelled, RunTimeout),
	RunWaitingUser:  set(RunExecuting, RunCancelled),
	RunPaused:       set(RunExecuting, RunCancelled),
	RunSynthesizing: set(RunCompleted, RunFailed, RunCancelled),
	RunCompleted:    {},
	RunFailed:       {},
	RunCancelled:    {},
	RunTimeout:      {},
}

func set(states ...RunState) map[RunState]bool {
	m := make(map[RunState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// IsRunTerminal reports whether a run state has no outgoing transitions.
func IsRunTerminal(s RunState) bool {
	next, ok := RunTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionRun reports whether (from, to) is in the transition table.
func CanTransitionRun(from, to RunState) bool {
	next, ok := RunTransitions[from]
	return ok && next[to]
}

// SubtaskState is the lifecycle state of a run's subtask.
type SubtaskState string

const (
	SubtaskPending   SubtaskState = "pending"
	SubtaskQueued    SubtaskState = "queued"
	SubtaskRunning   SubtaskState = "running"
	SubtaskCompleted SubtaskState = "completed"
	SubtaskFailed    SubtaskState = "failed"
	SubtaskCancelled SubtaskState = "cancelled"
)

var SubtaskTransitions = map[SubtaskState]map[SubtaskState]bool{
	SubtaskPending:   {SubtaskQueued: true, SubtaskCancelled: true},
	SubtaskQueued:    {SubtaskRunning: true, SubtaskCancelled: true},
	SubtaskRunning:   {SubtaskCompleted: true, SubtaskFailed: true, SubtaskCancelled: true},
	SubtaskFailed:    {SubtaskPending: true},
	SubtaskCompleted: {},
	SubtaskCancelled: {},
}

func CanTransitionSubtask(from, to SubtaskState) bool {
	next, ok := SubtaskTransitions[from]
	return ok && next[to]
}

func IsSubtaskTerminal(s SubtaskState) bool {
	next, ok := SubtaskTransitions[s]
	return ok && len(next) == 0
}

// PlanStep is one dispatchable unit of work within a phase; its
// task_type selects the executor and its input is the executor's opaque
// payload.
type PlanStep struct {
	TaskType string          `json:"task_type"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Phase is one ordered step of a Run's approved plan.
type Phase struct {
	Number int        `json:"number"`
	Name   string     `json:"name"`
	Detail string     `json:"detail,omitempty"`
	Steps  []PlanStep `json:"steps,omitempty"`
}

// Run is a single agent execution's durable row.
type Run struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	OrgID              string     `json:"org_id"`
	State              RunState   `json:"state"`
	StateVersion       int64      `json:"state_version"`
	FencingToken       string     `json:"fencing_token,omitempty"`
	TokenExpiresAt     *time.Time `json:"token_expires_at,omitempty"`
	Plan               []Phase    `json:"plan,omitempty"`
	CurrentPhaseNumber int        `json:"current_phase_number"`
	Progress           float64    `json:"progress"`
	CurrentAction      string     `json:"current_action,omitempty"`
	Error              string     `json:"error,omitempty"`
	WorkerID           string     `json:"worker_id,omitempty"`
	DeadlineAt         *time.Time `json:"deadline_at,omitempty"`
	Priority           int        `json:"priority"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Subtask is one unit of dispatchable work belonging to a Run.
type Subtask struct {
	ID               string       `json:"id"`
	RunID            string       `json:"run_id"`
	SubtaskIndex     int          `json:"subtask_index"`
	TaskType         string       `json:"task_type"`
	State            SubtaskState `json:"state"`
	StateVersion     int64        `json:"state_version"`
	AttemptCount     int          `json:"attempt_count"`
	AssignedWorkerID string       `json:"assigned_worker_id,omitempty"`
	CheckpointID     string       `json:"checkpoint_id,omitempty"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	Input            []byte       `json:"input,omitempty"`
	Output           []byte       `json:"output,omitempty"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Ready reports whether every dependency is present among completed, per
// the subtask readiness invariant.
func (s Subtask) Ready(completed map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Provider enumerates model providers the token counter and pricing
// cache understand.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOther     Provider = "other"
)

// TokenRecord is an immutable per-call billing fact.
type TokenRecord struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	OrgID          string          `json:"org_id"`
	Model          string          `json:"model"`
	Provider       Provider        `json:"provider"`
	InputTokens    int             `json:"input_tokens"`
	OutputTokens   int             `json:"output_tokens"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	EstimatedUSD   decimal.Decimal `json:"estimated_usd"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreditBalance is the per-organization balance row.
type CreditBalance struct {
	OrgID             string          `json:"org_id"`
	BalanceUSD        decimal.Decimal `json:"balance_usd"`
	ReservedUSD       decimal.Decimal `json:"reserved_usd"`
	LowBalanceThresh  decimal.Decimal `json:"low_balance_threshold"`
	AutoRecharge      bool            `json:"auto_recharge"`
}

// AvailableUSD is balance minus reserved; must never go negative.
func (c CreditBalance) AvailableUSD() decimal.Decimal {
	return c.BalanceUSD.Sub(c.ReservedUSD)
}

type LedgerTransactionType string

const (
	LedgerCharge         LedgerTransactionType = "charge"
	LedgerRefund         LedgerTransactionType = "refund"
	LedgerCreditPurchase LedgerTransactionType = "credit_purchase"
	LedgerAdjustment     LedgerTransactionType = "adjustment"
)

// LedgerEntry is an append-only audit row.
type LedgerEntry struct {
	ID                string                `json:"id"`
	OrgID             string                `json:"org_id"`
	TransactionType   LedgerTransactionType `json:"transaction_type"`
	AmountUSD         decimal.Decimal       `json:"amount_usd"`
	Reason            string                `json:"reason"`
	TokenRecordID     string                `json:"token_record_id,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
}

// ModelPricing is a per-million-token pricing row.
type ModelPricing struct {
	Model            string          `json:"model"`
	Provider         Provider        `json:"provider"`
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
	EffectiveFrom    time.Time       `json:"effective_from"`
	EffectiveUntil   *time.Time      `json:"effective_until,omitempty"`
}

// ReconciliationRow is written at run end comparing estimated to actual
// token spend.
type ReconciliationRow struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	EstimatedUSD    decimal.Decimal `json:"estimated_usd"`
	ActualUSD       decimal.Decimal `json:"actual_usd"`
	VariancePercent float64         `json:"variance_percent"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RunMessage is one conversational message attached to a run (the user
// prompt, intermediate tool output, the final synthesis).
type RunMessage struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Role      string    `json:"role"` // user | assistant | tool
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a file a run produced, stored in the Blob Store and
// referenced here by key.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	BlobKey     string    `json:"blob_key"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunLogLine is one append-only log line emitted during a run.
type RunLogLine struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// SandboxState is the lifecycle state of a pooled executor.
type SandboxState string

const (
	SandboxWarming    SandboxState = "warming"
	SandboxReady      SandboxState = "ready"
	SandboxAssigned   SandboxState = "assigned"
	SandboxBusy       SandboxState = "busy"
	SandboxDraining   SandboxState = "draining"
	SandboxTerminated SandboxState = "terminated"
)

// SandboxMetrics are the live resource measurements tracked per sandbox.
type SandboxMetrics struct {
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryUsedMB    int64     `json:"memory_used_mb"`
	MemoryPeakMB    int64     `json:"memory_peak_mb"`
	DiskUsedMB      int64     `json:"disk_used_mb"`
	BytesIn         int64     `json:"bytes_in"`
	BytesOut        int64     `json:"bytes_out"`
	ExecutionCount  int64     `json:"execution_count"`
	LastExitCode    int       `json:"last_exit_code"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	ConsecutiveFail int       `json:"consecutive_health_failures"`
}

// Healthy reports whether the sandbox has not crossed the unhealthy
// consecutive-failure threshold.
func (m SandboxMetrics) Healthy(threshold int) bool {
	return m.ConsecutiveFail < threshold
}

// Sandbox is one pooled execution environment.
type Sandbox struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id,omitempty"`
	Template      string         `json:"template"`
	State         SandboxState   `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActivity  time.Time      `json:"last_activity"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Metrics       SandboxMetrics `json:"metrics"`
	BackendHandle string         `json:"backend_handle,omitempty"`
}

func (s Sandbox) Age() time.Duration { return time.Since(s.CreatedAt) }
func (s Sandbox) Idle() time.Duration { return time.Since(s.LastActivity) }
