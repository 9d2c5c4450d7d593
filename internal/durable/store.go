// Package durable defines the abstract Durable Store the orchestrator
// and billing ledger depend on, plus a Postgres/pgx implementation. The
// state-transition, fencing, and billing methods are named after the
// stored-procedure contracts (transition_run_state,
// acquire_run_fencing_token, record_token_call, ...) and each one is
// atomic, so callers never compose them from smaller steps. The Postgres
// implementation runs each as a single statement or one pgx transaction
// issued from Go; it does not define database-side stored procedures.
package durable

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"forge.control/internal/model"
)

// TransitionResult is returned by a state-transition stored procedure.
type TransitionResult struct {
	Run          *model.Run
	StateVersion int64
}

// FencingLease is returned by acquire_run_fencing_token.
type FencingLease struct {
	Token     string
	ExpiresAt time.Time
	Run       *model.Run
}

// ChargeResult is returned by record_token_call (bill_token_call).
type ChargeResult struct {
	TokenRecord model.TokenRecord
	Balance     model.CreditBalance
	Replayed    bool // true if this call matched an existing idempotency key
}

// SubtaskCounts maps subtask state to a count, as returned by
// get_subtask_counts_by_state.
type SubtaskCounts map[model.SubtaskState]int

// Store is the abstract Durable Store the core depends on. Concrete
// implementations provide transactional, CAS-safe semantics for every
// method below.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListStalledRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error)
	ListRunsByOrg(ctx context.Context, orgID string, limit int) ([]model.Run, error)
	// SaveRunPlan stores the approved plan produced during planning.
	SaveRunPlan(ctx context.Context, runID string, plan []model.Phase) error
	// UpdateRunProgress records the fraction of subtasks complete and a
	// human-readable current action, surfaced over the event stream.
	UpdateRunProgress(ctx context.Context, runID string, progress float64, currentAction string) error

	// TransitionRunState is the transition_run_state stored procedure: it
	// CAS-updates state only if current (state, state_version) equals
	// (fromState, expectedVersion), bumps version, and appends an audit
	// row.
	TransitionRunState(ctx context.Context, runID string, fromState, toState model.RunState, expectedVersion int64, actor, reason string) (*TransitionResult, error)

	// AcquireRunFencingToken is acquire_run_fencing_token: sets a new
	// token iff the existing one is absent or expired.
	AcquireRunFencingToken(ctx context.Context, runID string, ttl time.Duration) (*FencingLease, error)
	// ReleaseRunFencingToken is release_run_fencing_token: clears the
	// token only if it matches what's stored.
	ReleaseRunFencingToken(ctx context.Context, runID, token string) error

	// Subtasks
	CreateSubtask(ctx context.Context, st *model.Subtask) error
	GetSubtask(ctx context.Context, id string) (*model.Subtask, error)
	ListSubtasks(ctx context.Context, runID string) ([]model.Subtask, error)
	TransitionSubtaskState(ctx context.Context, subtaskID string, fromState, toState model.SubtaskState, expectedVersion int64, reason string) (*model.Subtask, error)
	// CheckSubtaskReady is check_subtask_ready: true iff every
	// dependency is in a terminal success state.
	CheckSubtaskReady(ctx context.Context, subtaskID string) (bool, error)
	// SaveSubtaskOutput stores an attempt's opaque output payload.
	SaveSubtaskOutput(ctx context.Context, subtaskID string, output []byte) error
	GetSubtaskCountsByState(ctx context.Context, runID string) (SubtaskCounts, error)

	// Billing
	GetCreditBalance(ctx context.Context, orgID string) (*model.CreditBalance, error)
	// RecordTokenCall is record_token_call / bill_token_call: inserts a
	// token record, debits balance, and appends a ledger entry in one
	// transaction, idempotent on idempotencyKey.
	RecordTokenCall(ctx context.Context, rec model.TokenRecord) (*ChargeResult, error)
	// AddCredits is add_credits: credits a balance and appends a ledger
	// entry.
	AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*model.CreditBalance, error)
	GetModelPricing(ctx context.Context, model_ string) (*model.ModelPricing, error)
	UpsertModelPricing(ctx context.Context, pricing model.ModelPricing) error
	// ReconcileRun is reconcile_run: computes sum-of-estimates vs
	// sum-of-actuals for a run and writes a reconciliation row.
	ReconcileRun(ctx context.Context, runID string) (*model.ReconciliationRow, error)

	Close()
}
