package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"forge.control/internal/model"
)

// PostgresStore implements Store on top of a pgxpool connection pool.
// CAS-guarded transitions and the billing
// charge path run as single parameterized statements (conditional
// UPDATE ... RETURNING) or as multi-statement pgx transactions issued
// from Go; no database-side stored procedures are used.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against connString and verifies
// connectivity with a ping.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.State = model.RunCreated
	run.StateVersion = 1
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_runs
			(id, user_id, org_id, state, state_version, plan, current_phase_number,
			 priority, deadline_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.ID, run.UserID, run.OrgID, run.State, run.StateVersion, plan,
		run.CurrentPhaseNumber, run.Priority, run.DeadlineAt, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting agent_runs row: %w", err)
	}
	return nil
}

const runColumns = `id, user_id, org_id, state, state_version, fencing_token, token_expires_at,
		       plan, current_phase_number, progress, current_action, error, worker_id,
		       deadline_at, priority, created_at, updated_at, completed_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM agent_runs WHERE id = $1`, id)
	return scanRun(row)
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var run model.Run
	var planRaw []byte
	err := row.Scan(&run.ID, &run.UserID, &run.OrgID, &run.State, &run.StateVersion,
		&run.FencingToken, &run.TokenExpiresAt, &planRaw, &run.CurrentPhaseNumber,
		&run.Progress, &run.CurrentAction, &run.Error, &run.WorkerID, &run.DeadlineAt,
		&run.Priority, &run.CreatedAt, &run.UpdatedAt, &run.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning agent_runs row: %w", err)
	}
	if len(planRaw) > 0 {
		if err := json.Unmarshal(planRaw, &run.Plan); err != nil {
			return nil, fmt.Errorf("unmarshaling plan: %w", err)
		}
	}
	return &run, nil
}

func (s *PostgresStore) ListRunsByOrg(ctx context.Context, orgID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM agent_runs WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs by org: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveRunPlan(ctx context.Context, runID string, plan []model.Phase) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE agent_runs SET plan = $1, updated_at = now() WHERE id = $2`, raw, runID)
	if err != nil {
		return fmt.Errorf("saving run plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, progress float64, currentAction string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_runs SET progress = $1, current_action = $2, updated_at = now()
		WHERE id = $3`, progress, currentAction, runID)
	if err != nil {
		return fmt.Errorf("updating run progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStalledRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM agent_runs
		WHERE state NOT IN ('completed','failed','cancelled','timeout')
		  AND updated_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("querying stalled runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// TransitionRunState implements transition_run_state: one transaction
// holding a conditional UPDATE guarded on (state, state_version) and
// the audit-row INSERT, followed by a read of the updated run.
func (s *PostgresStore) TransitionRunState(ctx context.Context, runID string, fromState, toState model.RunState, expectedVersion int64, actor, reason string) (*TransitionResult, error) {
	if !model.CanTransitionRun(fromState, toState) {
		return nil, ErrInvalidTransition
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE agent_runs
		SET state = $1, state_version = state_version + 1, updated_at = now(),
		    completed_at = CASE WHEN $1 IN ('completed','failed','cancelled','timeout') THEN now() ELSE completed_at END
		WHERE id = $2 AND state = $3 AND state_version = $4
		RETURNING state_version`, toState, runID, fromState, expectedVersion)

	var newVersion int64
	if err := row.Scan(&newVersion); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("updating agent_runs state: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (id, entity_type, entity_id, actor, action, reason, created_at)
		VALUES ($1,'run',$2,$3,$4,$5, now())`,
		uuid.NewString(), runID, actor, string(toState), reason)
	if err != nil {
		return nil, fmt.Errorf("appending audit row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Run: run, StateVersion: newVersion}, nil
}

// AcquireRunFencingToken implements acquire_run_fencing_token: the new
// token is set only when the existing one is absent or its expiry has
// passed, so a resurrected worker can never clobber a reassigned lease.
func (s *PostgresStore) AcquireRunFencingToken(ctx context.Context, runID string, ttl time.Duration) (*FencingLease, error) {
	token := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)

	row := s.pool.QueryRow(ctx, `
		UPDATE agent_runs
		SET fencing_token = $1, token_expires_at = $2
		WHERE id = $3 AND (fencing_token IS NULL OR token_expires_at < now())
		RETURNING id`, token, expiresAt, runID)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFencingTokenMismatch
		}
		return nil, fmt.Errorf("acquiring fencing token: %w", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &FencingLease{Token: token, ExpiresAt: expiresAt, Run: run}, nil
}

func (s *PostgresStore) ReleaseRunFencingToken(ctx context.Context, runID, token string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE agent_runs SET fencing_token = NULL, token_expires_at = NULL
		WHERE id = $1 AND fencing_token = $2`, runID, token)
	if err != nil {
		return fmt.Errorf("releasing fencing token: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrFencingTokenMismatch
	}
	return nil
}

func (s *PostgresStore) CreateSubtask(ctx context.Context, st *model.Subtask) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.State = model.SubtaskPending
	st.StateVersion = 1
	now := time.Now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now

	deps, err := json.Marshal(st.Dependencies)
	if err != nil {
		return fmt.Errorf("marshaling dependencies: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO subtasks
			(id, run_id, subtask_index, task_type, state, state_version,
			 attempt_count, dependencies, input, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		st.ID, st.RunID, st.SubtaskIndex, st.TaskType, st.State, st.StateVersion,
		st.AttemptCount, deps, st.Input, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subtasks row: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, run_id, subtask_index, task_type, state, state_version, attempt_count,
		       assigned_worker_id, checkpoint_id, dependencies, input, output, error,
		       created_at, updated_at
		FROM subtasks WHERE id = $1`, id)
	return scanSubtask(row)
}

func scanSubtask(row pgx.Row) (*model.Subtask, error) {
	var st model.Subtask
	var depsRaw []byte
	err := row.Scan(&st.ID, &st.RunID, &st.SubtaskIndex, &st.TaskType, &st.State, &st.StateVersion,
		&st.AttemptCount, &st.AssignedWorkerID, &st.CheckpointID, &depsRaw, &st.Input, &st.Output,
		&st.Error, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning subtasks row: %w", err)
	}
	if len(depsRaw) > 0 {
		if err := json.Unmarshal(depsRaw, &st.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshaling dependencies: %w", err)
		}
	}
	return &st, nil
}

func (s *PostgresStore) ListSubtasks(ctx context.Context, runID string) ([]model.Subtask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, subtask_index, task_type, state, state_version, attempt_count,
		       assigned_worker_id, checkpoint_id, dependencies, input, output, error,
		       created_at, updated_at
		FROM subtasks WHERE run_id = $1 ORDER BY subtask_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying subtasks: %w", err)
	}
	defer rows.Close()

	var out []model.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionSubtaskState(ctx context.Context, subtaskID string, fromState, toState model.SubtaskState, expectedVersion int64, reason string) (*model.Subtask, error) {
	if !model.CanTransitionSubtask(fromState, toState) {
		return nil, ErrInvalidTransition
	}

	attemptBump := ""
	if toState == model.SubtaskPending && fromState == model.SubtaskFailed {
		attemptBump = ", attempt_count = attempt_count + 1"
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE subtasks
		SET state = $1, state_version = state_version + 1, error = $2, updated_at = now()%s
		WHERE id = $3 AND state = $4 AND state_version = $5
		RETURNING id`, attemptBump), toState, reason, subtaskID, fromState, expectedVersion)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("updating subtasks state: %w", err)
	}
	return s.GetSubtask(ctx, subtaskID)
}

func (s *PostgresStore) SaveSubtaskOutput(ctx context.Context, subtaskID string, output []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET output = $1, updated_at = now() WHERE id = $2`, output, subtaskID)
	if err != nil {
		return fmt.Errorf("saving subtask output: %w", err)
	}
	return nil
}

func (s *PostgresStore) CheckSubtaskReady(ctx context.Context, subtaskID string) (bool, error) {
	st, err := s.GetSubtask(ctx, subtaskID)
	if err != nil {
		return false, err
	}
	if len(st.Dependencies) == 0 {
		return true, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM subtasks
		WHERE id = ANY($1) AND state != 'completed'`, st.Dependencies)
	var incomplete int
	if err := row.Scan(&incomplete); err != nil {
		return false, fmt.Errorf("checking subtask readiness: %w", err)
	}
	return incomplete == 0, nil
}

func (s *PostgresStore) GetSubtaskCountsByState(ctx context.Context, runID string) (SubtaskCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, count(*) FROM subtasks WHERE run_id = $1 GROUP BY state`, runID)
	if err != nil {
		return nil, fmt.Errorf("counting subtasks by state: %w", err)
	}
	defer rows.Close()

	counts := make(SubtaskCounts)
	for rows.Next() {
		var state model.SubtaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) GetCreditBalance(ctx context.Context, orgID string) (*model.CreditBalance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT org_id, balance_usd, reserved_usd, low_balance_threshold, auto_recharge
		FROM credit_balances WHERE org_id = $1`, orgID)

	var bal model.CreditBalance
	err := row.Scan(&bal.OrgID, &bal.BalanceUSD, &bal.ReservedUSD, &bal.LowBalanceThresh, &bal.AutoRecharge)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning credit_balances row: %w", err)
	}
	return &bal, nil
}

// RecordTokenCall implements record_token_call / bill_token_call: insert
// a token record, debit the balance, and append a ledger entry in one
// transaction, idempotent on IdempotencyKey via a SELECT probe on
// idempotency_key: a hit returns the original row without charging.
func (s *PostgresStore) RecordTokenCall(ctx context.Context, rec model.TokenRecord) (*ChargeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning charge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	var existingID string
	err = tx.QueryRow(ctx, `
		SELECT id FROM token_records WHERE idempotency_key = $1`, rec.IdempotencyKey).Scan(&existingID)
	if err == nil {
		// Already charged: return the original row unchanged.
		existing, err := s.getTokenRecordTx(ctx, tx, existingID)
		if err != nil {
			return nil, err
		}
		bal, err := s.getCreditBalanceTx(ctx, tx, rec.OrgID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &ChargeResult{TokenRecord: *existing, Balance: *bal, Replayed: true}, nil
	} else if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("checking idempotency key: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO token_records
			(id, run_id, org_id, model, provider, input_tokens, output_tokens, cost_usd,
			 estimated_usd, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.RunID, rec.OrgID, rec.Model, rec.Provider, rec.InputTokens,
		rec.OutputTokens, rec.CostUSD, rec.EstimatedUSD, rec.IdempotencyKey, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting token_records row: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE credit_balances SET balance_usd = balance_usd - $1
		WHERE org_id = $2
		RETURNING org_id, balance_usd, reserved_usd, low_balance_threshold, auto_recharge`,
		rec.CostUSD, rec.OrgID)
	var bal model.CreditBalance
	if err := row.Scan(&bal.OrgID, &bal.BalanceUSD, &bal.ReservedUSD, &bal.LowBalanceThresh, &bal.AutoRecharge); err != nil {
		return nil, fmt.Errorf("debiting balance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, org_id, transaction_type, amount_usd, reason, token_record_id, created_at)
		VALUES ($1,$2,'charge',$3,$4,$5,now())`,
		uuid.NewString(), rec.OrgID, rec.CostUSD.Neg(), fmt.Sprintf("token call %s/%s", rec.Model, rec.Provider), rec.ID)
	if err != nil {
		return nil, fmt.Errorf("appending ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing charge: %w", err)
	}
	return &ChargeResult{TokenRecord: rec, Balance: bal}, nil
}

func (s *PostgresStore) getTokenRecordTx(ctx context.Context, tx pgx.Tx, id string) (*model.TokenRecord, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, run_id, org_id, model, provider, input_tokens, output_tokens, cost_usd,
		       estimated_usd, idempotency_key, created_at
		FROM token_records WHERE id = $1`, id)
	var rec model.TokenRecord
	err := row.Scan(&rec.ID, &rec.RunID, &rec.OrgID, &rec.Model, &rec.Provider,
		&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.EstimatedUSD, &rec.IdempotencyKey, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning token_records row: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) getCreditBalanceTx(ctx context.Context, tx pgx.Tx, orgID string) (*model.CreditBalance, error) {
	row := tx.QueryRow(ctx, `
		SELECT org_id, balance_usd, reserved_usd, low_balance_threshold, auto_recharge
		FROM credit_balances WHERE org_id = $1`, orgID)
	var bal model.CreditBalance
	err := row.Scan(&bal.OrgID, &bal.BalanceUSD, &bal.ReservedUSD, &bal.LowBalanceThresh, &bal.AutoRecharge)
	if err != nil {
		return nil, fmt.Errorf("scanning credit_balances row: %w", err)
	}
	return &bal, nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*model.CreditBalance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO credit_balances (org_id, balance_usd, reserved_usd)
		VALUES ($1, $2, 0)
		ON CONFLICT (org_id) DO UPDATE SET balance_usd = credit_balances.balance_usd + $2
		RETURNING org_id, balance_usd, reserved_usd, low_balance_threshold, auto_recharge`,
		orgID, amount)

	var bal model.CreditBalance
	if err := row.Scan(&bal.OrgID, &bal.BalanceUSD, &bal.ReservedUSD, &bal.LowBalanceThresh, &bal.AutoRecharge); err != nil {
		return nil, fmt.Errorf("crediting balance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, org_id, transaction_type, amount_usd, reason, created_at)
		VALUES ($1,$2,'credit_purchase',$3,$4,now())`,
		uuid.NewString(), orgID, amount, reason)
	if err != nil {
		return nil, fmt.Errorf("appending ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &bal, nil
}

func (s *PostgresStore) GetModelPricing(ctx context.Context, modelName string) (*model.ModelPricing, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT model, provider, input_per_million, output_per_million, effective_from, effective_until
		FROM model_pricing
		WHERE model = $1 AND effective_from <= now() AND (effective_until IS NULL OR effective_until > now())
		ORDER BY effective_from DESC LIMIT 1`, modelName)

	var p model.ModelPricing
	err := row.Scan(&p.Model, &p.Provider, &p.InputPerMillion, &p.OutputPerMillion, &p.EffectiveFrom, &p.EffectiveUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning model_pricing row: %w", err)
	}
	return &p, nil
}

// UpsertModelPricing mirrors the ON CONFLICT DO UPDATE idiom used
// so repeated loads of the same pricing row stay a single statement.
func (s *PostgresStore) UpsertModelPricing(ctx context.Context, pricing model.ModelPricing) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_pricing (model, provider, input_per_million, output_per_million, effective_from, effective_until)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (model, effective_from) DO UPDATE SET
			input_per_million = EXCLUDED.input_per_million,
			output_per_million = EXCLUDED.output_per_million,
			effective_until = EXCLUDED.effective_until`,
		pricing.Model, pricing.Provider, pricing.InputPerMillion, pricing.OutputPerMillion,
		pricing.EffectiveFrom, pricing.EffectiveUntil)
	if err != nil {
		return fmt.Errorf("upserting model_pricing row: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReconcileRun(ctx context.Context, runID string) (*model.ReconciliationRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT coalesce(sum(estimated_usd), 0), coalesce(sum(cost_usd), 0)
		FROM token_records WHERE run_id = $1`, runID)

	var estimated, actual decimal.Decimal
	if err := row.Scan(&estimated, &actual); err != nil {
		return nil, fmt.Errorf("computing reconciliation totals: %w", err)
	}

	variance := 0.0
	if !estimated.IsZero() {
		variance, _ = actual.Sub(estimated).Div(estimated).Abs().Mul(decimal.NewFromInt(100)).Float64()
	}

	rec := model.ReconciliationRow{
		ID:              uuid.NewString(),
		RunID:           runID,
		EstimatedUSD:    estimated,
		ActualUSD:       actual,
		VariancePercent: variance,
		Status:          "ok",
		CreatedAt:       time.Now().UTC(),
	}
	if variance > 50 {
		rec.Status = "high_variance"
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_reconciliations (id, run_id, estimated_usd, actual_usd, variance_percent, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.RunID, rec.EstimatedUSD, rec.ActualUSD, rec.VariancePercent, rec.Status, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting reconciliation row: %w", err)
	}
	return &rec, nil
}
