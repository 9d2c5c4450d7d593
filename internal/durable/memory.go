package durable

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forge.control/internal/model"
)

// MemoryStore is a map-backed Store with the same CAS, fencing, and
// idempotency semantics as the Postgres implementation. It backs unit
// tests and single-node development; nothing about it is durable.
type MemoryStore struct {
	mu           sync.Mutex
	runs         map[string]*model.Run
	subtasks     map[string]*model.Subtask
	balances     map[string]*model.CreditBalance
	tokenByKey   map[string]*model.TokenRecord // idempotency_key -> record
	tokenRecords []*model.TokenRecord
	ledger       []model.LedgerEntry
	pricing      map[string]*model.ModelPricing
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*model.Run),
		subtasks:   make(map[string]*model.Subtask),
		balances:   make(map[string]*model.CreditBalance),
		tokenByKey: make(map[string]*model.TokenRecord),
		pricing:    make(map[string]*model.ModelPricing),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.State = model.RunCreated
	run.StateVersion = 1
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListStalledRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []model.Run
	for _, r := range s.runs {
		if !model.IsRunTerminal(r.State) && r.UpdatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRunsByOrg(ctx context.Context, orgID string, limit int) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, r := range s.runs {
		if r.OrgID == orgID {
			out = append(out, *r)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveRunPlan(ctx context.Context, runID string, plan []model.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.Plan = plan
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateRunProgress(ctx context.Context, runID string, progress float64, currentAction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.Progress = progress
	r.CurrentAction = currentAction
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TransitionRunState(ctx context.Context, runID string, fromState, toState model.RunState, expectedVersion int64, actor, reason string) (*TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if !model.CanTransitionRun(fromState, toState) {
		return nil, ErrInvalidTransition
	}
	if r.State != fromState || r.StateVersion != expectedVersion {
		return nil, ErrConcurrencyConflict
	}
	r.State = toState
	r.StateVersion++
	r.Error = ""
	if toState == model.RunFailed || toState == model.RunTimeout {
		r.Error = reason
	}
	r.UpdatedAt = time.Now()
	if model.IsRunTerminal(toState) {
		now := time.Now()
		r.CompletedAt = &now
	}
	cp := *r
	return &TransitionResult{Run: &cp, StateVersion: r.StateVersion}, nil
}

func (s *MemoryStore) AcquireRunFencingToken(ctx context.Context, runID string, ttl time.Duration) (*FencingLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if r.FencingToken != "" && r.TokenExpiresAt != nil && r.TokenExpiresAt.After(now) {
		return nil, ErrFencingTokenMismatch
	}
	token := uuid.NewString()
	expiresAt := now.Add(ttl)
	r.FencingToken = token
	r.TokenExpiresAt = &expiresAt
	cp := *r
	return &FencingLease{Token: token, ExpiresAt: expiresAt, Run: &cp}, nil
}

func (s *MemoryStore) ReleaseRunFencingToken(ctx context.Context, runID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.FencingToken != token {
		return ErrFencingTokenMismatch
	}
	r.FencingToken = ""
	r.TokenExpiresAt = nil
	return nil
}

func (s *MemoryStore) CreateSubtask(ctx context.Context, st *model.Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.State = model.SubtaskPending
	st.StateVersion = 1
	st.CreatedAt = time.Now()
	st.UpdatedAt = st.CreatedAt
	cp := *st
	s.subtasks[st.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListSubtasks(ctx context.Context, runID string) ([]model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subtask
	for _, st := range s.subtasks {
		if st.RunID == runID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *MemoryStore) TransitionSubtaskState(ctx context.Context, subtaskID string, fromState, toState model.SubtaskState, expectedVersion int64, reason string) (*model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return nil, ErrNotFound
	}
	if !model.CanTransitionSubtask(fromState, toState) {
		return nil, ErrInvalidTransition
	}
	if st.State != fromState || st.StateVersion != expectedVersion {
		return nil, ErrConcurrencyConflict
	}
	st.State = toState
	st.StateVersion++
	st.Error = reason
	if fromState == model.SubtaskFailed && toState == model.SubtaskPending {
		st.AttemptCount++
	}
	st.UpdatedAt = time.Now()
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) SaveSubtaskOutput(ctx context.Context, subtaskID string, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return ErrNotFound
	}
	st.Output = output
	st.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CheckSubtaskReady(ctx context.Context, subtaskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return false, ErrNotFound
	}
	completed := make(map[string]bool)
	for _, other := range s.subtasks {
		if other.State == model.SubtaskCompleted {
			completed[other.ID] = true
		}
	}
	return st.Ready(completed), nil
}

func (s *MemoryStore) GetSubtaskCountsByState(ctx context.Context, runID string) (SubtaskCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(SubtaskCounts)
	for _, st := range s.subtasks {
		if st.RunID == runID {
			counts[st.State]++
		}
	}
	return counts, nil
}

// SetBalance seeds an org's credit balance.
func (s *MemoryStore) SetBalance(orgID string, balance, reserved decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[orgID] = &model.CreditBalance{OrgID: orgID, BalanceUSD: balance, ReservedUSD: reserved}
}

func (s *MemoryStore) GetCreditBalance(ctx context.Context, orgID string) (*model.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *bal
	return &cp, nil
}

func (s *MemoryStore) RecordTokenCall(ctx context.Context, rec model.TokenRecord) (*ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tokenByKey[rec.IdempotencyKey]; ok {
		bal := s.balances[existing.OrgID]
		if bal == nil {
			bal = &model.CreditBalance{OrgID: existing.OrgID}
		}
		return &ChargeResult{TokenRecord: *existing, Balance: *bal, Replayed: true}, nil
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	bal, ok := s.balances[rec.OrgID]
	if !ok {
		bal = &model.CreditBalance{OrgID: rec.OrgID}
		s.balances[rec.OrgID] = bal
	}
	bal.BalanceUSD = bal.BalanceUSD.Sub(rec.CostUSD)

	cp := rec
	s.tokenByKey[rec.IdempotencyKey] = &cp
	s.tokenRecords = append(s.tokenRecords, &cp)
	s.ledger = append(s.ledger, model.LedgerEntry{
		ID:              uuid.NewString(),
		OrgID:           rec.OrgID,
		TransactionType: model.LedgerCharge,
		AmountUSD:       rec.CostUSD.Neg(),
		Reason:          "token call " + rec.Model,
		TokenRecordID:   rec.ID,
		CreatedAt:       rec.CreatedAt,
	})
	return &ChargeResult{TokenRecord: cp, Balance: *bal}, nil
}

func (s *MemoryStore) AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*model.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[orgID]
	if !ok {
		bal = &model.CreditBalance{OrgID: orgID}
		s.balances[orgID] = bal
	}
	bal.BalanceUSD = bal.BalanceUSD.Add(amount)
	s.ledger = append(s.ledger, model.LedgerEntry{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		TransactionType: model.LedgerCreditPurchase,
		AmountUSD:       amount,
		Reason:          reason,
		CreatedAt:       time.Now().UTC(),
	})
	cp := *bal
	return &cp, nil
}

func (s *MemoryStore) GetModelPricing(ctx context.Context, modelName string) (*model.ModelPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pricing[modelName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertModelPricing(ctx context.Context, pricing model.ModelPricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := pricing
	s.pricing[pricing.Model] = &cp
	return nil
}

func (s *MemoryStore) ReconcileRun(ctx context.Context, runID string) (*model.ReconciliationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	estimated, actual := decimal.Zero, decimal.Zero
	for _, rec := range s.tokenRecords {
		if rec.RunID == runID {
			estimated = estimated.Add(rec.EstimatedUSD)
			actual = actual.Add(rec.CostUSD)
		}
	}
	variance := 0.0
	if !estimated.IsZero() {
		variance, _ = actual.Sub(estimated).Div(estimated).Abs().Mul(decimal.NewFromInt(100)).Float64()
	}
	row := &model.ReconciliationRow{
		ID:              uuid.NewString(),
		RunID:           runID,
		EstimatedUSD:    estimated,
		ActualUSD:       actual,
		VariancePercent: variance,
		Status:          "ok",
		CreatedAt:       time.Now().UTC(),
	}
	if variance > 50 {
		row.Status = "high_variance"
	}
	return row, nil
}

// LedgerEntries returns a copy of the append-only ledger, for tests.
func (s *MemoryStore) LedgerEntries() []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// TokenRecordCount reports how many token records carry key, for tests
// asserting idempotency.
func (s *MemoryStore) TokenRecordCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.tokenRecords {
		if rec.IdempotencyKey == key {
			n++
		}
	}
	return n
}
