package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forge.control/internal/durable"
	"forge.control/internal/model"
)

// fakeStore is a minimal in-memory durable.Store used only to exercise
// the orchestrator's driver loop in tests; it implements just enough of
// the CAS/fencing contract to be meaningful.
type fakeStore struct {
	mu       sync.Mutex
	runs     map[string]*model.Run
	subtasks map[string]*model.Subtask
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]*model.Run{}, subtasks: map[string]*model.Subtask{}}
}

var _ durable.Store = (*fakeStore)(nil)

func (f *fakeStore) CreateRun(ctx context.Context, run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.State = model.RunCreated
	run.StateVersion = 1
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ListStalledRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error) {
	return nil, nil
}

func (f *fakeStore) ListRunsByOrg(ctx context.Context, orgID string, limit int) ([]model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Run
	for _, r := range f.runs {
		if r.OrgID == orgID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveRunPlan(ctx context.Context, runID string, plan []model.Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return durable.ErrNotFound
	}
	r.Plan = plan
	return nil
}

func (f *fakeStore) UpdateRunProgress(ctx context.Context, runID string, progress float64, currentAction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return durable.ErrNotFound
	}
	r.Progress = progress
	r.CurrentAction = currentAction
	return nil
}

func (f *fakeStore) TransitionRunState(ctx context.Context, runID string, from, to model.RunState, expectedVersion int64, actor, reason string) (*durable.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, durable.ErrNotFound
	}
	if r.State != from || r.StateVersion != expectedVersion {
		return nil, durable.ErrConcurrencyConflict
	}
	if !model.CanTransitionRun(from, to) {
		return nil, durable.ErrInvalidTransition
	}
	r.State = to
	r.StateVersion++
	cp := *r
	return &durable.TransitionResult{Run: &cp, StateVersion: r.StateVersion}, nil
}

func (f *fakeStore) AcquireRunFencingToken(ctx context.Context, runID string, ttl time.Duration) (*durable.FencingLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, durable.ErrNotFound
	}
	now := time.Now()
	if r.FencingToken != "" && r.TokenExpiresAt != nil && r.TokenExpiresAt.After(now) {
		return nil, durable.ErrFencingTokenMismatch
	}
	token := uuid.NewString()
	expiresAt := now.Add(ttl)
	r.FencingToken = token
	r.TokenExpiresAt = &expiresAt
	cp := *r
	return &durable.FencingLease{Token: token, ExpiresAt: expiresAt, Run: &cp}, nil
}

func (f *fakeStore) ReleaseRunFencingToken(ctx context.Context, runID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return durable.ErrNotFound
	}
	if r.FencingToken != token {
		return durable.ErrFencingTokenMismatch
	}
	r.FencingToken = ""
	r.TokenExpiresAt = nil
	return nil
}

func (f *fakeStore) CreateSubtask(ctx context.Context, st *model.Subtask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.State = model.SubtaskPending
	st.StateVersion = 1
	cp := *st
	f.subtasks[st.ID] = &cp
	return nil
}

func (f *fakeStore) GetSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.subtasks[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) ListSubtasks(ctx context.Context, runID string) ([]model.Subtask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Subtask
	for _, st := range f.subtasks {
		if st.RunID == runID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionSubtaskState(ctx context.Context, id string, from, to model.SubtaskState, expectedVersion int64, reason string) (*model.Subtask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.subtasks[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	if st.State != from || st.StateVersion != expectedVersion {
		return nil, durable.ErrConcurrencyConflict
	}
	if !model.CanTransitionSubtask(from, to) {
		return nil, durable.ErrInvalidTransition
	}
	st.State = to
	st.StateVersion++
	st.Error = reason
	if from == model.SubtaskFailed && to == model.SubtaskPending {
		st.AttemptCount++
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) SaveSubtaskOutput(ctx context.Context, id string, output []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.subtasks[id]
	if !ok {
		return durable.ErrNotFound
	}
	st.Output = output
	return nil
}

func (f *fakeStore) CheckSubtaskReady(ctx context.Context, id string) (bool, error) {
	st, err := f.GetSubtask(ctx, id)
	if err != nil {
		return false, err
	}
	completed := map[string]bool{}
	for _, s := range f.subtasks {
		if s.State == model.SubtaskCompleted {
			completed[s.ID] = true
		}
	}
	return st.Ready(completed), nil
}

func (f *fakeStore) GetSubtaskCountsByState(ctx context.Context, runID string) (durable.SubtaskCounts, error) {
	subtasks, _ := f.ListSubtasks(ctx, runID)
	counts := durable.SubtaskCounts{}
	for _, st := range subtasks {
		counts[st.State]++
	}
	return counts, nil
}

func (f *fakeStore) GetCreditBalance(ctx context.Context, orgID string) (*model.CreditBalance, error) {
	return &model.CreditBalance{OrgID: orgID, BalanceUSD: decimal.NewFromInt(100)}, nil
}
func (f *fakeStore) RecordTokenCall(ctx context.Context, rec model.TokenRecord) (*durable.ChargeResult, error) {
	return &durable.ChargeResult{TokenRecord: rec}, nil
}
func (f *fakeStore) AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*model.CreditBalance, error) {
	return &model.CreditBalance{OrgID: orgID, BalanceUSD: amount}, nil
}
func (f *fakeStore) GetModelPricing(ctx context.Context, m string) (*model.ModelPricing, error) {
	return nil, durable.ErrNotFound
}
func (f *fakeStore) UpsertModelPricing(ctx context.Context, p model.ModelPricing) error { return nil }
func (f *fakeStore) ReconcileRun(ctx context.Context, runID string) (*model.ReconciliationRow, error) {
	return &model.ReconciliationRow{RunID: runID, Status: "ok"}, nil
}
func (f *fakeStore) Close() {}
