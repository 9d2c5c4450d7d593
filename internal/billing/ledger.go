// Package billing implements the pre-call estimate / post-call
// reconciliation engine: budget checks, idempotent charges via the
// Durable Store, a circuit-breaker-governed operating mode, and a
// per-org rate limiter that precedes every charge.
package billing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"forge.control/internal/billing/tokencount"
	"forge.control/internal/durable"
	"forge.control/internal/logging"
	"forge.control/internal/metrics"
	"forge.control/internal/model"
	"forge.control/internal/ratelimit"
)

// Mode is the ledger's internally governed operating mode.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeReadOnly Mode = "READ_ONLY"
	ModeDisabled Mode = "DISABLED"
)

var (
	ErrInsufficientCredits = fmt.Errorf("INSUFFICIENT_CREDITS")
	ErrRateLimited         = fmt.Errorf("RATE_LIMITED")
)

// ChargeCode reports how a charge request resolved.
type ChargeCode string

const (
	ChargeOK              ChargeCode = "OK"
	ChargeBillingDisabled ChargeCode = "BILLING_DISABLED"
)

// Config tunes the ledger's self-demotion and rate-limit thresholds.
type Config struct {
	FailureThreshold int           // consecutive charge exceptions before READ_ONLY
	BreakerInterval  time.Duration // gobreaker counter reset window
	BreakerTimeout   time.Duration // time spent in READ_ONLY before a half-open probe
	RequestsPerMin   int           // per-org sliding window
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BreakerInterval:  time.Minute,
		BreakerTimeout:   30 * time.Second,
		RequestsPerMin:   120,
	}
}

// Ledger is the Billing Ledger component.
type Ledger struct {
	store   durable.Store
	counter *tokencount.Counter
	pricing *PricingCache
	limiter *ratelimit.SlidingWindowLimiter
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger

	manualMode int32 // atomic Mode override; 0 = none, else index into modeNames
}

var modeNames = []Mode{ModeNormal, ModeReadOnly, ModeDisabled}

func New(store durable.Store, counter *tokencount.Counter, pricing *PricingCache, cfg Config, log *logging.Logger) *Ledger {
	settings := gobreaker.Settings{
		Name:        "billing-charge-path",
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
	}
	return &Ledger{
		store:   store,
		counter: counter,
		pricing: pricing,
		limiter: ratelimit.NewSlidingWindowLimiter(cfg.RequestsPerMin, time.Minute),
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// Mode reports the ledger's current operating mode: a manual override if
// set, else derived from the underlying breaker's state.
func (l *Ledger) Mode() Mode {
	if idx := atomic.LoadInt32(&l.manualMode); idx != 0 {
		return modeNames[idx]
	}
	if l.breaker.State() == gobreaker.StateOpen {
		return ModeReadOnly
	}
	return ModeNormal
}

// SetManualMode lets an operator force a mode. Pass ModeNormal to clear
// the override. Clearing does not reset a tripped breaker: a ledger that
// self-demoted stays READ_ONLY until BreakerTimeout lets a half-open
// probe through.
func (l *Ledger) SetManualMode(m Mode) {
	if m == ModeNormal {
		atomic.StoreInt32(&l.manualMode, 0)
		return
	}
	for i, n := range modeNames {
		if n == m {
			atomic.StoreInt32(&l.manualMode, int32(i))
			return
		}
	}
}

// Estimate is the (TokenCount, cost) pair returned by estimate_call_cost.
type Estimate struct {
	InputTokens  int
	OutputTokens int
	CostUSD      decimal.Decimal
}

// EstimateCallCost counts input tokens, estimates output as
// min(maxTokens, 0.5*input), and prices both against the model's
// per-million rates.
func (l *Ledger) EstimateCallCost(ctx context.Context, model_ string, provider model.Provider, inputText string, maxTokens int) (*Estimate, error) {
	inputTokens := l.counter.CountText(inputText, provider)

	outputTokens := inputTokens / 2
	if maxTokens > 0 && maxTokens < outputTokens {
		outputTokens = maxTokens
	}

	pricing, err := l.pricing.Lookup(ctx, model_)
	if err != nil {
		return nil, fmt.Errorf("looking up pricing for %s: %w", model_, err)
	}

	cost := decimal.NewFromInt(int64(inputTokens)).Div(decimal.NewFromInt(1_000_000)).Mul(pricing.InputPerMillion).
		Add(decimal.NewFromInt(int64(outputTokens)).Div(decimal.NewFromInt(1_000_000)).Mul(pricing.OutputPerMillion))

	return &Estimate{InputTokens: inputTokens, OutputTokens: outputTokens, CostUSD: cost}, nil
}

// PriceUsage prices actual token usage against the model's per-million
// rates, for post-call charges.
func (l *Ledger) PriceUsage(ctx context.Context, model_ string, inputTokens, outputTokens int) (decimal.Decimal, error) {
	pricing, err := l.pricing.Lookup(ctx, model_)
	if err != nil {
		return decimal.Zero, fmt.Errorf("looking up pricing for %s: %w", model_, err)
	}
	return decimal.NewFromInt(int64(inputTokens)).Div(decimal.NewFromInt(1_000_000)).Mul(pricing.InputPerMillion).
		Add(decimal.NewFromInt(int64(outputTokens)).Div(decimal.NewFromInt(1_000_000)).Mul(pricing.OutputPerMillion)), nil
}

// CheckBudget succeeds iff available_usd >= amount.
func (l *Ledger) CheckBudget(ctx context.Context, orgID string, amount decimal.Decimal) error {
	bal, err := l.store.GetCreditBalance(ctx, orgID)
	if err != nil {
		return fmt.Errorf("reading balance: %w", err)
	}
	if bal.AvailableUSD().LessThan(amount) {
		return ErrInsufficientCredits
	}
	return nil
}

// ChargeResult reports how BillTokenCall resolved.
type ChargeResult struct {
	Code        ChargeCode
	TokenRecord model.TokenRecord
	Replayed    bool
}

// BillTokenCall is bill_token_call: rate-limits, then records the charge
// via the Durable Store's idempotent RecordTokenCall, self-demoting to
// READ_ONLY after FailureThreshold consecutive exceptions.
func (l *Ledger) BillTokenCall(ctx context.Context, rec model.TokenRecord) (*ChargeResult, error) {
	if decision := l.limiter.Check(rec.OrgID); decision.Limited {
		return nil, ErrRateLimited
	}

	if l.Mode() != ModeNormal {
		metrics.ChargesTotal.WithLabelValues(string(ChargeBillingDisabled)).Inc()
		return &ChargeResult{Code: ChargeBillingDisabled}, nil
	}

	result, err := l.breaker.Execute(func() (interface{}, error) {
		return l.store.RecordTokenCall(ctx, rec)
	})
	if err != nil {
		metrics.ChargeErrors.Inc()
		l.log.WithField("org_id", rec.OrgID).WithError(err).Warn("charge path exception")
		return nil, fmt.Errorf("billing charge: %w", err)
	}

	cr := result.(*durable.ChargeResult)
	metrics.ChargesTotal.WithLabelValues(string(ChargeOK)).Inc()
	return &ChargeResult{Code: ChargeOK, TokenRecord: cr.TokenRecord, Replayed: cr.Replayed}, nil
}
