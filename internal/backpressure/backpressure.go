// Package backpressure computes the gateway's load scalar and drives a
// sony/gobreaker-backed circuit breaker off it. The breaker's trip
// condition is custom (backpressure threshold rather than gobreaker's
// default error ratio), wrapping the same sony/gobreaker primitive the
// billing ledger's self-demotion breaker uses.
package backpressure

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"forge.control/internal/metrics"
)

// ErrCircuitOpen is returned when the breaker is open or deliberately
// forced open.
var ErrCircuitOpen = fmt.Errorf("CIRCUIT_OPEN")

// Ratios is the four weighted inputs to the backpressure scalar.
type Ratios struct {
	WebSocketConnections float64 // connections / cap
	PubSubChannels       float64 // channels / cap
	OTQueueDepth         float64 // queue depth / cap
	ResidentMemory       float64 // RSS / cap
}

// Weights are the default static weights; an adaptive variant shifts
// these at runtime (see Adaptive below).
type Weights struct {
	WebSocket float64
	PubSub    float64
	OTQueue   float64
	Memory    float64
}

func DefaultWeights() Weights {
	return Weights{WebSocket: 0.30, PubSub: 0.25, OTQueue: 0.25, Memory: 0.20}
}

func cap1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}

// Value computes the weighted backpressure scalar, each ratio capped at
// 1.0 before weighting.
func Value(r Ratios, w Weights) float64 {
	return cap1(r.WebSocketConnections)*w.WebSocket +
		cap1(r.PubSubChannels)*w.PubSub +
		cap1(r.OTQueueDepth)*w.OTQueue +
		cap1(r.ResidentMemory)*w.Memory
}

// Adaptive shifts weight +adaptationRate toward any ratio > 0.8 and
// -adaptationRate/2 away from any ratio < 0.3, then re-normalizes, per
// re-balance attention toward whichever resource is hottest.
func Adaptive(r Ratios, w Weights, adaptationRate float64) Weights {
	adjust := func(weight, ratio float64) float64 {
		switch {
		case ratio > 0.8:
			return weight + adaptationRate
		case ratio < 0.3:
			return weight - adaptationRate/2
		default:
			return weight
		}
	}
	adjusted := Weights{
		WebSocket: adjust(w.WebSocket, r.WebSocketConnections),
		PubSub:    adjust(w.PubSub, r.PubSubChannels),
		OTQueue:   adjust(w.OTQueue, r.OTQueueDepth),
		Memory:    adjust(w.Memory, r.ResidentMemory),
	}
	for _, wt := range []*float64{&adjusted.WebSocket, &adjusted.PubSub, &adjusted.OTQueue, &adjusted.Memory} {
		if *wt < 0 {
			*wt = 0
		}
	}
	total := adjusted.WebSocket + adjusted.PubSub + adjusted.OTQueue + adjusted.Memory
	if total == 0 {
		return w
	}
	adjusted.WebSocket /= total
	adjusted.PubSub /= total
	adjusted.OTQueue /= total
	adjusted.Memory /= total
	return adjusted
}

// Config tunes the breaker's thresholds and timing.
type Config struct {
	ActivationThreshold   float64 // open when backpressure >= this
	DeactivationThreshold float64 // close from half-open only if bp <= this too
	OpenDuration          time.Duration
	HalfOpenMaxRequests   int
}

func DefaultConfig() Config {
	return Config{
		ActivationThreshold:   0.95,
		DeactivationThreshold: 0.85,
		OpenDuration:          30 * time.Second,
		HalfOpenMaxRequests:   5,
	}
}

// Breaker is the three-state closed/open/half_open gate, driven
// by a backpressure scalar rather than an error ratio.
type Breaker struct {
	cfg Config
	gb  *gobreaker.TwoStepCircuitBreaker

	mu      sync.RWMutex
	current float64
	forced  bool
}

func NewBreaker(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	settings := gobreaker.Settings{
		Name:        "gateway-backpressure",
		MaxRequests: uint32(cfg.HalfOpenMaxRequests),
		Timeout:     cfg.OpenDuration,
		// Each two-step call's "failure" IS the backpressure check
		// failing (Allow below decides success/failure from the sampled
		// scalar, not from a wrapped operation's error), so a single
		// failure is sufficient to trip.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}
	b.gb = gobreaker.NewTwoStepCircuitBreaker(settings)
	return b
}

// Sample records a fresh backpressure reading; the next Allow call
// evaluates it against the breaker's current state.
func (b *Breaker) Sample(value float64) {
	b.mu.Lock()
	b.current = value
	b.mu.Unlock()
	metrics.BackpressureValue.Set(value)
}

// Force holds the breaker open regardless of the sampled value, until
// cleared by ForceClear.
func (b *Breaker) Force() {
	b.mu.Lock()
	b.forced = true
	b.mu.Unlock()
}

func (b *Breaker) ForceClear() {
	b.mu.Lock()
	b.forced = false
	b.mu.Unlock()
}

// State reports the breaker's current named state.
func (b *Breaker) State() gobreaker.State {
	return b.gb.State()
}

// Allow reports whether a request should be admitted right now, and, if
// not, how long the caller should wait before retrying. In the closed
// state it trips open once backpressure reaches ActivationThreshold; in
// the half-open state it only counts as a success (eligible to close)
// once backpressure has fallen to or below DeactivationThreshold, so the
// breaker cannot close on an isolated lucky reading while load is still
// elevated.
func (b *Breaker) Allow() (ok bool, retryAfter time.Duration, err error) {
	b.mu.RLock()
	value := b.current
	forced := b.forced
	b.mu.RUnlock()

	state := b.gb.State()

	done, allowErr := b.gb.Allow()
	if allowErr != nil {
		return false, b.cfg.OpenDuration, ErrCircuitOpen
	}

	success := !forced
	if state == gobreaker.StateHalfOpen {
		success = success && value <= b.cfg.DeactivationThreshold
	} else {
		success = success && value < b.cfg.ActivationThreshold
	}

	done(success)
	if !success {
		return false, b.cfg.OpenDuration, ErrCircuitOpen
	}
	return true, 0, nil
}
