package backpressure

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func TestValueWeightedSum(t *testing.T) {
	w := DefaultWeights()

	require.InDelta(t, 0, Value(Ratios{}, w), 1e-9)
	require.InDelta(t, 1.0, Value(Ratios{WebSocketConnections: 1, PubSubChannels: 1, OTQueueDepth: 1, ResidentMemory: 1}, w), 1e-9)

	// Ratios above 1.0 are capped before weighting.
	require.InDelta(t, 0.30, Value(Ratios{WebSocketConnections: 5}, w), 1e-9)

	require.InDelta(t, 0.5*0.30+0.2*0.25, Value(Ratios{WebSocketConnections: 0.5, PubSubChannels: 0.2}, w), 1e-9)
}

func TestAdaptiveShiftsAndRenormalizes(t *testing.T) {
	w := DefaultWeights()
	r := Ratios{WebSocketConnections: 0.9, PubSubChannels: 0.1, OTQueueDepth: 0.5, ResidentMemory: 0.5}
	got := Adaptive(r, w, 0.1)

	total := got.WebSocket + got.PubSub + got.OTQueue + got.Memory
	require.InDelta(t, 1.0, total, 1e-9)
	require.Greater(t, got.WebSocket, w.WebSocket*0.99, "weight shifts toward the hot ratio")
	require.Less(t, got.PubSub, w.PubSub, "weight shifts away from the cold ratio")
}

func newTestBreaker(openDuration time.Duration) *Breaker {
	cfg := DefaultConfig()
	cfg.OpenDuration = openDuration
	cfg.HalfOpenMaxRequests = 1
	return NewBreaker(cfg)
}

func TestBreakerOpensAtActivationThreshold(t *testing.T) {
	b := newTestBreaker(50 * time.Millisecond)

	b.Sample(0.5)
	ok, _, err := b.Allow()
	require.True(t, ok)
	require.NoError(t, err)

	b.Sample(0.97)
	ok, retryAfter, err := b.Allow()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.GreaterOrEqual(t, retryAfter, time.Duration(0))
	require.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreakerStaysOpenForOpenDuration(t *testing.T) {
	b := newTestBreaker(80 * time.Millisecond)
	b.Sample(0.97)
	_, _, _ = b.Allow()
	require.Equal(t, gobreaker.StateOpen, b.State())

	// Even with load back to normal, the breaker rejects until the open
	// duration elapses.
	b.Sample(0.1)
	ok, _, err := b.Allow()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenThenCloses(t *testing.T) {
	b := newTestBreaker(30 * time.Millisecond)
	b.Sample(0.97)
	_, _, _ = b.Allow()

	time.Sleep(50 * time.Millisecond)

	// Backpressure has dropped below the deactivation threshold; the
	// half-open probe succeeds and the breaker closes.
	b.Sample(0.80)
	ok, _, err := b.Allow()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerHalfOpenReopensWhileLoadHigh(t *testing.T) {
	b := newTestBreaker(30 * time.Millisecond)
	b.Sample(0.97)
	_, _, _ = b.Allow()

	time.Sleep(50 * time.Millisecond)

	// Still above the deactivation threshold: the probe fails and the
	// breaker reopens.
	b.Sample(0.90)
	ok, _, err := b.Allow()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreakerForce(t *testing.T) {
	b := newTestBreaker(30 * time.Millisecond)
	b.Sample(0.1)
	b.Force()
	ok, _, err := b.Allow()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrCircuitOpen)
}
