package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketExhaustsAndReportsRetryAfter(t *testing.T) {
	l := NewTokenBucketLimiter(3, 1) // capacity 3, 1 token/sec

	for i := 0; i < 3; i++ {
		d := l.Check("key")
		require.False(t, d.Limited, "request %d should pass on a full bucket", i)
	}

	d := l.Check("key")
	require.True(t, d.Limited)
	require.Greater(t, d.RetryAfter, time.Duration(0))

	// Another key has its own bucket.
	require.False(t, l.Check("other").Limited)
}

func TestSlidingWindowAdmission(t *testing.T) {
	l := NewSlidingWindowLimiter(2, 50*time.Millisecond)

	require.False(t, l.Check("k").Limited)
	require.False(t, l.Check("k").Limited)
	require.True(t, l.Check("k").Limited)

	time.Sleep(60 * time.Millisecond)
	require.False(t, l.Check("k").Limited, "window slides past old timestamps")
}

func TestFixedWindowResets(t *testing.T) {
	const window = 50 * time.Millisecond
	l := NewFixedWindowLimiter(2, window)

	// Align to a window boundary so all three checks land in one window.
	time.Sleep(time.Until(time.Now().Truncate(window).Add(window)))

	require.False(t, l.Check("k").Limited)
	require.False(t, l.Check("k").Limited)
	require.True(t, l.Check("k").Limited)

	time.Sleep(window + 10*time.Millisecond)
	require.False(t, l.Check("k").Limited, "a new wall-clock window starts fresh")
}

func TestCompositeAnyScopeDenies(t *testing.T) {
	c := NewCompositeLimiter(
		Scope{Name: "user", Limiter: NewTokenBucketLimiter(1, 0.001)},
		Scope{Name: "global", Limiter: NewTokenBucketLimiter(100, 100)},
	)

	require.False(t, c.Check("alice").Limited)
	d := c.Check("alice")
	require.True(t, d.Limited, "the tightest scope's denial wins")
}

func TestCompositeBlockedKeys(t *testing.T) {
	c := NewCompositeLimiter(Scope{Name: "user", Limiter: NewTokenBucketLimiter(10, 10)})
	c.Block("mallory")

	d := c.Check("mallory")
	require.True(t, d.Blocked)

	c.Unblock("mallory")
	require.False(t, c.Check("mallory").Blocked)
}

func TestThrottlerPerTypeBuckets(t *testing.T) {
	cfg := DefaultThrottleConfig()
	cfg.OperationCapacity = 1
	cfg.OperationPerSec = 0.001
	cfg.DegradationEnabled = false
	m := NewMessageThrottler(cfg)
	ctx := context.Background()

	require.False(t, m.Admit(ctx, MessageOperation, "c1").Limited)
	require.True(t, m.Admit(ctx, MessageOperation, "c1").Limited)

	// Cursor traffic is governed by its own, looser bucket.
	require.False(t, m.Admit(ctx, MessageCursor, "c1").Limited)
}

func TestThrottlerDegradationDefersInsteadOfRejecting(t *testing.T) {
	cfg := DefaultThrottleConfig()
	cfg.OperationCapacity = 1
	cfg.OperationPerSec = 100 // retry_after ~10ms, within the degradation delay
	cfg.DegradationEnabled = true
	cfg.DegradationDelay = 100 * time.Millisecond
	m := NewMessageThrottler(cfg)
	ctx := context.Background()

	require.False(t, m.Admit(ctx, MessageOperation, "c1").Limited)

	start := time.Now()
	d := m.Admit(ctx, MessageOperation, "c1")
	require.False(t, d.Limited, "a short wait is absorbed as a deferral")
	require.Greater(t, time.Since(start), time.Duration(0))
}
