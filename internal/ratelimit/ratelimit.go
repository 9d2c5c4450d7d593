// Package ratelimit implements the three interchangeable admission
// algorithms (token bucket, sliding window, fixed window), a
// composite limiter that runs several at different scopes, and the
// bounded-LRU bucket storage that keeps per-key state from growing
// without limit. The token-bucket path wraps golang.org/x/time/rate;
// bucket storage is backed by hashicorp/golang-lru/v2.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ErrRateLimited and ErrBlocked are the sentinel errors callers compare
// against.
var (
	ErrRateLimited = fmt.Errorf("RATE_LIMITED")
	ErrBlocked     = fmt.Errorf("BLOCKED")
)

// Decision is the result of a single admission check.
type Decision struct {
	Limited    bool
	Blocked    bool
	RetryAfter time.Duration
}

// Limiter is the common interface every algorithm below satisfies.
type Limiter interface {
	Check(key string) Decision
}

const defaultBucketCapacity = 10_000

// TokenBucketLimiter wraps golang.org/x/time/rate.Limiter per key,
// capacity C and refill rate R tokens/sec, stored in a bounded LRU that
// evicts the oldest entries first.
type TokenBucketLimiter struct {
	capacity float64
	rate     rate.Limit
	mu       sync.Mutex
	buckets  *lru.Cache[string, *rate.Limiter]
}

func NewTokenBucketLimiter(capacity int, refillPerSecond float64) *TokenBucketLimiter {
	cache, _ := lru.New[string, *rate.Limiter](defaultBucketCapacity)
	return &TokenBucketLimiter{
		capacity: float64(capacity),
		rate:     rate.Limit(refillPerSecond),
		buckets:  cache,
	}
}

func (t *TokenBucketLimiter) bucket(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(t.rate, int(t.capacity))
	t.buckets.Add(key, b)
	return b
}

// Check decrements a token if >= 1 is available, else returns Limited
// with retry_after = (1-tokens)/R.
func (t *TokenBucketLimiter) Check(key string) Decision {
	b := t.bucket(key)
	if b.Allow() {
		return Decision{}
	}
	tokens := b.Tokens()
	wait := time.Duration(0)
	if t.rate > 0 {
		remaining := (1 - tokens) / float64(t.rate)
		if remaining > 0 {
			wait = time.Duration(remaining * float64(time.Second))
		}
	}
	return Decision{Limited: true, RetryAfter: wait}
}

// SlidingWindowLimiter admits at most limit requests per rolling window
// per key, tracked as a timestamp deque.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   *lru.Cache[string, []time.Time]
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	cache, _ := lru.New[string, []time.Time](defaultBucketCapacity)
	return &SlidingWindowLimiter{limit: limit, window: window, hits: cache}
}

func (s *SlidingWindowLimiter) Check(key string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.window)

	times, _ := s.hits.Get(key)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= s.limit {
		oldest := kept[0]
		retryAfter := oldest.Add(s.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		s.hits.Add(key, kept)
		return Decision{Limited: true, RetryAfter: retryAfter}
	}

	kept = append(kept, now)
	s.hits.Add(key, kept)
	return Decision{}
}

// FixedWindowLimiter is a simple counter per wall-clock window.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	counts *lru.Cache[string, *fixedWindowEntry]
}

type fixedWindowEntry struct {
	windowStart time.Time
	count       int
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	cache, _ := lru.New[string, *fixedWindowEntry](defaultBucketCapacity)
	return &FixedWindowLimiter{limit: limit, window: window, counts: cache}
}

func (f *FixedWindowLimiter) Check(key string) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	entry, ok := f.counts.Get(key)
	windowStart := now.Truncate(f.window)
	if !ok || entry.windowStart != windowStart {
		entry = &fixedWindowEntry{windowStart: windowStart}
		f.counts.Add(key, entry)
	}

	if entry.count >= f.limit {
		return Decision{Limited: true, RetryAfter: windowStart.Add(f.window).Sub(now)}
	}
	entry.count++
	return Decision{}
}

// Scope names a limiter within a CompositeLimiter, used to build the
// per-request key (e.g. "user:42", "ip:1.2.3.4", "global").
type Scope struct {
	Name    string
	Limiter Limiter
	KeyFunc func(base string) string
}

// CompositeLimiter runs several scoped limiters; any LIMITED denies the
// request, and a manually-maintained blocked-key set returns BLOCKED
// before any scope is even checked.
type CompositeLimiter struct {
	scopes []Scope

	mu      sync.RWMutex
	blocked map[string]bool
}

func NewCompositeLimiter(scopes ...Scope) *CompositeLimiter {
	return &CompositeLimiter{scopes: scopes, blocked: make(map[string]bool)}
}

// Block adds a key to the manually-maintained blocked set.
func (c *CompositeLimiter) Block(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[key] = true
}

// Unblock removes a key from the blocked set.
func (c *CompositeLimiter) Unblock(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, key)
}

// Check evaluates every scope in order against base (typically a
// request-scoped identifier such as a user id), returning the first
// LIMITED or BLOCKED verdict encountered.
func (c *CompositeLimiter) Check(base string) Decision {
	c.mu.RLock()
	blocked := c.blocked[base]
	c.mu.RUnlock()
	if blocked {
		return Decision{Blocked: true}
	}

	for _, scope := range c.scopes {
		key := base
		if scope.KeyFunc != nil {
			key = scope.KeyFunc(base)
		}
		if d := scope.Limiter.Check(key); d.Limited {
			return d
		}
	}
	return Decision{}
}
