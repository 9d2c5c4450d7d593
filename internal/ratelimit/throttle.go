package ratelimit

import (
	"context"
	"time"
)

// MessageType names a gateway wire-message kind for per-type throttling.
type MessageType string

const (
	MessageOperation MessageType = "operation"
	MessageCursor    MessageType = "cursor"
	MessageGeneral   MessageType = "general"
)

// ThrottleConfig tunes the per-type buckets and the degradation policy.
type ThrottleConfig struct {
	OperationCapacity int
	OperationPerSec   float64
	CursorCapacity    int
	CursorPerSec      float64
	GeneralCapacity   int
	GeneralPerSec     float64

	DegradationEnabled bool
	DegradationDelay   time.Duration
}

// DefaultThrottleConfig gives operation batches the tightest bucket,
// cursor updates the loosest, and general messages in between.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		OperationCapacity:  10,
		OperationPerSec:    5,
		CursorCapacity:     60,
		CursorPerSec:       30,
		GeneralCapacity:    30,
		GeneralPerSec:      15,
		DegradationEnabled: true,
		DegradationDelay:   200 * time.Millisecond,
	}
}

// MessageThrottler applies the gateway's per-type message rate limits.
type MessageThrottler struct {
	cfg      ThrottleConfig
	buckets  map[MessageType]*TokenBucketLimiter
}

func NewMessageThrottler(cfg ThrottleConfig) *MessageThrottler {
	return &MessageThrottler{
		cfg: cfg,
		buckets: map[MessageType]*TokenBucketLimiter{
			MessageOperation: NewTokenBucketLimiter(cfg.OperationCapacity, cfg.OperationPerSec),
			MessageCursor:    NewTokenBucketLimiter(cfg.CursorCapacity, cfg.CursorPerSec),
			MessageGeneral:   NewTokenBucketLimiter(cfg.GeneralCapacity, cfg.GeneralPerSec),
		},
	}
}

// Admit checks the bucket for msgType keyed by connectionKey. When
// degradation is enabled and the resulting retry_after is within
// DegradationDelay, it sleeps that long and admits the request instead
// of rejecting it outright.
func (m *MessageThrottler) Admit(ctx context.Context, msgType MessageType, connectionKey string) Decision {
	bucket, ok := m.buckets[msgType]
	if !ok {
		bucket = m.buckets[MessageGeneral]
	}
	decision := bucket.Check(connectionKey)
	if !decision.Limited {
		return decision
	}
	if m.cfg.DegradationEnabled && decision.RetryAfter <= m.cfg.DegradationDelay {
		select {
		case <-time.After(decision.RetryAfter):
			return Decision{}
		case <-ctx.Done():
			return decision
		}
	}
	return decision
}
