package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"forge.control/internal/durable"
	"forge.control/internal/model"
)

// staticFallback is the hard-coded pricing table consulted only when
// neither tier nor the Durable Store has a row for the model. Set
// DisableStaticFallback to fail loud instead.
var staticFallback = map[string]model.ModelPricing{
	"gpt-4o":          {Model: "gpt-4o", Provider: model.ProviderOpenAI, InputPerMillion: decimal.NewFromFloat(2.5), OutputPerMillion: decimal.NewFromFloat(10)},
	"gpt-4o-mini":     {Model: "gpt-4o-mini", Provider: model.ProviderOpenAI, InputPerMillion: decimal.NewFromFloat(0.15), OutputPerMillion: decimal.NewFromFloat(0.6)},
	"claude-3-5-sonnet": {Model: "claude-3-5-sonnet", Provider: model.ProviderAnthropic, InputPerMillion: decimal.NewFromFloat(3), OutputPerMillion: decimal.NewFromFloat(15)},
	"gemini-1.5-pro":  {Model: "gemini-1.5-pro", Provider: model.ProviderGoogle, InputPerMillion: decimal.NewFromFloat(1.25), OutputPerMillion: decimal.NewFromFloat(5)},
}

type cacheEntry struct {
	pricing   model.ModelPricing
	expiresAt time.Time
}

// PricingCache implements the three-level fall-through lookup: in-process
// TTL cache, shared Redis TTL cache, Durable Store source of truth, with
// writes populating upward on a miss.
type PricingCache struct {
	ttl    time.Duration
	store  durable.Store
	redis  *redis.Client
	keyFor func(model string) string

	mu    sync.RWMutex
	local map[string]cacheEntry

	DisableStaticFallback bool
}

func NewPricingCache(store durable.Store, redisClient *redis.Client, ttl time.Duration) *PricingCache {
	return &PricingCache{
		ttl:    ttl,
		store:  store,
		redis:  redisClient,
		keyFor: func(m string) string { return "pricing:" + m },
		local:  make(map[string]cacheEntry),
	}
}

// Lookup falls through in-process -> shared KV -> Durable Store ->
// static table, populating faster tiers on the way back out.
func (c *PricingCache) Lookup(ctx context.Context, modelName string) (*model.ModelPricing, error) {
	if p, ok := c.fromLocal(modelName); ok {
		return &p, nil
	}

	if p, ok := c.fromShared(ctx, modelName); ok {
		c.setLocal(modelName, p)
		return &p, nil
	}

	p, err := c.store.GetModelPricing(ctx, modelName)
	if err == nil {
		c.setShared(ctx, modelName, *p)
		c.setLocal(modelName, *p)
		return p, nil
	}
	if err != durable.ErrNotFound {
		return nil, fmt.Errorf("reading model pricing: %w", err)
	}

	if c.DisableStaticFallback {
		return nil, durable.ErrNotFound
	}
	if fallback, ok := staticFallback[modelName]; ok {
		return &fallback, nil
	}
	// Last-resort default so missing pricing never turns into a hard
	// error on the charge path.
	def := defaultPricing
	def.Model = modelName
	return &def, nil
}

// defaultPricing is the final fallback applied to models absent from
// every tier and the static table.
var defaultPricing = model.ModelPricing{
	Provider:         model.ProviderOther,
	InputPerMillion:  decimal.NewFromFloat(1),
	OutputPerMillion: decimal.NewFromFloat(3),
}

func (c *PricingCache) fromLocal(modelName string) (model.ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.local[modelName]
	if !ok || time.Now().After(entry.expiresAt) {
		return model.ModelPricing{}, false
	}
	return entry.pricing, true
}

func (c *PricingCache) setLocal(modelName string, p model.ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[modelName] = cacheEntry{pricing: p, expiresAt: time.Now().Add(c.ttl)}
}

func (c *PricingCache) fromShared(ctx context.Context, modelName string) (model.ModelPricing, bool) {
	if c.redis == nil {
		return model.ModelPricing{}, false
	}
	raw, err := c.redis.Get(ctx, c.keyFor(modelName)).Bytes()
	if err != nil {
		return model.ModelPricing{}, false
	}
	var p model.ModelPricing
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ModelPricing{}, false
	}
	return p, true
}

func (c *PricingCache) setShared(ctx context.Context, modelName string, p model.ModelPricing) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	c.redis.Set(ctx, c.keyFor(modelName), raw, c.ttl)
}
