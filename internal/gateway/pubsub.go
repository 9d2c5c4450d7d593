package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"forge.control/internal/logging"
)

const globalSyncChannel = "collab:sync:global"

func documentSyncChannel(documentID string) string {
	return "collab:sync:" + documentID
}

// ringBuffer is a small fixed-capacity set of recently seen message ids,
// used to de-duplicate cross-node broadcasts.
type ringBuffer struct {
	mu       sync.Mutex
	ids      []string
	seen     map[string]bool
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 512
	}
	return &ringBuffer{ids: make([]string, 0, capacity), seen: make(map[string]bool, capacity), capacity: capacity}
}

// SeenOrAdd reports whether id was already recorded; if not, it records
// it, evicting the oldest entry once at capacity.
func (r *ringBuffer) SeenOrAdd(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[id] {
		return true
	}
	if len(r.ids) >= r.capacity {
		oldest := r.ids[0]
		r.ids = r.ids[1:]
		delete(r.seen, oldest)
	}
	r.ids = append(r.ids, id)
	r.seen[id] = true
	return false
}

// publisher wraps the Redis client for cross-node publish/subscribe,
// with a per-document channel plus a global one.
type publisher struct {
	client    *redis.Client
	sourcePod string
	log       *logging.Logger
}

func newPublisher(client *redis.Client, sourcePod string, log *logging.Logger) *publisher {
	if sourcePod == "" {
		sourcePod = uuid.NewString()
	}
	return &publisher{client: client, sourcePod: sourcePod, log: log}
}

// Publish broadcasts env on documentID's channel, tagged with a fresh
// message id and this node's pod identity so receivers can de-duplicate
// and skip their own publications.
func (p *publisher) Publish(ctx context.Context, documentID string, env Envelope) error {
	if p.client == nil {
		return nil
	}
	cne := crossNodeEnvelope{
		MessageID:  uuid.NewString(),
		SourcePod:  p.sourcePod,
		DocumentID: documentID,
		Envelope:   env,
	}
	data, err := json.Marshal(cne)
	if err != nil {
		return fmt.Errorf("marshaling cross-node envelope: %w", err)
	}
	return p.client.Publish(ctx, documentSyncChannel(documentID), data).Err()
}

// Subscribe listens on documentID's channel and the global channel,
// invoking onEvent for every message not originating from this pod and
// not already seen (via dedup).
func (p *publisher) Subscribe(ctx context.Context, documentID string, dedup *ringBuffer, onEvent func(crossNodeEnvelope)) {
	if p.client == nil {
		return
	}
	pubsub := p.client.Subscribe(ctx, documentSyncChannel(documentID), globalSyncChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		p.log.WithError(err).Warn("subscribing to document sync channel")
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cne crossNodeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &cne); err != nil {
				continue
			}
			if cne.SourcePod == p.sourcePod {
				continue
			}
			if dedup.SeenOrAdd(cne.MessageID) {
				continue
			}
			onEvent(cne)
		}
	}
}
