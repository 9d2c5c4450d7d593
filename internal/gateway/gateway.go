package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"forge.control/internal/backpressure"
	"forge.control/internal/collab"
	"forge.control/internal/logging"
	"forge.control/internal/metrics"
	"forge.control/internal/ot"
	"forge.control/internal/ratelimit"
)

// Config tunes the gateway's document checkpointing and presence
// sweeping.
type Config struct {
	CheckpointInterval int64
	Presence           collab.Config
	Throttle           ratelimit.ThrottleConfig
	Breaker            backpressure.Config
}

func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 50,
		Presence:           collab.DefaultConfig(),
		Throttle:           ratelimit.DefaultThrottleConfig(),
		Breaker:            backpressure.DefaultConfig(),
	}
}

// Gateway binds the Connection Manager, Presence tracker, OT engine, and
// backpressure/rate-limit gates to the editor wire protocol, and
// fans cross-node events out over Redis.
type Gateway struct {
	cfg       Config
	conns     *collab.ConnectionManager
	presence  *collab.PresenceTracker
	throttle  *ratelimit.MessageThrottler
	breaker   *backpressure.Breaker
	pub       *publisher
	log       *logging.Logger

	mu   sync.Mutex
	docs map[string]*ot.Document
	dedup map[string]*ringBuffer
}

func New(cfg Config, redisClient *redis.Client, sourcePod string, log *logging.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		conns:    collab.NewConnectionManager(),
		presence: collab.NewPresenceTracker(cfg.Presence),
		throttle: ratelimit.NewMessageThrottler(cfg.Throttle),
		breaker:  backpressure.NewBreaker(cfg.Breaker),
		pub:      newPublisher(redisClient, sourcePod, log),
		log:      log,
		docs:     make(map[string]*ot.Document),
		dedup:    make(map[string]*ringBuffer),
	}
}

// ConnectionCount reports open client connections, an input to the
// backpressure sampler.
func (g *Gateway) ConnectionCount() int { return g.conns.Count() }

// SubscriptionCount reports how many documents this node currently holds
// in memory; the backpressure sampler takes it as the pub/sub channel count.
func (g *Gateway) SubscriptionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.docs)
}

// PendingOperations reports the total history length held in memory, a
// proxy for OT queue depth until documents are snapshotted out.
func (g *Gateway) PendingOperations() int {
	g.mu.Lock()
	docs := make([]*ot.Document, 0, len(g.docs))
	for _, d := range g.docs {
		docs = append(docs, d)
	}
	g.mu.Unlock()
	total := 0
	for _, d := range docs {
		total += d.HistoryLen()
	}
	return total
}

// Breaker exposes the gateway's circuit breaker so a backpressure
// sampler loop can feed it fresh readings.
func (g *Gateway) Breaker() *backpressure.Breaker { return g.breaker }

// Presence exposes the tracker so a sweeper loop can run against it.
func (g *Gateway) Presence() *collab.PresenceTracker { return g.presence }

func (g *Gateway) document(documentID string) *ot.Document {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.docs[documentID]
	if !ok {
		d = ot.NewDocument(documentID, g.cfg.CheckpointInterval)
		g.docs[documentID] = d
		g.dedup[documentID] = newRingBuffer(512)
	}
	return d
}

// LoadDocument seeds a document's in-memory state from persisted
// content/version/history, for a gateway node that's never seen it
// before; peer nodes hold replicated caches refreshed via pub/sub.
func (g *Gateway) LoadDocument(documentID, content string, version int64, history []ot.Batch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[documentID] = ot.Restore(documentID, content, version, history, g.cfg.CheckpointInterval)
	g.dedup[documentID] = newRingBuffer(512)
}

// Upgrader is the gorilla/websocket upgrader the HTTP surface uses to
// promote a request into a gateway connection.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleConnection drives one client's websocket lifecycle: register,
// read pump, cross-node subscription, and cleanup on disconnect.
func (g *Gateway) HandleConnection(ctx context.Context, conn *websocket.Conn, userID, userName string) {
	clientID := uuid.NewString()
	wc := newWSConn(conn)
	g.conns.Register(clientID, userID, wc)
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go wc.writePump()

	var subWG sync.WaitGroup
	defer func() {
		g.disconnect(clientID)
		wc.Close()
		subWG.Wait()
	}()

	wc.readPump(func(data []byte) {
		env, err := ParseEnvelope(data)
		if err != nil {
			g.sendError(clientID, "INVALID_MESSAGE", err.Error(), 0)
			return
		}
		g.dispatch(connCtx, clientID, userID, userName, *env, &subWG)
	})
}

func (g *Gateway) disconnect(clientID string) {
	if docID, ok := g.conns.DocumentOf(clientID); ok {
		g.presence.Leave(docID, clientID)
		payload := PresencePayload{ClientID: clientID}
		g.broadcastLocal(docID, MsgPresenceLeave, payload, clientID)
	}
	g.conns.Disconnect(clientID)
}

func (g *Gateway) dispatch(ctx context.Context, clientID, userID, userName string, env Envelope, subWG *sync.WaitGroup) {
	metrics.WSMessages.WithLabelValues(string(env.Type)).Inc()
	switch env.Type {
	case MsgRegister:
		g.handleRegister(ctx, clientID, userID, userName, env, subWG)
	case MsgOperation:
		g.handleOperation(ctx, clientID, env)
	case MsgCursor:
		g.handleCursor(clientID, env)
	case MsgSync:
		g.handleSync(clientID, env)
	case MsgHeartbeat:
		g.handleHeartbeat(clientID)
	default:
		g.sendError(clientID, "UNKNOWN_MESSAGE_TYPE", fmt.Sprintf("unrecognized type %q", env.Type), 0)
	}
}

func (g *Gateway) handleRegister(ctx context.Context, clientID, userID, userName string, env Envelope, subWG *sync.WaitGroup) {
	var payload RegisterPayload
	if err := env.Decode(&payload); err != nil || payload.DocumentID == "" {
		g.sendError(clientID, "INVALID_REGISTER", "document_id is required", 0)
		return
	}
	if payload.UserID != "" {
		userID = payload.UserID
	}

	if err := g.conns.JoinDocument(clientID, payload.DocumentID); err != nil {
		g.sendError(clientID, "JOIN_FAILED", err.Error(), 0)
		return
	}

	p := g.presence.Join(payload.DocumentID, clientID, userID, payload.UserName)
	content, version := g.document(payload.DocumentID).Snapshot()

	g.send(clientID, MsgRegistered, RegisteredPayload{Version: version, Content: content, YourPresence: p})
	g.broadcastLocal(payload.DocumentID, MsgPresenceJoin, PresencePayload{
		ClientID: clientID, UserID: userID, DisplayName: payload.UserName, Color: p.Color,
	}, clientID)

	subWG.Add(1)
	go func() {
		defer subWG.Done()
		g.pub.Subscribe(ctx, payload.DocumentID, g.dedupFor(payload.DocumentID), func(cne crossNodeEnvelope) {
			g.conns.BroadcastToDocument(cne.DocumentID, cne.Envelope, "")
		})
	}()
}

func (g *Gateway) dedupFor(documentID string) *ringBuffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	rb, ok := g.dedup[documentID]
	if !ok {
		rb = newRingBuffer(512)
		g.dedup[documentID] = rb
	}
	return rb
}

func (g *Gateway) handleOperation(ctx context.Context, clientID string, env Envelope) {
	if ok, retryAfter, err := g.breaker.Allow(); !ok {
		g.sendError(clientID, "CIRCUIT_OPEN", err.Error(), retryAfter.Seconds())
		return
	}

	throttleCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if d := g.throttle.Admit(throttleCtx, ratelimit.MessageOperation, clientID); d.Limited {
		g.sendError(clientID, "RATE_LIMITED", "too many operation batches", d.RetryAfter.Seconds())
		return
	}

	documentID, ok := g.conns.DocumentOf(clientID)
	if !ok {
		g.sendError(clientID, "NOT_REGISTERED", "register before sending operations", 0)
		return
	}

	var payload OperationPayload
	if err := env.Decode(&payload); err != nil {
		g.sendError(clientID, "INVALID_OPERATION", err.Error(), 0)
		return
	}

	batch, err := decodeBatch(payload, clientID, documentID)
	if err != nil {
		g.sendError(clientID, "INVALID_OPERATION", err.Error(), 0)
		return
	}

	doc := g.document(documentID)
	transformed, _, version, err := doc.TransformAndApply(batch)
	if err != nil {
		g.sendError(clientID, "VERSION_MISMATCH", err.Error(), 0)
		return
	}

	metrics.OTBatchesApplied.Inc()
	g.send(clientID, MsgAck, AckPayload{BatchID: batch.ID, Version: version})

	opPayload := encodeBatch(transformed)
	env2, _ := NewEnvelope(MsgOperation, opPayload)
	g.conns.BroadcastToDocument(documentID, env2, clientID)
	if err := g.pub.Publish(ctx, documentID, *env2); err != nil {
		g.log.WithField("document_id", documentID).WithError(err).Warn("publishing operation to peers")
	}
}

func (g *Gateway) handleCursor(clientID string, env Envelope) {
	documentID, ok := g.conns.DocumentOf(clientID)
	if !ok {
		return
	}
	var payload CursorPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	sel := ot.Selection{Start: payload.Position, End: payload.Position}
	if payload.HasSel {
		sel = ot.Selection{Start: payload.SelStart, End: payload.SelEnd}
	}
	g.presence.UpdateCursor(documentID, clientID, sel)
	g.broadcastLocal(documentID, MsgCursor, payload, clientID)
}

func (g *Gateway) handleSync(clientID string, env Envelope) {
	documentID, ok := g.conns.DocumentOf(clientID)
	if !ok {
		g.sendError(clientID, "NOT_REGISTERED", "register before syncing", 0)
		return
	}
	var payload SyncPayload
	_ = env.Decode(&payload)

	doc := g.document(documentID)
	content, err := doc.ContentAtVersion(payload.Version)
	if err != nil {
		g.sendError(clientID, "INVALID_VERSION", err.Error(), 0)
		return
	}
	history := doc.BatchesSince(payload.Version)
	hist := make([]any, len(history))
	for i, b := range history {
		hist[i] = encodeBatch(b)
	}
	g.send(clientID, MsgSynced, SyncedPayload{Synced: true, ContentAtVer: content, HistorySince: hist})
}

func (g *Gateway) handleHeartbeat(clientID string) {
	if documentID, ok := g.conns.DocumentOf(clientID); ok {
		g.presence.Touch(documentID, clientID)
	}
	g.send(clientID, MsgHeartbeatAck, nil)
}

func (g *Gateway) broadcastLocal(documentID string, t MessageType, payload any, except string) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return
	}
	g.conns.BroadcastToDocument(documentID, env, except)
}

func (g *Gateway) send(clientID string, t MessageType, payload any) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return
	}
	_ = g.conns.Send(clientID, env)
}

func (g *Gateway) sendError(clientID, code, message string, retryAfter float64) {
	env, _ := NewEnvelope(MsgError, ErrorPayload{Code: code, Message: message, RetryAfter: retryAfter})
	_ = g.conns.Send(clientID, env)
}

func decodeBatch(p OperationPayload, userID, documentID string) (ot.Batch, error) {
	ops, err := decodeOps(p.Ops)
	if err != nil {
		return ot.Batch{}, err
	}
	id := p.BatchID
	if id == "" {
		id = uuid.NewString()
	}
	src := ot.SourceUser
	if p.Source != "" {
		src = ot.Source(p.Source)
	}
	return ot.Batch{ID: id, UserID: userID, DocumentID: documentID, Version: p.Version, Ops: ops, Source: src}, nil
}

func decodeOps(raw []any) ([]ot.Op, error) {
	out := make([]ot.Op, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("operation must be an object")
		}
		op := ot.Op{}
		if t, ok := m["type"].(string); ok {
			op.Type = ot.OpType(t)
		}
		if pos, ok := m["position"].(float64); ok {
			op.Position = int(pos)
		}
		if text, ok := m["text"].(string); ok {
			op.Text = text
		}
		if count, ok := m["count"].(float64); ok {
			op.Count = int(count)
		}
		out = append(out, op)
	}
	return out, nil
}

func encodeBatch(b ot.Batch) OperationPayload {
	ops := make([]any, len(b.Ops))
	for i, op := range b.Ops {
		ops[i] = map[string]any{
			"type":     op.Type,
			"position": op.Position,
			"text":     op.Text,
			"count":    op.Count,
		}
	}
	return OperationPayload{
		BatchID:    b.ID,
		DocumentID: b.DocumentID,
		Version:    b.Version,
		Ops:        ops,
		Source:     string(b.Source),
	}
}
