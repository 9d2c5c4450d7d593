// Package gateway binds the Connection Manager, Presence tracker, OT
// engine, backpressure breaker, and rate limiter to the wire, and
// publishes/subscribes cross-node events over Redis so every gateway
// node delivers the same events to its own clients.
package gateway

import (
	"encoding/json"
	"time"
)

// MessageType is one of the wire message types.
type MessageType string

const (
	MsgRegister      MessageType = "register"
	MsgRegistered    MessageType = "registered"
	MsgOperation     MessageType = "operation"
	MsgCursor        MessageType = "cursor"
	MsgPresenceJoin  MessageType = "presence_join"
	MsgPresenceLeave MessageType = "presence_leave"
	MsgSync          MessageType = "sync"
	MsgSynced        MessageType = "synced"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgHeartbeatAck  MessageType = "heartbeat_ack"
	MsgError         MessageType = "error"
	MsgAck           MessageType = "ack"
	MsgIdle          MessageType = "idle"
	MsgStale         MessageType = "stale"
)

// Envelope is the base JSON frame every message on the wire carries.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an Envelope with payload marshaled from v.
func NewEnvelope(t MessageType, v any) (*Envelope, error) {
	env := &Envelope{Type: t, Timestamp: time.Now()}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope's payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ParseEnvelope decodes a raw wire frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RegisterPayload is the client->server register message body.
type RegisterPayload struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
}

// RegisteredPayload is the server's response to register.
type RegisteredPayload struct {
	Version      int64  `json:"version"`
	Content      string `json:"content"`
	YourPresence any    `json:"your_presence"`
}

// OperationPayload carries an OT batch either direction.
type OperationPayload struct {
	BatchID    string `json:"batch_id"`
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`
	Ops        []any  `json:"ops"`
	Source     string `json:"source,omitempty"`
}

// AckPayload confirms a batch applied successfully.
type AckPayload struct {
	BatchID string `json:"batch_id"`
	Version int64  `json:"version"`
}

// CursorPayload carries a caret/selection update.
type CursorPayload struct {
	Position  int  `json:"position"`
	HasSel    bool `json:"has_selection"`
	SelStart  int  `json:"selection_start,omitempty"`
	SelEnd    int  `json:"selection_end,omitempty"`
}

// SyncPayload is the client's sync request.
type SyncPayload struct {
	Version int64 `json:"version"`
}

// SyncedPayload is the server's response to sync.
type SyncedPayload struct {
	Synced          bool   `json:"synced"`
	ContentAtVer    string `json:"content_at_version"`
	HistorySince    []any  `json:"history_since_version,omitempty"`
}

// ErrorPayload is the standard error frame body.
type ErrorPayload struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"` // seconds
}

// PresencePayload announces a join/leave/idle/stale event.
type PresencePayload struct {
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Color       string `json:"color,omitempty"`
}

// crossNodeEnvelope is what gets published to Redis: the wire envelope
// plus enough metadata for peer nodes to de-duplicate and skip their own
// publications.
type crossNodeEnvelope struct {
	MessageID  string   `json:"message_id"`
	SourcePod  string   `json:"source_pod"`
	DocumentID string   `json:"document_id"`
	Envelope   Envelope `json:"envelope"`
}
