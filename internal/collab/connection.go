// Package collab implements the Connection Manager and Presence tracker
// as three independent in-memory indices keyed by client, document,
// and user, plus per-document presence with color assignment and
// idle/stale eviction. Lookups are always by identifier; the indices
// never hold references to each other.
package collab

import (
	"fmt"
	"sync"
)

// Sender is anything a connection manager can push a message to; the
// gateway's websocket wrapper implements it.
type Sender interface {
	Send(v any) error
	Close() error
}

// ConnectionManager keeps the three required indices and the locking
// discipline (a per-index lock, here a single RWMutex guarding all
// three maps since they're always mutated together on join/leave).
type ConnectionManager struct {
	mu          sync.RWMutex
	byClient    map[string]Sender
	byDocument  map[string]map[string]bool // document_id -> set of client_id
	byUser      map[string]map[string]bool // user_id -> set of client_id
	clientOwner map[string]clientInfo      // client_id -> (user_id, document_id)
}

type clientInfo struct {
	userID     string
	documentID string
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byClient:    make(map[string]Sender),
		byDocument:  make(map[string]map[string]bool),
		byUser:      make(map[string]map[string]bool),
		clientOwner: make(map[string]clientInfo),
	}
}

// Register adds a new client connection with no document membership yet.
func (m *ConnectionManager) Register(clientID, userID string, conn Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byClient[clientID] = conn
	m.clientOwner[clientID] = clientInfo{userID: userID}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]bool)
	}
	m.byUser[userID][clientID] = true
}

// Count reports the number of registered client connections, the input
// the backpressure sampler uses for its WebSocketConnections ratio.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byClient)
}

// JoinDocument atomically moves a client from its previous document (if
// any) into documentID.
func (m *ConnectionManager) JoinDocument(clientID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.clientOwner[clientID]
	if !ok {
		return fmt.Errorf("unknown client %s", clientID)
	}
	if info.documentID != "" {
		if set := m.byDocument[info.documentID]; set != nil {
			delete(set, clientID)
			if len(set) == 0 {
				delete(m.byDocument, info.documentID)
			}
		}
	}
	info.documentID = documentID
	m.clientOwner[clientID] = info

	if m.byDocument[documentID] == nil {
		m.byDocument[documentID] = make(map[string]bool)
	}
	m.byDocument[documentID][clientID] = true
	return nil
}

// Disconnect removes a client from all three indices.
func (m *ConnectionManager) Disconnect(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(clientID)
}

func (m *ConnectionManager) removeLocked(clientID string) {
	info, ok := m.clientOwner[clientID]
	if !ok {
		return
	}
	delete(m.byClient, clientID)
	delete(m.clientOwner, clientID)
	if set := m.byDocument[info.documentID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.byDocument, info.documentID)
		}
	}
	if set := m.byUser[info.userID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.byUser, info.userID)
		}
	}
}

// DocumentOf returns the document a client currently belongs to.
func (m *ConnectionManager) DocumentOf(clientID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.clientOwner[clientID]
	return info.documentID, ok
}

// Send delivers v to a single client, if still connected.
func (m *ConnectionManager) Send(clientID string, v any) error {
	m.mu.RLock()
	conn, ok := m.byClient[clientID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %s not connected", clientID)
	}
	return conn.Send(v)
}

// BroadcastToDocument sends v to every client registered on documentID,
// optionally skipping one client id (the sender, to avoid echo).
func (m *ConnectionManager) BroadcastToDocument(documentID string, v any, except string) {
	m.mu.RLock()
	clients := make([]string, 0, len(m.byDocument[documentID]))
	for cid := range m.byDocument[documentID] {
		if cid != except {
			clients = append(clients, cid)
		}
	}
	conns := make(map[string]Sender, len(clients))
	for _, cid := range clients {
		conns[cid] = m.byClient[cid]
	}
	m.mu.RUnlock()

	for _, cid := range clients {
		_ = conns[cid].Send(v)
	}
}

// BroadcastToUser sends v to every tab/connection owned by userID.
func (m *ConnectionManager) BroadcastToUser(userID string, v any) {
	m.mu.RLock()
	clients := make([]string, 0, len(m.byUser[userID]))
	for cid := range m.byUser[userID] {
		clients = append(clients, cid)
	}
	conns := make(map[string]Sender, len(clients))
	for _, cid := range clients {
		conns[cid] = m.byClient[cid]
	}
	m.mu.RUnlock()

	for _, cid := range clients {
		_ = conns[cid].Send(v)
	}
}

// DocumentClients lists the client ids currently on a document.
func (m *ConnectionManager) DocumentClients(documentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byDocument[documentID]))
	for cid := range m.byDocument[documentID] {
		out = append(out, cid)
	}
	return out
}
