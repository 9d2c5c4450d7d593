package collab

import (
	"sync"
	"time"

	"forge.control/internal/ot"
)

// Palette is the fixed 10-color round-robin palette assigned per
// document.
var Palette = [10]string{
	"#F94144", "#F3722C", "#F8961E", "#F9C74F", "#90BE6D",
	"#43AA8B", "#4D908E", "#577590", "#277DA1", "#9B5DE5",
}

// UserPresence is one document-scoped user's live editing state.
type UserPresence struct {
	UserID       string
	ClientID     string
	DisplayName  string
	Color        string
	Cursor       ot.Selection
	HasCursor    bool
	LastActivity time.Time
	IsActive     bool
	IsTyping     bool
}

// Config tunes idle/stale eviction windows.
type Config struct {
	IdleTimeout  time.Duration
	StaleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{IdleTimeout: 60 * time.Second, StaleTimeout: 5 * time.Minute}
}

type documentPresence struct {
	users      map[string]*UserPresence // client_id -> presence
	nextColor  int
}

// PresenceTracker tracks UserPresence per document.
type PresenceTracker struct {
	cfg Config

	mu   sync.Mutex
	docs map[string]*documentPresence
}

func NewPresenceTracker(cfg Config) *PresenceTracker {
	return &PresenceTracker{cfg: cfg, docs: make(map[string]*documentPresence)}
}

func (t *PresenceTracker) doc(documentID string) *documentPresence {
	d, ok := t.docs[documentID]
	if !ok {
		d = &documentPresence{users: make(map[string]*UserPresence)}
		t.docs[documentID] = d
	}
	return d
}

// Join adds a user's presence to a document, assigning the next color in
// the round-robin palette.
func (t *PresenceTracker) Join(documentID, clientID, userID, displayName string) *UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.doc(documentID)
	color := Palette[d.nextColor%len(Palette)]
	d.nextColor++
	p := &UserPresence{
		UserID:       userID,
		ClientID:     clientID,
		DisplayName:  displayName,
		Color:        color,
		LastActivity: time.Now(),
		IsActive:     true,
	}
	d.users[clientID] = p
	cp := *p
	return &cp
}

// Leave removes a client's presence from a document.
func (t *PresenceTracker) Leave(documentID, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[documentID]
	if !ok {
		return
	}
	delete(d.users, clientID)
	if len(d.users) == 0 {
		delete(t.docs, documentID)
	}
}

// UpdateCursor records a cursor/selection update and marks the user
// active.
func (t *PresenceTracker) UpdateCursor(documentID, clientID string, sel ot.Selection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[documentID]
	if !ok {
		return
	}
	p, ok := d.users[clientID]
	if !ok {
		return
	}
	p.Cursor = sel
	p.HasCursor = true
	p.LastActivity = time.Now()
	p.IsActive = true
}

// SetTyping marks a user's typing state and refreshes activity.
func (t *PresenceTracker) SetTyping(documentID, clientID string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[documentID]
	if !ok {
		return
	}
	p, ok := d.users[clientID]
	if !ok {
		return
	}
	p.IsTyping = typing
	p.LastActivity = time.Now()
	p.IsActive = true
}

// Touch marks a user active without changing cursor/typing state (e.g.
// on heartbeat).
func (t *PresenceTracker) Touch(documentID, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[documentID]
	if !ok {
		return
	}
	if p, ok := d.users[clientID]; ok {
		p.LastActivity = time.Now()
		p.IsActive = true
	}
}

// Snapshot returns a copy of every presence on a document.
func (t *PresenceTracker) Snapshot(documentID string) []UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[documentID]
	if !ok {
		return nil
	}
	out := make([]UserPresence, 0, len(d.users))
	for _, p := range d.users {
		out = append(out, *p)
	}
	return out
}

// Get returns one client's presence on a document.
func (t *PresenceTracker) Get(documentID, clientID string) (UserPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[documentID]
	if !ok {
		return UserPresence{}, false
	}
	p, ok := d.users[clientID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// SweepResult reports clients that transitioned to idle or were evicted
// as stale during one Sweep pass.
type SweepResult struct {
	DocumentID  string
	WentIdle    []string
	WentStale   []string
}

// Sweep marks users idle past IdleTimeout and evicts users stale past
// StaleTimeout, returning the affected client ids per document so the
// gateway can broadcast `idle`/`stale` events.
func (t *PresenceTracker) Sweep() []SweepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var results []SweepResult
	for docID, d := range t.docs {
		var idle, stale []string
		for cid, p := range d.users {
			since := now.Sub(p.LastActivity)
			if since > t.cfg.StaleTimeout {
				stale = append(stale, cid)
				delete(d.users, cid)
				continue
			}
			if since > t.cfg.IdleTimeout && p.IsActive {
				p.IsActive = false
				idle = append(idle, cid)
			}
		}
		if len(d.users) == 0 {
			delete(t.docs, docID)
		}
		if len(idle) > 0 || len(stale) > 0 {
			results = append(results, SweepResult{DocumentID: docID, WentIdle: idle, WentStale: stale})
		}
	}
	return results
}

// RunSweepLoop runs Sweep on an interval until stop is closed, invoking
// onSweep with any non-empty results.
func RunSweepLoop(stop <-chan struct{}, t *PresenceTracker, interval time.Duration, onSweep func(SweepResult)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, r := range t.Sweep() {
				onSweep(r)
			}
		}
	}
}
