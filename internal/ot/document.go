package ot

import (
	"fmt"
	"sync"
)

// ErrVersionMismatch is returned when a batch's composed-against version
// no longer matches the document's current version.
var ErrVersionMismatch = fmt.Errorf("version mismatch")

// Checkpoint is a content snapshot recorded every checkpoint_interval
// versions to bound replay cost.
type Checkpoint struct {
	Version int64
	Content string
}

// Document is the authoritative string + version + ordered history for
// one collaborative document. History and current content form one
// logical unit, guarded by a single lock.
type Document struct {
	mu                sync.Mutex
	id                string
	content           string
	version           int64
	history           []Batch
	checkpoints       []Checkpoint
	checkpointInterval int64
}

// NewDocument creates an empty document at version 0.
func NewDocument(id string, checkpointInterval int64) *Document {
	if checkpointInterval <= 0 {
		checkpointInterval = 50
	}
	return &Document{id: id, checkpointInterval: checkpointInterval}
}

// Restore rebuilds a Document from persisted content/version/history,
// used when a gateway node loads a document it doesn't yet hold in
// memory.
func Restore(id string, content string, version int64, history []Batch, checkpointInterval int64) *Document {
	d := NewDocument(id, checkpointInterval)
	d.content = content
	d.version = version
	d.history = append(d.history, history...)
	return d
}

func (d *Document) ID() string { return d.id }

// Snapshot returns the current (content, version) under lock.
func (d *Document) Snapshot() (string, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content, d.version
}

// ApplyBatch is apply_batch: requires batch.Version == d.version,
// applies every op in descending-position order, increments the
// version, appends to history, and records a checkpoint every
// checkpointInterval versions.
func (d *Document) ApplyBatch(b Batch) (content string, version int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b.Version != d.version {
		return "", 0, ErrVersionMismatch
	}
	if err := b.Validate(); err != nil {
		return "", 0, err
	}

	newContent, err := ApplyBatch(d.content, b)
	if err != nil {
		return "", 0, err
	}

	d.content = newContent
	d.version++
	d.history = append(d.history, b)
	if d.version%d.checkpointInterval == 0 {
		d.checkpoints = append(d.checkpoints, Checkpoint{Version: d.version, Content: d.content})
	}
	return d.content, d.version, nil
}

// TransformAndApply is the gateway-facing entry point for an incoming
// client batch that may be stale: it threads b's ops through every
// batch applied since b.Version (server-side transform), then applies
// the transformed result. It returns the transformed batch (the form
// broadcast to peers) along with the resulting content/version.
func (d *Document) TransformAndApply(b Batch) (transformed Batch, content string, version int64, err error) {
	d.mu.Lock()
	if b.Version > d.version {
		d.mu.Unlock()
		return Batch{}, "", 0, ErrVersionMismatch
	}
	concurrent := d.history[b.Version:]
	d.mu.Unlock()

	ops := b.Ops
	for _, since := range concurrent {
		var err error
		ops, _, err = TransformBatch(ops, since.Ops, PriorityRight)
		if err != nil {
			return Batch{}, "", 0, err
		}
	}
	transformed = b
	transformed.Ops = ops
	transformed.Version = d.versionUnsafe()

	if len(ops) == 0 {
		// Every operation was subsumed by concurrent edits; nothing to
		// apply, but the caller still advances past this batch.
		c, v := d.Snapshot()
		return transformed, c, v, nil
	}

	content, version, err = d.ApplyBatch(transformed)
	return transformed, content, version, err
}

func (d *Document) versionUnsafe() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// BatchesSince returns every batch applied after fromVersion (exclusive),
// for the sync/history_since_version operation.
func (d *Document) BatchesSince(fromVersion int64) []Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fromVersion < 0 || fromVersion >= int64(len(d.history)) {
		return nil
	}
	out := make([]Batch, len(d.history)-int(fromVersion))
	copy(out, d.history[fromVersion:])
	return out
}

// HistoryLen reports how many batches are held in memory.
func (d *Document) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// ContentAtVersion replays from the nearest checkpoint at or before
// target to reconstruct content at an older version, bounding replay
// cost.
func (d *Document) ContentAtVersion(target int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if target < 0 || target > d.version {
		return "", fmt.Errorf("version %d out of range [0,%d]", target, d.version)
	}

	content := ""
	startFrom := int64(0)
	for i := len(d.checkpoints) - 1; i >= 0; i-- {
		if d.checkpoints[i].Version <= target {
			content = d.checkpoints[i].Content
			startFrom = d.checkpoints[i].Version
			break
		}
	}

	for i := startFrom; i < target; i++ {
		if int(i) >= len(d.history) {
			return "", fmt.Errorf("history missing batch for version %d", i)
		}
		var err error
		content, err = ApplyBatch(content, d.history[i])
		if err != nil {
			return "", err
		}
	}
	return content, nil
}
