package ot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seedDocument(t *testing.T, id, content string) *Document {
	t.Helper()
	d := NewDocument(id, 50)
	if content != "" {
		_, _, err := d.ApplyBatch(Batch{ID: "seed", UserID: "seed", DocumentID: id, Version: 0, Ops: []Op{ins(0, content)}})
		require.NoError(t, err)
	}
	return d
}

func TestApplyBatchVersionMismatch(t *testing.T) {
	d := seedDocument(t, "doc", "Hello")
	_, _, err := d.ApplyBatch(Batch{ID: "b", Version: 0, Ops: []Op{ins(0, "x")}})
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestApplyBatchAdvancesVersionByOne(t *testing.T) {
	d := seedDocument(t, "doc", "Hello")
	_, version := d.Snapshot()
	require.EqualValues(t, 1, version)

	content, version, err := d.ApplyBatch(Batch{ID: "b", Version: 1, Ops: []Op{ins(5, "!")}})
	require.NoError(t, err)
	require.Equal(t, "Hello!", content)
	require.EqualValues(t, 2, version)
}

// Two clients at "Hello" version 1 concurrently insert at position 5.
// A reaches the server first; B is transformed against A and lands
// after it.
func TestConcurrentInsertsConverge(t *testing.T) {
	d := seedDocument(t, "doc", "Hello")

	batchA := Batch{ID: "a", UserID: "alice", Version: 1, Ops: []Op{ins(5, " World")}}
	batchB := Batch{ID: "b", UserID: "bob", Version: 1, Ops: []Op{ins(5, " There")}}

	_, contentA, versionA, err := d.TransformAndApply(batchA)
	require.NoError(t, err)
	require.Equal(t, "Hello World", contentA)
	require.EqualValues(t, 2, versionA)

	transformedB, contentB, versionB, err := d.TransformAndApply(batchB)
	require.NoError(t, err)
	require.Equal(t, "Hello World There", contentB)
	require.EqualValues(t, 3, versionB)
	require.Equal(t, []Op{ins(11, " There")}, transformedB.Ops,
		"the broadcast form of B must carry the shifted position so every client replays it identically")
}

// Client A inserts inside a range client B concurrently deletes: the
// delete expands to cover the insert and the insert is dropped.
func TestDeletionSubsumesInsert(t *testing.T) {
	d := seedDocument(t, "doc", "0123456789")

	batchA := Batch{ID: "a", UserID: "alice", Version: 1, Ops: []Op{ins(5, "X")}}
	batchB := Batch{ID: "b", UserID: "bob", Version: 1, Ops: []Op{del(2, 6)}}

	_, _, _, err := d.TransformAndApply(batchA)
	require.NoError(t, err)

	transformedB, content, version, err := d.TransformAndApply(batchB)
	require.NoError(t, err)
	require.Equal(t, "0189", content)
	require.EqualValues(t, 3, version)
	require.Equal(t, []Op{del(2, 7)}, transformedB.Ops)
}

func TestTransformAndApplyFullySubsumedBatch(t *testing.T) {
	d := seedDocument(t, "doc", "0123456789")

	_, _, _, err := d.TransformAndApply(Batch{ID: "del", UserID: "bob", Version: 1, Ops: []Op{del(2, 6)}})
	require.NoError(t, err)

	// An insert composed against v1 that lands inside the now-applied
	// delete range vanishes entirely; the document is untouched.
	transformed, content, version, err := d.TransformAndApply(Batch{ID: "ins", UserID: "alice", Version: 1, Ops: []Op{ins(5, "X")}})
	require.NoError(t, err)
	require.Empty(t, transformed.Ops)
	require.Equal(t, "0189", content)
	require.EqualValues(t, 2, version)
}

func TestHistoryReplayEqualsContent(t *testing.T) {
	d := seedDocument(t, "doc", "")
	batches := []Batch{
		{ID: "1", Version: 0, Ops: []Op{ins(0, "hello")}},
		{ID: "2", Version: 1, Ops: []Op{ins(5, " world")}},
		{ID: "3", Version: 2, Ops: []Op{del(0, 1)}},
		{ID: "4", Version: 3, Ops: []Op{ins(0, "H")}},
	}
	for _, b := range batches {
		_, _, err := d.ApplyBatch(b)
		require.NoError(t, err)
	}

	content, version := d.Snapshot()
	require.Equal(t, "Hello world", content)

	// Replaying history[0..v] from the empty string reproduces the
	// content at every version.
	for v := int64(0); v <= version; v++ {
		replayed, err := d.ContentAtVersion(v)
		require.NoError(t, err)
		expect := ""
		for _, b := range d.BatchesSince(0)[:v] {
			var applyErr error
			expect, applyErr = ApplyBatch(expect, b)
			require.NoError(t, applyErr)
		}
		require.Equal(t, expect, replayed, "version %d", v)
	}
}

func TestCheckpointBoundsReplay(t *testing.T) {
	d := NewDocument("doc", 4)
	content := ""
	for i := 0; i < 10; i++ {
		b := Batch{ID: "b", Version: int64(i), Ops: []Op{ins(len(content), "x")}}
		var err error
		content, _, err = d.ApplyBatch(b)
		require.NoError(t, err)
	}
	require.Len(t, d.checkpoints, 2, "checkpoints at versions 4 and 8")

	at, err := d.ContentAtVersion(6)
	require.NoError(t, err)
	require.Equal(t, "xxxxxx", at)
}

func TestBatchesSince(t *testing.T) {
	d := seedDocument(t, "doc", "ab")
	_, _, err := d.ApplyBatch(Batch{ID: "2", Version: 1, Ops: []Op{ins(2, "c")}})
	require.NoError(t, err)

	since := d.BatchesSince(1)
	require.Len(t, since, 1)
	require.Equal(t, "2", since[0].ID)

	require.Nil(t, d.BatchesSince(99))
}
