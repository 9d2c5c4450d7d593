package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge.control/internal/ot"
)

func TestJoinAssignsColorsRoundRobin(t *testing.T) {
	tr := NewPresenceTracker(DefaultConfig())

	var colors []string
	for i := 0; i < 12; i++ {
		p := tr.Join("doc", string(rune('a'+i)), "user", "name")
		colors = append(colors, p.Color)
	}
	require.Equal(t, Palette[0], colors[0])
	require.Equal(t, Palette[9], colors[9])
	require.Equal(t, Palette[0], colors[10], "palette wraps after ten users")
	require.Equal(t, Palette[1], colors[11])
}

func TestColorsArePerDocument(t *testing.T) {
	tr := NewPresenceTracker(DefaultConfig())
	a := tr.Join("doc-a", "c1", "u1", "n1")
	b := tr.Join("doc-b", "c2", "u2", "n2")
	require.Equal(t, Palette[0], a.Color)
	require.Equal(t, Palette[0], b.Color, "each document has its own color rotation")
}

func TestUpdateCursorAndTyping(t *testing.T) {
	tr := NewPresenceTracker(DefaultConfig())
	tr.Join("doc", "c1", "u1", "n1")

	tr.UpdateCursor("doc", "c1", ot.Selection{Start: 3, End: 7})
	p, ok := tr.Get("doc", "c1")
	require.True(t, ok)
	require.True(t, p.HasCursor)
	require.Equal(t, ot.Selection{Start: 3, End: 7}, p.Cursor)

	tr.SetTyping("doc", "c1", true)
	p, _ = tr.Get("doc", "c1")
	require.True(t, p.IsTyping)
}

func TestSweepMarksIdleThenEvictsStale(t *testing.T) {
	tr := NewPresenceTracker(Config{IdleTimeout: 10 * time.Millisecond, StaleTimeout: 60 * time.Millisecond})
	tr.Join("doc", "c1", "u1", "n1")

	time.Sleep(20 * time.Millisecond)
	results := tr.Sweep()
	require.Len(t, results, 1)
	require.Equal(t, []string{"c1"}, results[0].WentIdle)
	p, ok := tr.Get("doc", "c1")
	require.True(t, ok)
	require.False(t, p.IsActive)

	time.Sleep(60 * time.Millisecond)
	results = tr.Sweep()
	require.Len(t, results, 1)
	require.Equal(t, []string{"c1"}, results[0].WentStale)
	_, ok = tr.Get("doc", "c1")
	require.False(t, ok, "stale presence is removed entirely")
}

func TestTouchRestoresActivity(t *testing.T) {
	tr := NewPresenceTracker(Config{IdleTimeout: 10 * time.Millisecond, StaleTimeout: time.Minute})
	tr.Join("doc", "c1", "u1", "n1")

	time.Sleep(20 * time.Millisecond)
	tr.Sweep()
	tr.Touch("doc", "c1")

	p, _ := tr.Get("doc", "c1")
	require.True(t, p.IsActive)
	require.Empty(t, tr.Sweep(), "freshly touched presence is neither idle nor stale")
}

func TestLeaveDropsEmptyDocument(t *testing.T) {
	tr := NewPresenceTracker(DefaultConfig())
	tr.Join("doc", "c1", "u1", "n1")
	tr.Leave("doc", "c1")
	require.Empty(t, tr.Snapshot("doc"))
}
