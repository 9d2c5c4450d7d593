package collab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// chanSender records everything sent to one fake client.
type chanSender struct {
	mu   sync.Mutex
	msgs []any
}

func (s *chanSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, v)
	return nil
}

func (s *chanSender) Close() error { return nil }

func (s *chanSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestJoinDocumentMovesClientAtomically(t *testing.T) {
	m := NewConnectionManager()
	m.Register("c1", "u1", &chanSender{})

	require.NoError(t, m.JoinDocument("c1", "doc-a"))
	got, ok := m.DocumentOf("c1")
	require.True(t, ok)
	require.Equal(t, "doc-a", got)

	require.NoError(t, m.JoinDocument("c1", "doc-b"))
	got, _ = m.DocumentOf("c1")
	require.Equal(t, "doc-b", got)
	require.Empty(t, m.DocumentClients("doc-a"), "client must leave the old document when joining a new one")
	require.Equal(t, []string{"c1"}, m.DocumentClients("doc-b"))
}

func TestBroadcastToDocumentSkipsSender(t *testing.T) {
	m := NewConnectionManager()
	s1, s2, s3 := &chanSender{}, &chanSender{}, &chanSender{}
	m.Register("c1", "u1", s1)
	m.Register("c2", "u2", s2)
	m.Register("c3", "u3", s3)
	require.NoError(t, m.JoinDocument("c1", "doc"))
	require.NoError(t, m.JoinDocument("c2", "doc"))
	require.NoError(t, m.JoinDocument("c3", "other"))

	m.BroadcastToDocument("doc", "hello", "c1")

	require.Equal(t, 0, s1.count(), "sender excluded")
	require.Equal(t, 1, s2.count())
	require.Equal(t, 0, s3.count(), "other document untouched")
}

func TestBroadcastToUserReachesEveryTab(t *testing.T) {
	m := NewConnectionManager()
	tab1, tab2 := &chanSender{}, &chanSender{}
	m.Register("c1", "u1", tab1)
	m.Register("c2", "u1", tab2)

	m.BroadcastToUser("u1", "ping")

	require.Equal(t, 1, tab1.count())
	require.Equal(t, 1, tab2.count())
}

func TestDisconnectRemovesFromAllIndices(t *testing.T) {
	m := NewConnectionManager()
	m.Register("c1", "u1", &chanSender{})
	require.NoError(t, m.JoinDocument("c1", "doc"))

	m.Disconnect("c1")

	require.Equal(t, 0, m.Count())
	require.Empty(t, m.DocumentClients("doc"))
	_, ok := m.DocumentOf("c1")
	require.False(t, ok)
	require.Error(t, m.Send("c1", "x"))
}
