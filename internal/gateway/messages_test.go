package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"forge.control/internal/ot"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgAck, AckPayload{BatchID: "b1", Version: 4})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, MsgAck, parsed.Type)

	var ack AckPayload
	require.NoError(t, parsed.Decode(&ack))
	require.Equal(t, AckPayload{BatchID: "b1", Version: 4}, ack)
}

// An operation payload that crosses the wire (marshal then parse) must
// decode back into an equal batch.
func TestOperationBatchWireRoundTrip(t *testing.T) {
	batch := ot.Batch{
		ID:         "batch-1",
		UserID:     "u1",
		DocumentID: "doc-1",
		Version:    3,
		Source:     ot.SourceUser,
		Ops: []ot.Op{
			{Type: ot.OpInsert, Position: 0, Text: "hi"},
			{Type: ot.OpDelete, Position: 5, Count: 2},
		},
	}

	env, err := NewEnvelope(MsgOperation, encodeBatch(batch))
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	var payload OperationPayload
	require.NoError(t, parsed.Decode(&payload))

	got, err := decodeBatch(payload, "u1", "doc-1")
	require.NoError(t, err)
	require.Equal(t, batch, got)
}

func TestDecodeBatchGeneratesMissingID(t *testing.T) {
	payload := OperationPayload{
		Version: 0,
		Ops:     []any{map[string]any{"type": "INSERT", "position": float64(0), "text": "x"}},
	}
	got, err := decodeBatch(payload, "u1", "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, got.ID)
	require.Equal(t, ot.SourceUser, got.Source)
}

func TestRingBufferDeduplicates(t *testing.T) {
	rb := newRingBuffer(3)

	require.False(t, rb.SeenOrAdd("a"))
	require.True(t, rb.SeenOrAdd("a"))
	require.False(t, rb.SeenOrAdd("b"))
	require.False(t, rb.SeenOrAdd("c"))

	// Capacity 3: adding a fourth evicts the oldest.
	require.False(t, rb.SeenOrAdd("d"))
	require.False(t, rb.SeenOrAdd("a"), "evicted ids are forgotten")
	require.True(t, rb.SeenOrAdd("d"))
}
