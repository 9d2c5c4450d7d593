package ot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func ins(pos int, text string) Op  { return Op{Type: OpInsert, Position: pos, Text: text} }
func del(pos, count int) Op        { return Op{Type: OpDelete, Position: pos, Count: count} }

func applyOps(t *testing.T, content string, ops []Op) string {
	t.Helper()
	b := Batch{ID: "b", UserID: "u", DocumentID: "d", Ops: ops}
	out, err := ApplyBatch(content, b)
	require.NoError(t, err)
	return out
}

func TestOpValidate(t *testing.T) {
	require.NoError(t, ins(0, "x").Validate())
	require.Error(t, ins(-1, "x").Validate())
	require.Error(t, ins(0, "").Validate())
	require.NoError(t, del(3, 2).Validate())
	require.Error(t, del(3, 0).Validate())
	require.Error(t, Op{Type: "SPLICE", Position: 0}.Validate())
}

func TestBatchValidateRejectsOverlap(t *testing.T) {
	b := Batch{Ops: []Op{del(2, 6), ins(5, "X")}}
	require.Error(t, b.Validate(), "insert landing inside a delete range in the same batch must be rejected")

	ok := Batch{Ops: []Op{ins(0, "a"), del(3, 2), ins(8, "b")}}
	require.NoError(t, ok.Validate())
}

func TestApplyBatchDescendingOrder(t *testing.T) {
	// Two inserts in one batch: applying in descending position order
	// keeps each position meaningful against the base content.
	out := applyOps(t, "abcdef", []Op{ins(2, "X"), ins(4, "Y")})
	require.Equal(t, "abXcdYef", out)
}

func TestTransformPairRules(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Op
		priority Priority
		wantA    *Op
		wantB    *Op
	}{
		{"ins before ins", ins(2, "ab"), ins(5, "cd"), PriorityLeft, &Op{Type: OpInsert, Position: 2, Text: "ab"}, &Op{Type: OpInsert, Position: 7, Text: "cd"}},
		{"ins after ins", ins(5, "ab"), ins(2, "cd"), PriorityLeft, &Op{Type: OpInsert, Position: 7, Text: "ab"}, &Op{Type: OpInsert, Position: 2, Text: "cd"}},
		{"ins tie left priority", ins(3, "ab"), ins(3, "cd"), PriorityLeft, &Op{Type: OpInsert, Position: 3, Text: "ab"}, &Op{Type: OpInsert, Position: 5, Text: "cd"}},
		{"ins tie right priority", ins(3, "ab"), ins(3, "cd"), PriorityRight, &Op{Type: OpInsert, Position: 5, Text: "ab"}, &Op{Type: OpInsert, Position: 3, Text: "cd"}},
		{"ins before del", ins(1, "ab"), del(4, 2), PriorityLeft, &Op{Type: OpInsert, Position: 1, Text: "ab"}, &Op{Type: OpDelete, Position: 6, Count: 2}},
		{"ins after del", ins(8, "ab"), del(2, 3), PriorityLeft, &Op{Type: OpInsert, Position: 5, Text: "ab"}, &Op{Type: OpDelete, Position: 2, Count: 3}},
		{"ins subsumed by del", ins(5, "X"), del(2, 6), PriorityLeft, nil, &Op{Type: OpDelete, Position: 2, Count: 7}},
		{"del disjoint earlier", del(1, 2), del(6, 2), PriorityLeft, &Op{Type: OpDelete, Position: 1, Count: 2}, &Op{Type: OpDelete, Position: 4, Count: 2}},
		{"del identical", del(3, 4), del(3, 4), PriorityLeft, nil, nil},
		{"del contains", del(2, 6), del(4, 2), PriorityLeft, &Op{Type: OpDelete, Position: 2, Count: 4}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotA, gotB, err := TransformPair(tc.a, tc.b, tc.priority)
			require.NoError(t, err)
			require.Equal(t, tc.wantA, gotA)
			require.Equal(t, tc.wantB, gotB)
		})
	}
}

func TestTransformDeleteDeleteOverlap(t *testing.T) {
	a, b := del(2, 4), del(4, 4) // [2,6) and [4,8), overlap 2
	gotA, gotB, err := TransformPair(a, b, PriorityLeft)
	require.NoError(t, err)
	require.Equal(t, &Op{Type: OpDelete, Position: 2, Count: 2}, gotA)
	require.Equal(t, &Op{Type: OpDelete, Position: 2, Count: 2}, gotB)
}

// TestTP1Property exhaustively checks the convergence contract: for
// every concurrent pair drawn from a grid of inserts and deletes over a
// fixed document, apply(apply(doc,A),B') == apply(apply(doc,B),A').
func TestTP1Property(t *testing.T) {
	const doc = "abcdefghij"

	var ops []Op
	for p := 0; p <= len(doc); p++ {
		ops = append(ops, ins(p, "XY"))
	}
	for p := 0; p < len(doc); p++ {
		for c := 1; c <= len(doc)-p; c++ {
			ops = append(ops, del(p, c))
		}
	}

	applyMaybe := func(content string, op *Op) string {
		if op == nil {
			return content
		}
		out, err := applyOne(content, *op)
		require.NoError(t, err)
		return out
	}

	for _, a := range ops {
		for _, b := range ops {
			for _, priority := range []Priority{PriorityLeft, PriorityRight} {
				ap, bp, err := TransformPair(a, b, priority)
				require.NoError(t, err)

				afterA, err := applyOne(doc, a)
				require.NoError(t, err)
				left := applyMaybe(afterA, bp)

				afterB, err := applyOne(doc, b)
				require.NoError(t, err)
				right := applyMaybe(afterB, ap)

				require.Equalf(t, left, right, "TP1 violated for A=%+v B=%+v priority=%d", a, b, priority)
			}
		}
	}
}

func TestTransformBatchDropsSubsumed(t *testing.T) {
	aOut, bOut, err := TransformBatch([]Op{ins(5, "X")}, []Op{del(2, 6)}, PriorityLeft)
	require.NoError(t, err)
	require.Empty(t, aOut, "insert inside the delete range is subsumed")
	require.Equal(t, []Op{del(2, 7)}, bOut)
}

func TestTransformCursor(t *testing.T) {
	// INSERT at 5, len 3.
	op := ins(5, "abc")
	require.Equal(t, 3, TransformCursor(3, op, BiasLeft))
	require.Equal(t, 10, TransformCursor(7, op, BiasLeft))
	require.Equal(t, 5, TransformCursor(5, op, BiasLeft), "non-author caret at the insert point stays")
	require.Equal(t, 8, TransformCursor(5, op, BiasRight), "author caret rides the inserted text")

	// DELETE [4,7).
	d := del(4, 3)
	require.Equal(t, 4, TransformCursor(4, d, BiasLeft))
	require.Equal(t, 5, TransformCursor(8, d, BiasLeft))
	require.Equal(t, 4, TransformCursor(6, d, BiasLeft), "caret inside the range collapses to delete start")
}

func TestTransformCursorStaysInBounds(t *testing.T) {
	const doc = "abcdefghij"
	ops := []Op{ins(0, "Z"), ins(10, "Z"), ins(5, "long-insert"), del(0, 10), del(3, 4), del(9, 1)}
	for _, op := range ops {
		after, err := applyOne(doc, op)
		require.NoError(t, err)
		for caret := 0; caret <= len(doc); caret++ {
			for _, bias := range []Bias{BiasLeft, BiasRight} {
				got := TransformCursor(caret, op, bias)
				require.GreaterOrEqual(t, got, 0)
				require.LessOrEqual(t, got, len(after), "caret %d through %+v", caret, op)
			}
		}
	}
}

func TestTransformSelectionBias(t *testing.T) {
	sel := Selection{Start: 3, End: 3}
	got := TransformSelection(sel, ins(3, "ab"))
	require.Equal(t, 3, got.Start, "selection start takes left bias")
	require.Equal(t, 5, got.End, "selection end takes right bias")
}

func TestBatchWireRoundTrip(t *testing.T) {
	in := Batch{
		ID:         "batch-1",
		UserID:     "user-1",
		DocumentID: "doc-1",
		Version:    7,
		Source:     SourceUser,
		Ops:        []Op{ins(0, "hello"), del(9, 2), {Type: OpRetain, Position: 3, Count: 4}},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Batch
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)
}
