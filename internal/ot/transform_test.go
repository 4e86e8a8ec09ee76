package ot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyOps(t *testing.T, doc *Document, ops []Operation) {
	t.Helper()
	for i := range ops {
		require.NoError(t, doc.Apply(&ops[i]))
	}
}

// converge applies a and b in both orders, transforming the trailing op, and
// asserts both replicas end identical.
func converge(t *testing.T, base *Document, a, b Operation) *Document {
	t.Helper()
	d1 := base.Clone()
	applyOps(t, d1, []Operation{a})
	applyOps(t, d1, Transform(b, a))

	d2 := base.Clone()
	applyOps(t, d2, []Operation{b})
	applyOps(t, d2, Transform(a, b))

	assert.Equal(t, d1.Content, d2.Content, "a=%+v b=%+v", a, b)
	assert.Equal(t, normalizeSpans(cloneSpans(d1.Spans)), normalizeSpans(cloneSpans(d2.Spans)),
		"a=%+v b=%+v", a, b)
	return d1
}

func TestTransformInsertInsert(t *testing.T) {
	t.Run("disjoint positions shift the later index", func(t *testing.T) {
		base := &Document{Content: "Say: "}
		a := Operation{ID: "a", Type: TypeInsert, UserID: 1, Timestamp: 100, Position: 5, Content: "Hello"}
		b := Operation{ID: "b", Type: TypeInsert, UserID: 2, Timestamp: 200, Position: 5, Content: " World"}
		d := converge(t, base, a, b)
		assert.Equal(t, "Say: Hello World", d.Content)
	})

	t.Run("same position breaks the tie on the tuple", func(t *testing.T) {
		base := &Document{Content: "xy"}
		// identical timestamps: user 1 orders before user 2
		a := Operation{ID: "a", Type: TypeInsert, UserID: 1, Timestamp: 100, Position: 1, Content: "A"}
		b := Operation{ID: "b", Type: TypeInsert, UserID: 2, Timestamp: 100, Position: 1, Content: "B"}
		d := converge(t, base, a, b)
		assert.Equal(t, "xABy", d.Content)
	})
}

func TestTransformInsertAgainstDelete(t *testing.T) {
	t.Run("delete before the insert shifts it left", func(t *testing.T) {
		op := Operation{Type: TypeInsert, Position: 8, Content: "x"}
		h := Operation{Type: TypeDelete, Position: 2, Length: 3}
		got := Transform(op, h)
		require.Len(t, got, 1)
		assert.Equal(t, 5, got[0].Position)
	})

	t.Run("delete covering the insert point clamps to its start", func(t *testing.T) {
		op := Operation{Type: TypeInsert, Position: 4, Content: "x"}
		h := Operation{Type: TypeDelete, Position: 2, Length: 5}
		got := Transform(op, h)
		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].Position)
	})

	t.Run("converges", func(t *testing.T) {
		base := &Document{Content: "abcdefgh"}
		ins := Operation{ID: "a", Type: TypeInsert, UserID: 1, Timestamp: 100, Position: 4, Content: "XY"}
		del := Operation{ID: "b", Type: TypeDelete, UserID: 2, Timestamp: 200, Position: 2, Length: 4, DeletedContent: "cdef"}
		d := converge(t, base, ins, del)
		assert.Equal(t, "abXYgh", d.Content)
	})
}

func TestTransformDeleteAgainstInsert(t *testing.T) {
	t.Run("insert inside the range splits the delete around it", func(t *testing.T) {
		op := Operation{Type: TypeDelete, Position: 2, Length: 4, DeletedContent: "cdef"} // [2,6)
		h := Operation{Type: TypeInsert, Position: 4, Content: "XY"}
		got := Transform(op, h)
		require.Len(t, got, 2)
		assert.Equal(t, 2, got[0].Position)
		assert.Equal(t, 2, got[0].Length)
		assert.Equal(t, "cd", got[0].DeletedContent)
		// the second segment is expressed after the first has applied
		assert.Equal(t, 4, got[1].Position)
		assert.Equal(t, 2, got[1].Length)
		assert.Equal(t, "ef", got[1].DeletedContent)
	})

	t.Run("insert at either boundary leaves the delete whole", func(t *testing.T) {
		op := Operation{Type: TypeDelete, Position: 2, Length: 4}
		atStart := Transform(op, Operation{Type: TypeInsert, Position: 2, Content: "X"})
		require.Len(t, atStart, 1)
		assert.Equal(t, 3, atStart[0].Position)

		atEnd := Transform(op, Operation{Type: TypeInsert, Position: 6, Content: "X"})
		require.Len(t, atEnd, 1)
		assert.Equal(t, 2, atEnd[0].Position)
	})

	t.Run("converges keeping the inserted text", func(t *testing.T) {
		base := &Document{Content: "abcd"}
		ins := Operation{ID: "a", Type: TypeInsert, UserID: 1, Timestamp: 100, Position: 2, Content: "X"}
		del := Operation{ID: "b", Type: TypeDelete, UserID: 2, Timestamp: 200, Position: 1, Length: 3, DeletedContent: "bcd"}
		d := converge(t, base, ins, del)
		assert.Equal(t, "aX", d.Content)
	})
}

func TestTransformDeleteDelete(t *testing.T) {
	t.Run("partial overlap shrinks to the unshared part", func(t *testing.T) {
		op := Operation{Type: TypeDelete, Position: 3, Length: 4} // [3,7)
		h := Operation{Type: TypeDelete, Position: 1, Length: 4}  // [1,5)
		got := Transform(op, h)
		require.Len(t, got, 1)
		assert.Equal(t, 1, got[0].Position)
		assert.Equal(t, 2, got[0].Length)
	})

	t.Run("fully swallowed delete degenerates to nothing", func(t *testing.T) {
		op := Operation{Type: TypeDelete, Position: 3, Length: 2} // [3,5)
		h := Operation{Type: TypeDelete, Position: 1, Length: 6}  // [1,7)
		assert.Empty(t, Transform(op, h))
	})

	t.Run("identical ranges converge without double delete", func(t *testing.T) {
		base := &Document{Content: "abcdef"}
		a := Operation{ID: "a", Type: TypeDelete, UserID: 1, Timestamp: 100, Position: 1, Length: 3, DeletedContent: "bcd"}
		b := Operation{ID: "b", Type: TypeDelete, UserID: 2, Timestamp: 200, Position: 1, Length: 3, DeletedContent: "bcd"}
		d := converge(t, base, a, b)
		assert.Equal(t, "aef", d.Content)
	})

	t.Run("overlapping ranges converge", func(t *testing.T) {
		base := &Document{Content: "abcdefgh"}
		a := Operation{ID: "a", Type: TypeDelete, UserID: 1, Timestamp: 100, Position: 1, Length: 4, DeletedContent: "bcde"}
		b := Operation{ID: "b", Type: TypeDelete, UserID: 2, Timestamp: 200, Position: 3, Length: 4, DeletedContent: "defg"}
		d := converge(t, base, a, b)
		assert.Equal(t, "ah", d.Content)
	})
}

func TestTransformFormatIndexRules(t *testing.T) {
	t.Run("insert inside the range splits the format around it", func(t *testing.T) {
		op := Operation{Type: TypeFormat, Position: 2, Length: 4, Attributes: bold()} // [2,6)
		h := Operation{Type: TypeInsert, Position: 4, Content: "xx"}
		got := Transform(op, h)
		require.Len(t, got, 2)
		assert.Equal(t, 2, got[0].Position)
		assert.Equal(t, 2, got[0].Length)
		assert.Equal(t, 6, got[1].Position)
		assert.Equal(t, 2, got[1].Length)
	})

	t.Run("delete overlap shrinks the range", func(t *testing.T) {
		op := Operation{Type: TypeFormat, Position: 2, Length: 4, Attributes: bold()} // [2,6)
		h := Operation{Type: TypeDelete, Position: 0, Length: 3}                     // [0,3)
		got := Transform(op, h)
		require.Len(t, got, 1)
		assert.Equal(t, 0, got[0].Position)
		assert.Equal(t, 3, got[0].Length)
	})

	t.Run("format has no effect on format indices without shared keys", func(t *testing.T) {
		op := Operation{ID: "a", Timestamp: 100, Type: TypeFormat, Position: 2, Length: 4, Attributes: italic()}
		h := Operation{ID: "b", Timestamp: 200, Type: TypeFormat, Position: 0, Length: 8, Attributes: bold()}
		got := Transform(op, h)
		require.Len(t, got, 1)
		assert.Equal(t, op, got[0])
	})
}

func TestTransformFormatLastWriterWins(t *testing.T) {
	t.Run("earlier writer is split around the overlap", func(t *testing.T) {
		// h (later) already set bold on [0,4); op (earlier) wants bold off on [2,6)
		op := Operation{ID: "a", UserID: 1, Timestamp: 100, Type: TypeFormat,
			Position: 2, Length: 4, Attributes: Attributes{"bold": false}}
		h := Operation{ID: "b", UserID: 2, Timestamp: 200, Type: TypeFormat,
			Position: 0, Length: 4, Attributes: Attributes{"bold": true}}
		got := Transform(op, h)
		require.Len(t, got, 1, "overlap segment carries no unshared keys and is dropped")
		assert.Equal(t, 4, got[0].Position)
		assert.Equal(t, 2, got[0].Length)
		assert.Equal(t, Attributes{"bold": false}, got[0].Attributes)
	})

	t.Run("later writer applies unchanged on top", func(t *testing.T) {
		op := Operation{ID: "a", UserID: 1, Timestamp: 200, Type: TypeFormat,
			Position: 2, Length: 4, Attributes: Attributes{"bold": false}}
		h := Operation{ID: "b", UserID: 2, Timestamp: 100, Type: TypeFormat,
			Position: 0, Length: 4, Attributes: Attributes{"bold": true}}
		got := Transform(op, h)
		require.Len(t, got, 1)
		assert.Equal(t, op, got[0])
	})

	t.Run("unshared keys survive on the overlap", func(t *testing.T) {
		op := Operation{ID: "a", UserID: 1, Timestamp: 100, Type: TypeFormat,
			Position: 2, Length: 4, Attributes: Attributes{"bold": false, "italic": true}}
		h := Operation{ID: "b", UserID: 2, Timestamp: 200, Type: TypeFormat,
			Position: 0, Length: 4, Attributes: Attributes{"bold": true}}
		got := Transform(op, h)
		require.Len(t, got, 2)
		// overlap keeps only italic, tail keeps both
		assert.Equal(t, 2, got[0].Position)
		assert.Equal(t, 2, got[0].Length)
		assert.Equal(t, Attributes{"italic": true}, got[0].Attributes)
		assert.Equal(t, 4, got[1].Position)
		assert.Equal(t, 2, got[1].Length)
		assert.Equal(t, Attributes{"bold": false, "italic": true}, got[1].Attributes)
	})

	t.Run("converges on spans", func(t *testing.T) {
		base := &Document{Content: "abcdef"}
		a := Operation{ID: "a", UserID: 1, Timestamp: 100, Type: TypeFormat,
			Position: 2, Length: 4, Attributes: Attributes{"bold": false}}
		b := Operation{ID: "b", UserID: 2, Timestamp: 200, Type: TypeFormat,
			Position: 0, Length: 4, Attributes: Attributes{"bold": true}}
		d := converge(t, base, a, b)
		// the later writer owns the overlap
		assert.Equal(t, []Span{
			{Start: 0, End: 4, Attributes: Attributes{"bold": true}},
			{Start: 4, End: 6, Attributes: Attributes{"bold": false}},
		}, d.Spans)
	})
}

func TestRebase(t *testing.T) {
	t.Run("single history op shifts every pending segment", func(t *testing.T) {
		ops := []Operation{
			{Type: TypeInsert, Position: 5, Content: "a"},
			{Type: TypeInsert, Position: 9, Content: "b"},
		}
		hs := []Operation{{Type: TypeDelete, Position: 0, Length: 2}}
		got := Rebase(ops, hs)
		require.Len(t, got, 2)
		assert.Equal(t, 3, got[0].Position)
		assert.Equal(t, 7, got[1].Position)
	})

	t.Run("sequential lists converge both ways", func(t *testing.T) {
		// replica A types "12" at the front, replica B deletes the middle
		base := &Document{Content: "abcdef"}
		a := []Operation{
			{ID: "a1", UserID: 1, Timestamp: 100, Type: TypeInsert, Position: 0, Content: "1"},
			{ID: "a2", UserID: 1, Timestamp: 101, Type: TypeInsert, Position: 1, Content: "2"},
		}
		b := []Operation{
			{ID: "b1", UserID: 2, Timestamp: 200, Type: TypeDelete, Position: 2, Length: 2, DeletedContent: "cd"},
		}
		d1 := base.Clone()
		applyOps(t, d1, a)
		applyOps(t, d1, Rebase(b, a))

		d2 := base.Clone()
		applyOps(t, d2, b)
		applyOps(t, d2, Rebase(a, b))

		assert.Equal(t, "12abef", d1.Content)
		assert.Equal(t, d1.Content, d2.Content)
	})
}

// TestPairwiseConvergenceOverSpans runs every pair of edits from a small but
// exhaustive grid against a document that already carries formatting, in both
// orders. Span state is where order sensitivity hides: content can agree while
// attribute boundaries drift, so the grid covers inserts landing on, inside
// and around the existing span, with and without their own attributes.
func TestPairwiseConvergenceOverSpans(t *testing.T) {
	base := &Document{
		Content: "abcdef",
		Spans:   []Span{{Start: 1, End: 4, Attributes: Attributes{"underline": true}}},
	}

	var ops []Operation
	n := 0
	add := func(op Operation) {
		n++
		op.ID = fmt.Sprintf("op-%03d", n)
		op.UserID = uint64(1 + n%3)
		op.Timestamp = int64(1000 + n)
		ops = append(ops, op)
	}
	for pos := 0; pos <= 6; pos++ {
		add(Operation{Type: TypeInsert, Position: pos, Content: "X"})
		add(Operation{Type: TypeInsert, Position: pos, Content: "Y", Attributes: bold()})
	}
	for pos := 0; pos < 6; pos++ {
		for length := 1; pos+length <= 6; length++ {
			add(Operation{Type: TypeDelete, Position: pos, Length: length})
			add(Operation{Type: TypeFormat, Position: pos, Length: length, Attributes: bold()})
			add(Operation{Type: TypeFormat, Position: pos, Length: length, Attributes: Attributes{"bold": false}})
		}
	}

	for i := range ops {
		for j := i + 1; j < len(ops); j++ {
			converge(t, base, ops[i], ops[j])
		}
	}
}
