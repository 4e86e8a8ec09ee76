package ot

// Transform rewrites op so that it applies after h, an operation that was
// already committed. op and h were both expressed against the same document
// state; the result carries op's intent into the state h produced.
//
// Most rules adjust indices and return a single operation. Some cases fan
// out: a delete or format with a concurrent insert landed inside it splits
// around the inserted text, a format losing a last-writer-wins conflict
// splits around the overlap, and an operation fully swallowed by a concurrent
// delete degenerates to nothing (empty slice). Multi-element results are
// sequential: each element is expressed in the state left by its
// predecessors.
func Transform(op, h Operation) []Operation {
	switch op.Type {
	case TypeInsert:
		return []Operation{transformInsert(op, h)}
	case TypeDelete:
		return transformDelete(op, h)
	case TypeFormat:
		return transformFormat(op, h)
	}
	return []Operation{op}
}

// Rebase transforms the sequential list ops over the sequential list hs,
// where both lists were expressed against the same base state and hs has been
// committed. The result is ops carried into the state hs produced, still
// sequential.
func Rebase(ops, hs []Operation) []Operation {
	out, _ := rebaseBoth(ops, hs)
	return out
}

// rebaseBoth mutually rebases two concurrent sequential lists, returning
// (a over b, b over a). Divide and conquer down to the single-op Transform.
func rebaseBoth(a, b []Operation) ([]Operation, []Operation) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	if len(a) == 1 && len(b) == 1 {
		return Transform(a[0], b[0]), Transform(b[0], a[0])
	}
	if len(a) > 1 {
		// a = head ++ rest, rest expressed after head. Rebase head over all
		// of b, then rest over b-after-head.
		aHead, bMid := rebaseBoth(a[:1], b)
		aRest, bOut := rebaseBoth(a[1:], bMid)
		return append(aHead, aRest...), bOut
	}
	bHead, aMid := rebaseBoth(b[:1], a)
	bRest, aOut := rebaseBoth(b[1:], aMid)
	return aOut, append(bHead, bRest...)
}

func transformInsert(op, h Operation) Operation {
	switch h.Type {
	case TypeInsert:
		// Equal positions tie-break on the (timestamp, userId, id) tuple:
		// the lower tuple is treated as earlier and wins the left slot.
		if h.Position < op.Position || (h.Position == op.Position && h.Before(op)) {
			op.Position += h.TextLen()
		}
	case TypeDelete:
		switch {
		case h.End() <= op.Position:
			op.Position -= h.Length
		case h.Position < op.Position:
			// the deleted range covered the insert point: clamp to its start
			op.Position = h.Position
		}
	case TypeFormat:
		// no index effect
	}
	return op
}

// transformDelete adjusts a Delete range against h. A concurrent insert
// strictly inside the range splits the delete in two, keeping the inserted
// text; transformInsert mirrors this by clamping an insert whose position a
// delete covered to the delete's start.
func transformDelete(op, h Operation) []Operation {
	switch h.Type {
	case TypeInsert:
		n := h.TextLen()
		switch {
		case h.Position <= op.Position:
			op.Position += n
		case h.Position >= op.End():
			// disjoint, after the range
		default:
			left := op
			left.Length = h.Position - op.Position
			right := op
			right.Position = op.Position + n
			right.Length = op.End() - h.Position
			if r := []rune(op.DeletedContent); len(r) == op.Length {
				left.DeletedContent = string(r[:left.Length])
				right.DeletedContent = string(r[left.Length:])
			}
			return []Operation{left, right}
		}
	case TypeDelete:
		switch {
		case h.End() <= op.Position:
			op.Position -= h.Length
		case h.Position >= op.End():
			// disjoint, after the range
		default:
			ovStart := max(op.Position, h.Position)
			ovEnd := min(op.End(), h.End())
			overlap := ovEnd - ovStart
			if h.Position < op.Position {
				op.Position = h.Position
			}
			op.Length -= overlap
		}
	case TypeFormat:
		// no index effect
	}
	if op.IsNoop() {
		return nil
	}
	return []Operation{op}
}

// transformFormat adjusts a Format range against h: inserts shift it, deletes
// shift or shrink it. A concurrent insert strictly inside the range splits
// the format around the inserted text, like transformDelete: the inserted
// text carries its own attributes, so widening over it would format content
// its author never touched and replicas would disagree on.
func transformFormat(op, h Operation) []Operation {
	switch h.Type {
	case TypeInsert:
		n := h.TextLen()
		switch {
		case h.Position <= op.Position:
			op.Position += n
		case h.Position >= op.End():
			// disjoint, after the range
		default:
			left := op
			left.Length = h.Position - op.Position
			left.PrevSpans = clipPrevSpans(op.PrevSpans, op.Position, h.Position)
			right := op
			right.Position = h.Position + n
			right.Length = op.End() - h.Position
			right.PrevSpans = clipPrevSpans(op.PrevSpans, h.Position, op.End())
			return []Operation{left, right}
		}
	case TypeDelete:
		switch {
		case h.End() <= op.Position:
			op.Position -= h.Length
		case h.Position >= op.End():
			// disjoint, after the range
		default:
			ovStart := max(op.Position, h.Position)
			ovEnd := min(op.End(), h.End())
			overlap := ovEnd - ovStart
			if h.Position < op.Position {
				op.Position = h.Position
			}
			op.Length -= overlap
		}
	case TypeFormat:
		// no index effect
	}
	if op.IsNoop() {
		return nil
	}
	if h.Type == TypeFormat {
		return resolveFormatConflict(op, h)
	}
	return []Operation{op}
}

// resolveFormatConflict enforces per-key last-(timestamp, userId)-wins when
// two formats overlap. h is already applied; if h is the later writer, op
// must not override the shared keys on the overlap, so op is split around it.
// If op is the later writer it simply applies on top.
func resolveFormatConflict(op, h Operation) []Operation {
	if h.Before(op) {
		return []Operation{op} // op wins, applying after h overrides it
	}
	ovStart := max(op.Position, h.Position)
	ovEnd := min(op.End(), h.End())
	if ovStart >= ovEnd {
		return []Operation{op}
	}
	shared := make(map[string]bool)
	for k := range op.Attributes {
		if _, ok := h.Attributes[k]; ok {
			shared[k] = true
		}
	}
	if len(shared) == 0 {
		return []Operation{op}
	}

	var out []Operation
	segment := func(start, end int, attrs Attributes) {
		if end <= start || len(attrs) == 0 {
			return
		}
		seg := op
		seg.Position = start
		seg.Length = end - start
		seg.Attributes = attrs
		seg.PrevSpans = clipPrevSpans(op.PrevSpans, start, end)
		out = append(out, seg)
	}
	segment(op.Position, ovStart, op.Attributes)
	unshared := make(Attributes)
	for k, v := range op.Attributes {
		if !shared[k] {
			unshared[k] = v
		}
	}
	segment(ovStart, ovEnd, unshared)
	segment(ovEnd, op.End(), op.Attributes)
	return out
}

func clipPrevSpans(prev []PrevSpan, start, end int) []PrevSpan {
	var out []PrevSpan
	for _, p := range prev {
		s, e := max(p.Start, start), min(p.End, end)
		if s < e {
			out = append(out, PrevSpan{Start: s, End: e, Attributes: p.Attributes.Clone()})
		}
	}
	return out
}
