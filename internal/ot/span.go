package ot

import "sort"

// Span is a contiguous formatted range over the document content.
// Invariant, maintained by every mutation in this file: spans are sorted by
// Start, non-overlapping, non-empty, with 0 <= Start < End <= rune length.
type Span struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Attributes Attributes `json:"attributes"`
}

func cloneSpans(spans []Span) []Span {
	if spans == nil {
		return nil
	}
	out := make([]Span, len(spans))
	for i, s := range spans {
		out[i] = Span{Start: s.Start, End: s.End, Attributes: s.Attributes.Clone()}
	}
	return out
}

// normalizeSpans restores the span invariant: sort, drop empties, merge
// adjacent spans with identical attributes.
func normalizeSpans(spans []Span) []Span {
	kept := spans[:0]
	for _, s := range spans {
		if s.End > s.Start && len(s.Attributes) > 0 {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	out := kept[:0]
	for _, s := range kept {
		if n := len(out); n > 0 && out[n-1].End == s.Start && out[n-1].Attributes.Equal(s.Attributes) {
			out[n-1].End = s.End
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// spansInsert shifts spans for n runes inserted at pos. A span covering the
// insert point is split around it: inserted text carries exactly the
// attributes the operation itself declares, never whatever span it happened
// to land inside. Replicas apply concurrent operations with different span
// boundaries, so any rule keyed on local boundary geometry would diverge.
func spansInsert(spans []Span, pos, n int, attrs Attributes) []Span {
	out := make([]Span, 0, len(spans)+2)
	for _, s := range spans {
		switch {
		case s.End <= pos:
			out = append(out, s)
		case s.Start >= pos:
			out = append(out, Span{Start: s.Start + n, End: s.End + n, Attributes: s.Attributes})
		default: // pos strictly inside s
			out = append(out,
				Span{Start: s.Start, End: pos, Attributes: s.Attributes},
				Span{Start: pos + n, End: s.End + n, Attributes: s.Attributes.Clone()})
		}
	}
	if len(attrs) > 0 {
		out = append(out, Span{Start: pos, End: pos + n, Attributes: attrs.Clone()})
	}
	return normalizeSpans(out)
}

// spansDelete removes [pos, pos+n) from the span coordinate space. A span
// overlapping the cut keeps its parts on either side, which fuse in the new
// coordinates.
func spansDelete(spans []Span, pos, n int) []Span {
	end := pos + n
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		switch {
		case s.End <= pos:
			out = append(out, s)
		case s.Start >= end:
			out = append(out, Span{Start: s.Start - n, End: s.End - n, Attributes: s.Attributes})
		default:
			before := pos - s.Start
			if before < 0 {
				before = 0
			}
			after := s.End - end
			if after < 0 {
				after = 0
			}
			if before+after == 0 {
				continue // span fully inside the cut
			}
			start := s.Start
			if start > pos {
				start = pos
			}
			out = append(out, Span{Start: start, End: start + before + after, Attributes: s.Attributes})
		}
	}
	return normalizeSpans(out)
}

// spansFormat applies attrs over [pos, end): overlapped parts of existing
// spans get the merged attributes, uncovered parts of the range get attrs
// alone, parts outside the range are untouched.
func spansFormat(spans []Span, pos, end int, attrs Attributes) []Span {
	out := make([]Span, 0, len(spans)+2)
	cursor := pos // next uncovered position inside the range
	for _, s := range spans {
		if s.End <= pos || s.Start >= end {
			out = append(out, s)
			continue
		}
		ovStart, ovEnd := s.Start, s.End
		if ovStart < pos {
			ovStart = pos
		}
		if ovEnd > end {
			ovEnd = end
		}
		if cursor < ovStart {
			out = append(out, Span{Start: cursor, End: ovStart, Attributes: Attributes(nil).Merge(attrs)})
		}
		if s.Start < ovStart {
			out = append(out, Span{Start: s.Start, End: ovStart, Attributes: s.Attributes})
		}
		out = append(out, Span{Start: ovStart, End: ovEnd, Attributes: s.Attributes.Merge(attrs)})
		if s.End > ovEnd {
			out = append(out, Span{Start: ovEnd, End: s.End, Attributes: s.Attributes.Clone()})
		}
		cursor = ovEnd
	}
	if cursor < end {
		out = append(out, Span{Start: cursor, End: end, Attributes: Attributes(nil).Merge(attrs)})
	}
	return normalizeSpans(out)
}

// CaptureSpans records, for the given attribute keys, the values held over
// [pos, end). The result is a contiguous segmentation of the range; segments
// where a key is absent simply omit it. This is the data a Format operation
// must carry to be invertible.
func CaptureSpans(spans []Span, pos, end int, keys []string) []PrevSpan {
	if end <= pos {
		return nil
	}
	// segment boundaries: range edges plus every span edge inside the range
	cuts := []int{pos, end}
	for _, s := range spans {
		if s.Start > pos && s.Start < end {
			cuts = append(cuts, s.Start)
		}
		if s.End > pos && s.End < end {
			cuts = append(cuts, s.End)
		}
	}
	sort.Ints(cuts)
	var out []PrevSpan
	for i := 0; i+1 < len(cuts); i++ {
		a, b := cuts[i], cuts[i+1]
		if a == b {
			continue
		}
		attrs := make(Attributes)
		for _, s := range spans {
			if s.Start <= a && s.End >= b {
				for _, k := range keys {
					if v, ok := s.Attributes[k]; ok {
						attrs[k] = v
					}
				}
			}
		}
		if n := len(out); n > 0 && out[n-1].End == a && out[n-1].Attributes.Equal(attrs) {
			out[n-1].End = b
			continue
		}
		out = append(out, PrevSpan{Start: a, End: b, Attributes: attrs})
	}
	return out
}

// ValidSpans reports whether spans satisfy the span invariant for a document
// of the given rune length.
func ValidSpans(spans []Span, docLen int) bool {
	prevEnd := -1
	for _, s := range spans {
		if s.Start < 0 || s.End <= s.Start || s.End > docLen {
			return false
		}
		if s.Start < prevEnd {
			return false
		}
		prevEnd = s.End
	}
	return true
}
