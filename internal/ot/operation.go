package ot

import (
	"errors"
	"fmt"
	"strings"
)

// Operation types. Insert adds text, Delete removes it, Format rewrites
// attributes over a range without touching text.
type Type string

const (
	TypeInsert Type = "insert"
	TypeDelete Type = "delete"
	TypeFormat Type = "format"
)

// Attributes carries formatting metadata (bold/italic/color...). Values are
// bool or string. A nil value clears the key when merged, quill style:
// {"bold": null} removes bold.
type Attributes map[string]any

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge applies over on top of a. nil values in over delete keys.
func (a Attributes) Merge(over Attributes) Attributes {
	out := a.Clone()
	if out == nil {
		out = make(Attributes, len(over))
	}
	for k, v := range over {
		if v == nil {
			delete(out, k)
		} else {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// PrevSpan records the attribute values a range held before a Format
// operation touched it. Captured at operation-creation time so the inverse
// can restore them.
type PrevSpan struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Attributes Attributes `json:"attributes"`
}

// Operation is the wire unit of mutation. Position/Length are rune indices in
// the coordinate space of BaseVersion, never the live document.
type Operation struct {
	ID          string `json:"id"`
	Type        Type   `json:"type"`
	UserID      uint64 `json:"userId"`
	Timestamp   int64  `json:"timestamp"` // unix millis, only needs to be stably comparable
	BaseVersion uint64 `json:"baseVersion"`

	Position int `json:"position"`

	// Insert
	Content string `json:"content,omitempty"`

	// Delete / Format
	Length int `json:"length,omitempty"`

	// Delete. Mandatory: without it the operation cannot be inverted.
	DeletedContent string `json:"deletedContent,omitempty"`

	// Insert (optional) / Format
	Attributes Attributes `json:"attributes,omitempty"`

	// Format: prior attribute segments over [Position, Position+Length).
	PrevSpans []PrevSpan `json:"prevSpans,omitempty"`
}

var (
	ErrOutOfBounds = errors.New("operation index out of bounds")
	ErrMalformedOp = errors.New("malformed operation")
)

// TextLen is the rune length of the inserted content.
func (op Operation) TextLen() int { return len([]rune(op.Content)) }

// End is the exclusive end of a Delete/Format range.
func (op Operation) End() int { return op.Position + op.Length }

// IsNoop reports whether the operation has no effect (typically a delete
// fully swallowed by a concurrent delete during transformation).
func (op Operation) IsNoop() bool {
	switch op.Type {
	case TypeInsert:
		return op.Content == ""
	case TypeDelete, TypeFormat:
		return op.Length <= 0
	}
	return true
}

// Before defines the deterministic total order used to break ties between
// concurrent operations: (timestamp, userId, id) ascending. Every replica
// must order concurrent operations identically, and this tuple is the single
// source of truth for that.
func (op Operation) Before(other Operation) bool {
	if op.Timestamp != other.Timestamp {
		return op.Timestamp < other.Timestamp
	}
	if op.UserID != other.UserID {
		return op.UserID < other.UserID
	}
	return strings.Compare(op.ID, other.ID) < 0
}

// Validate checks the operation against the rune length of the document at
// the operation's own base version. The engine re-validates after transform
// against the live document.
func (op Operation) Validate(docLen int) error {
	switch op.Type {
	case TypeInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: empty insert", ErrMalformedOp)
		}
		if op.Position < 0 || op.Position > docLen {
			return fmt.Errorf("%w: insert at %d, len %d", ErrOutOfBounds, op.Position, docLen)
		}
	case TypeDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete of length %d", ErrMalformedOp, op.Length)
		}
		if op.DeletedContent == "" || len([]rune(op.DeletedContent)) != op.Length {
			return fmt.Errorf("%w: deletedContent does not match length", ErrMalformedOp)
		}
		if op.Position < 0 || op.End() > docLen {
			return fmt.Errorf("%w: delete [%d,%d), len %d", ErrOutOfBounds, op.Position, op.End(), docLen)
		}
	case TypeFormat:
		if op.Length <= 0 || len(op.Attributes) == 0 {
			return fmt.Errorf("%w: format needs a range and attributes", ErrMalformedOp)
		}
		if op.Position < 0 || op.End() > docLen {
			return fmt.Errorf("%w: format [%d,%d), len %d", ErrOutOfBounds, op.Position, op.End(), docLen)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedOp, op.Type)
	}
	return nil
}

// Inverse produces the operations that undo op. Insert and Delete invert to
// a single op; Format inverts to one restoring op per recorded prior segment.
// IDs, timestamps and base versions are left zero for the caller to fill.
func (op Operation) Inverse() []Operation {
	switch op.Type {
	case TypeInsert:
		return []Operation{{
			Type:           TypeDelete,
			UserID:         op.UserID,
			Position:       op.Position,
			Length:         op.TextLen(),
			DeletedContent: op.Content,
		}}
	case TypeDelete:
		return []Operation{{
			Type:     TypeInsert,
			UserID:   op.UserID,
			Position: op.Position,
			Content:  op.DeletedContent,
		}}
	case TypeFormat:
		inv := make([]Operation, 0, len(op.PrevSpans))
		for _, ps := range op.PrevSpans {
			attrs := make(Attributes, len(op.Attributes))
			for k := range op.Attributes {
				if v, ok := ps.Attributes[k]; ok && v != nil {
					attrs[k] = v
				} else {
					attrs[k] = nil // key was absent before: clear it
				}
			}
			inv = append(inv, Operation{
				Type:       TypeFormat,
				UserID:     op.UserID,
				Position:   ps.Start,
				Length:     ps.End - ps.Start,
				Attributes: attrs,
			})
		}
		return inv
	}
	return nil
}
