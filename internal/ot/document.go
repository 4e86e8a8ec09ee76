package ot

import "fmt"

// UserSet is a set of user IDs, JSON-friendly for persistence.
type UserSet map[uint64]bool

func (s UserSet) Has(id uint64) bool { return s[id] }

func (s UserSet) Clone() UserSet {
	if s == nil {
		return nil
	}
	out := make(UserSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Permissions is the ACL a document carries, supplied at creation/sharing
// time by the permission source.
type Permissions struct {
	Read    UserSet `json:"read"`
	Write   UserSet `json:"write"`
	Comment UserSet `json:"comment"`
	Admin   UserSet `json:"admin"`
}

func (p Permissions) CanRead(id uint64) bool {
	return p.Read.Has(id) || p.Write.Has(id) || p.Admin.Has(id)
}

func (p Permissions) CanWrite(id uint64) bool {
	return p.Write.Has(id) || p.Admin.Has(id)
}

func (p Permissions) IsAdmin(id uint64) bool { return p.Admin.Has(id) }

func (p Permissions) Clone() Permissions {
	return Permissions{
		Read:    p.Read.Clone(),
		Write:   p.Write.Clone(),
		Comment: p.Comment.Clone(),
		Admin:   p.Admin.Clone(),
	}
}

// Document is the durable, versioned document state. Content, Spans and
// Version are owned by the transform engine; everything else treats them as
// read-only.
type Document struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	OwnerID     uint64      `json:"ownerId"`
	Content     string      `json:"content"`
	Spans       []Span      `json:"spans,omitempty"`
	Version     uint64      `json:"version"`
	Permissions Permissions `json:"permissions"`
	IsLocked    bool        `json:"isLocked"`
	LockedBy    uint64      `json:"lockedBy,omitempty"`
}

// NewDocument creates an empty document owned by ownerID, who gets every
// permission.
func NewDocument(id, title string, ownerID uint64) *Document {
	owner := UserSet{ownerID: true}
	return &Document{
		ID:      id,
		Title:   title,
		OwnerID: ownerID,
		Permissions: Permissions{
			Read:    owner.Clone(),
			Write:   owner.Clone(),
			Comment: owner.Clone(),
			Admin:   owner.Clone(),
		},
	}
}

func (d *Document) RuneLen() int { return len([]rune(d.Content)) }

func (d *Document) Clone() *Document {
	out := *d
	out.Spans = cloneSpans(d.Spans)
	out.Permissions = d.Permissions.Clone()
	return &out
}

// Apply mutates content and spans with an already-transformed operation.
// Version bookkeeping is the engine's job, not Apply's. For deletes, the
// actually removed text is written back into op.DeletedContent, keeping the
// broadcast operation invertible even when transformation moved the range.
func (d *Document) Apply(op *Operation) error {
	if op.IsNoop() {
		return nil
	}
	r := []rune(d.Content)
	switch op.Type {
	case TypeInsert:
		if op.Position < 0 || op.Position > len(r) {
			return fmt.Errorf("%w: insert at %d, len %d", ErrOutOfBounds, op.Position, len(r))
		}
		ins := []rune(op.Content)
		out := make([]rune, 0, len(r)+len(ins))
		out = append(out, r[:op.Position]...)
		out = append(out, ins...)
		out = append(out, r[op.Position:]...)
		d.Content = string(out)
		d.Spans = spansInsert(d.Spans, op.Position, len(ins), op.Attributes)
	case TypeDelete:
		if op.Position < 0 || op.End() > len(r) {
			return fmt.Errorf("%w: delete [%d,%d), len %d", ErrOutOfBounds, op.Position, op.End(), len(r))
		}
		op.DeletedContent = string(r[op.Position:op.End()])
		out := make([]rune, 0, len(r)-op.Length)
		out = append(out, r[:op.Position]...)
		out = append(out, r[op.End():]...)
		d.Content = string(out)
		d.Spans = spansDelete(d.Spans, op.Position, op.Length)
	case TypeFormat:
		if op.Position < 0 || op.End() > len(r) {
			return fmt.Errorf("%w: format [%d,%d), len %d", ErrOutOfBounds, op.Position, op.End(), len(r))
		}
		d.Spans = spansFormat(d.Spans, op.Position, op.End(), op.Attributes)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedOp, op.Type)
	}
	return nil
}
