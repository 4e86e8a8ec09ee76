package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabCore/internal/collab"
	"collabCore/internal/ot"
)

// ErrResyncRequired signals that local optimistic state can no longer be
// reconciled; the caller should let the buffer refetch the canonical
// document (Resync) and rebuild its UI from it.
var ErrResyncRequired = errors.New("RESYNC_REQUIRED")

// Submitter is the capability the buffer needs from the server side: submit
// a batch and fetch the canonical document. *collab.InMemoryService
// satisfies it directly for in-process wiring; a network transport wraps it
// for remote use.
type Submitter interface {
	SubmitBatch(ctx context.Context, docID string, ops []ot.Operation) ([]collab.AppliedOp, error)
	Document(ctx context.Context, docID string) (*ot.Document, error)
}

type Options struct {
	// DebounceWindow bounds network chatter during fast typing without
	// giving up per-keystroke operation granularity.
	DebounceWindow time.Duration
	MaxBatch       int
	MaxRetries     int
	UndoDepth      int
	Clock          Clock
	Logger         *zap.Logger
	// OnError receives failures from timer-triggered flushes.
	OnError func(error)
}

func (o *Options) fill() {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 40 * time.Millisecond
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 16
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.UndoDepth <= 0 {
		o.UndoDepth = 100
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// EditBuffer turns raw input into operations, applies them optimistically to
// a local view, batches them out and reconciles against the server's
// canonical emissions. Single user, single document.
type EditBuffer struct {
	docID  string
	userID uint64
	sub    Submitter
	opts   Options
	sched  *batchScheduler
	log    *zap.Logger

	mu       sync.Mutex
	shadow   *ot.Document // last known canonical state
	view     *ot.Document // shadow + optimistic pending ops
	pending  []ot.Operation
	failures int
	stale    bool // resync needed before any further submit
	closed   bool

	undoStack []ot.Operation
	redoStack []ot.Operation

	flushMu sync.Mutex // serializes flushes, preserving queue order
}

// Open fetches the canonical document and returns a ready buffer.
func Open(ctx context.Context, sub Submitter, docID string, userID uint64, opts Options) (*EditBuffer, error) {
	opts.fill()
	b := &EditBuffer{
		docID:  docID,
		userID: userID,
		sub:    sub,
		opts:   opts,
		log:    opts.Logger,
	}
	b.sched = newBatchScheduler(opts.Clock, opts.DebounceWindow, b.autoFlush)
	if err := b.Resync(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// View returns a copy of the optimistic local document.
func (b *EditBuffer) View() *ot.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view.Clone()
}

// Version is the last acknowledged canonical version.
func (b *EditBuffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shadow.Version
}

func (b *EditBuffer) newOp(typ ot.Type) ot.Operation {
	return ot.Operation{
		ID:          uuid.NewString(),
		Type:        typ,
		UserID:      b.userID,
		Timestamp:   b.opts.Clock.Now().UnixMilli(),
		BaseVersion: b.shadow.Version,
	}
}

// Insert records typing text at pos (rune index in the current view).
func (b *EditBuffer) Insert(pos int, text string, attrs ot.Attributes) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	op := b.newOp(ot.TypeInsert)
	op.Position = pos
	op.Content = text
	op.Attributes = attrs
	return b.enqueueLocked(op)
}

// Delete removes [pos, pos+length) from the current view. The removed text
// is captured now so the operation stays invertible.
func (b *EditBuffer) Delete(pos, length int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := []rune(b.view.Content)
	if pos < 0 || length <= 0 || pos+length > len(r) {
		return fmt.Errorf("%w: delete [%d,%d), len %d", ot.ErrOutOfBounds, pos, pos+length, len(r))
	}
	op := b.newOp(ot.TypeDelete)
	op.Position = pos
	op.Length = length
	op.DeletedContent = string(r[pos : pos+length])
	return b.enqueueLocked(op)
}

// Format applies attrs over [pos, pos+length), recording the prior attribute
// segments so the operation can be undone.
func (b *EditBuffer) Format(pos, length int, attrs ot.Attributes) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos < 0 || length <= 0 || pos+length > b.view.RuneLen() {
		return fmt.Errorf("%w: format [%d,%d), len %d", ot.ErrOutOfBounds, pos, pos+length, b.view.RuneLen())
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	op := b.newOp(ot.TypeFormat)
	op.Position = pos
	op.Length = length
	op.Attributes = attrs
	op.PrevSpans = ot.CaptureSpans(b.view.Spans, pos, pos+length, keys)
	return b.enqueueLocked(op)
}

// enqueueLocked applies op to the view, queues it and schedules a flush.
func (b *EditBuffer) enqueueLocked(op ot.Operation) error {
	if b.closed {
		return errors.New("edit buffer closed")
	}
	if b.stale {
		return ErrResyncRequired
	}
	applied := op
	if err := b.view.Apply(&applied); err != nil {
		return err
	}
	b.pending = append(b.pending, op)
	b.pushUndoLocked(op)
	b.redoStack = nil
	if len(b.pending) >= b.opts.MaxBatch {
		go b.sched.TriggerNow()
	} else {
		b.sched.Arm()
	}
	return nil
}

func (b *EditBuffer) pushUndoLocked(op ot.Operation) {
	if len(b.undoStack) >= b.opts.UndoDepth {
		copy(b.undoStack, b.undoStack[1:])
		b.undoStack = b.undoStack[:len(b.undoStack)-1]
	}
	b.undoStack = append(b.undoStack, op)
}

// Undo submits the inverse of the most recent local operation.
func (b *EditBuffer) Undo() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.undoStack) == 0 {
		return nil
	}
	op := b.undoStack[len(b.undoStack)-1]
	b.undoStack = b.undoStack[:len(b.undoStack)-1]
	for _, inv := range op.Inverse() {
		inv.ID = uuid.NewString()
		inv.UserID = b.userID
		inv.Timestamp = b.opts.Clock.Now().UnixMilli()
		inv.BaseVersion = b.shadow.Version
		applied := inv
		if err := b.view.Apply(&applied); err != nil {
			return err
		}
		b.pending = append(b.pending, inv)
	}
	b.redoStack = append(b.redoStack, op)
	b.sched.Arm()
	return nil
}

// Redo resubmits the most recently undone operation.
func (b *EditBuffer) Redo() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.redoStack) == 0 {
		return nil
	}
	op := b.redoStack[len(b.redoStack)-1]
	b.redoStack = b.redoStack[:len(b.redoStack)-1]
	op.ID = uuid.NewString()
	op.Timestamp = b.opts.Clock.Now().UnixMilli()
	op.BaseVersion = b.shadow.Version
	applied := op
	if err := b.view.Apply(&applied); err != nil {
		return err
	}
	b.pending = append(b.pending, op)
	b.pushUndoLocked(op)
	b.sched.Arm()
	return nil
}

func (b *EditBuffer) autoFlush() {
	if err := b.Flush(context.Background()); err != nil {
		b.log.Warn("flush failed", zap.String("docId", b.docID), zap.Error(err))
		if b.opts.OnError != nil {
			b.opts.OnError(err)
		}
	}
}

// Flush sends the queued batch. On transport failure the batch stays queued
// at the head; after MaxRetries consecutive failures (or a stale base) the
// buffer demands a resync.
func (b *EditBuffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.closed || b.stale || len(b.pending) == 0 {
		stale := b.stale
		b.mu.Unlock()
		if stale {
			return ErrResyncRequired
		}
		return nil
	}
	batch := make([]ot.Operation, len(b.pending))
	copy(batch, b.pending)
	b.mu.Unlock()

	applied, err := b.sub.SubmitBatch(ctx, b.docID, batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconcileLocked(applied)

	if err != nil {
		if errors.Is(err, collab.ErrStaleBase) || errors.Is(err, collab.ErrInvalidOperation) {
			b.stale = true
			return fmt.Errorf("%w: %v", ErrResyncRequired, err)
		}
		b.failures++
		if b.failures >= b.opts.MaxRetries {
			b.stale = true
			return fmt.Errorf("%w: %d consecutive submit failures: %v",
				ErrResyncRequired, b.failures, err)
		}
		// unacked ops remain at the head of the queue; retry on next flush
		b.sched.Arm()
		return fmt.Errorf("submit batch: %w", err)
	}
	b.failures = 0
	return nil
}

// reconcileLocked folds acknowledged results into the canonical shadow,
// drops the optimistic copies they confirm and rebuilds the view.
func (b *EditBuffer) reconcileLocked(applied []collab.AppliedOp) {
	if len(applied) == 0 {
		return
	}
	for _, a := range applied {
		b.advanceShadowLocked(a)
	}
	b.rebuildViewLocked()
}

// ApplyServer feeds server emissions (both own echoes and other users'
// operations) in the server's order, the single serialization point the
// whole pipeline relies on. A version gap means a missed broadcast and
// demands a resync.
func (b *EditBuffer) ApplyServer(applied ...collab.AppliedOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range applied {
		if a.Version <= b.shadow.Version {
			continue // already seen
		}
		if a.Version != b.shadow.Version+1 {
			b.stale = true
			return fmt.Errorf("%w: version gap, have %d got %d",
				ErrResyncRequired, b.shadow.Version, a.Version)
		}
		b.advanceShadowLocked(a)
	}
	b.rebuildViewLocked()
	return nil
}

// advanceShadowLocked folds one acknowledged result into the canonical
// shadow, then carries the pending queue forward so it stays expressed
// against the new shadow. Own echoes are simply dropped: everything queued
// after them (an undo issued mid-flight included) was built on a view that
// already contained them. Other users' operations rebase the queue. Either
// way the surviving ops get the new version as their base, so the server
// never re-transforms them against history they already account for.
func (b *EditBuffer) advanceShadowLocked(a collab.AppliedOp) {
	if a.Version <= b.shadow.Version {
		return
	}
	for i := range a.Ops {
		op := a.Ops[i]
		if err := b.shadow.Apply(&op); err != nil {
			b.stale = true
			b.log.Error("canonical apply failed", zap.String("docId", b.docID), zap.Error(err))
			return
		}
	}
	b.shadow.Version = a.Version

	own := false
	for i, p := range b.pending {
		if p.ID == a.OperationID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			own = true
			break
		}
	}
	if !own {
		b.pending = ot.Rebase(b.pending, a.Ops)
	}
	for i := range b.pending {
		if b.pending[i].BaseVersion < a.Version {
			b.pending[i].BaseVersion = a.Version
		}
	}
}

// rebuildViewLocked discards the old optimistic view and replays the still
// pending local ops on top of the canonical shadow. A pending op that no
// longer applies cleanly is dropped; the server echo will restate it.
func (b *EditBuffer) rebuildViewLocked() {
	b.view = b.shadow.Clone()
	kept := b.pending[:0]
	for _, p := range b.pending {
		op := p
		if err := b.view.Apply(&op); err != nil {
			b.log.Warn("optimistic replay dropped op",
				zap.String("docId", b.docID), zap.String("opId", p.ID), zap.Error(err))
			continue
		}
		kept = append(kept, p)
	}
	b.pending = kept
}

// Resync discards all optimistic state and refetches the canonical document.
func (b *EditBuffer) Resync(ctx context.Context) error {
	doc, err := b.sub.Document(ctx, b.docID)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadow = doc
	b.view = doc.Clone()
	b.pending = nil
	b.failures = 0
	b.stale = false
	return nil
}

// Close cancels the debounce timer and abandons unflushed operations.
// Partially-typed input that never flushed is intentionally lost rather than
// risking an out-of-order submit after teardown.
func (b *EditBuffer) Close() {
	b.sched.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pending = nil
}
