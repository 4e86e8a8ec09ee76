package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabCore/internal/ot"
)

// Service is the server-authoritative collaboration engine. Its commit order
// per document IS the global order every client observes.
type Service interface {
	// Submit transforms one operation against everything applied since its
	// base version, applies it and advances the document version by one.
	Submit(ctx context.Context, docID string, op ot.Operation) (AppliedOp, error)

	// SubmitBatch applies a client batch in queue order. Ops in a batch are
	// expressed sequentially (each in the space left by its predecessors).
	// On failure the applied prefix is returned with the error.
	SubmitBatch(ctx context.Context, docID string, ops []ot.Operation) ([]AppliedOp, error)

	// Document returns a copy of the current canonical document.
	Document(ctx context.Context, docID string) (*ot.Document, error)

	CurrentVersion(ctx context.Context, docID string) (uint64, error)

	// OpsSince returns applied operations with version > fromVersion, for
	// client catch-up after a missed broadcast.
	OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOp, error)

	// SaveSnapshot checkpoints content to the version-history store,
	// independent of the incremental operation log.
	SaveSnapshot(ctx context.Context, docID string) error

	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)

	// Grant adds a user to one of the permission sets: "read", "write",
	// "comment", "admin".
	Grant(ctx context.Context, docID string, adminID, userID uint64, level string) error

	// Advisory lock. Submit independently rejects writes from non-holders
	// while a lock is held.
	Lock(ctx context.Context, docID string, userID uint64) error
	Unlock(ctx context.Context, docID string, userID uint64) error
}

// DocumentStore is the durable write-through target for canonical state.
type DocumentStore interface {
	Get(ctx context.Context, docID string) (*ot.Document, error)
	Create(ctx context.Context, doc *ot.Document) error
	// UpdateState persists content/spans at newVersion, compare-and-set
	// against newVersion-1 so persisted versions stay gapless.
	UpdateState(ctx context.Context, docID string, content string, spans []ot.Span, newVersion uint64) error
	SetLock(ctx context.Context, docID string, locked bool, lockedBy uint64) error
	SetPermissions(ctx context.Context, docID string, perms ot.Permissions) error
}

// SnapshotStore receives periodic durability checkpoints.
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content string) error
}

// EventSink receives an event per applied operation. *KafkaDispatcher
// satisfies it.
type EventSink interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

// AppliedOp is the canonical result of one submitted operation. Ops holds
// the post-transform segments (usually one); all segments share one version.
type AppliedOp struct {
	OperationID string         `json:"operationId"`
	Version     uint64         `json:"version"`
	AuthorID    uint64         `json:"authorId"`
	Ops         []ot.Operation `json:"ops"`
	AppliedAt   time.Time      `json:"appliedAt"`
}

type docState struct {
	mu      sync.Mutex
	doc     *ot.Document
	history []AppliedOp // rolling log, oldest first, contiguous versions
	seen    map[string]AppliedOp
}

// oldestBase is the lowest base version still transformable against the
// retained history.
func (ds *docState) oldestBase() uint64 {
	return ds.doc.Version - uint64(len(ds.history))
}

// InMemoryService holds the authoritative state of every open document and
// writes through to the document store after each apply.
type InMemoryService struct {
	mu         sync.RWMutex
	docs       map[string]*docState
	historyCap int

	store     DocumentStore
	snapshots SnapshotStore
	events    EventSink
	log       *zap.Logger
}

type ServiceOptions struct {
	HistoryCap int // retained applied ops per document
	Store      DocumentStore
	Snapshots  SnapshotStore
	Events     EventSink
	Logger     *zap.Logger
}

func NewInMemoryService(opt ServiceOptions) *InMemoryService {
	if opt.HistoryCap <= 0 {
		opt.HistoryCap = 1024
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &InMemoryService{
		docs:       make(map[string]*docState),
		historyCap: opt.HistoryCap,
		store:      opt.Store,
		snapshots:  opt.Snapshots,
		events:     opt.Events,
		log:        opt.Logger,
	}
}

func (s *InMemoryService) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	docID := uuid.NewString()
	doc := ot.NewDocument(docID, title, ownerID)
	if s.store != nil {
		if err := s.store.Create(ctx, doc); err != nil {
			return "", fmt.Errorf("create document: %w", err)
		}
	}
	s.mu.Lock()
	s.docs[docID] = &docState{doc: doc, seen: make(map[string]AppliedOp)}
	s.mu.Unlock()
	return docID, nil
}

// getDoc returns the cached state, lazily loading from the store. A document
// loaded cold has an empty history, so any base version behind its persisted
// version is stale and forces a client resync.
func (s *InMemoryService) getDoc(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}
	if s.store == nil {
		return nil, ErrDocumentNotFound
	}
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds = s.docs[docID]; ds == nil {
		ds = &docState{doc: doc, seen: make(map[string]AppliedOp)}
		s.docs[docID] = ds
	}
	return ds, nil
}

func (s *InMemoryService) Submit(ctx context.Context, docID string, op ot.Operation) (AppliedOp, error) {
	applied, err := s.SubmitBatch(ctx, docID, []ot.Operation{op})
	if err != nil {
		if len(applied) == 1 {
			return applied[0], err
		}
		return AppliedOp{}, err
	}
	return applied[0], nil
}

func (s *InMemoryService) SubmitBatch(ctx context.Context, docID string, ops []ot.Operation) ([]AppliedOp, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	// Batch ops are sequential: transforming op i against history stops at
	// the version the batch started from, because op i's coordinates already
	// include the effect of ops 0..i-1.
	startVersion := ds.doc.Version

	var out []AppliedOp
	for i := range ops {
		applied, err := s.submitOne(ctx, ds, docID, ops[i], startVersion)
		if errors.Is(err, ErrDuplicateOperation) {
			// idempotent ack: hand back the original result
			out = append(out, applied)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, applied)
	}
	return out, nil
}

func (s *InMemoryService) submitOne(ctx context.Context, ds *docState, docID string, op ot.Operation, transformCeil uint64) (AppliedOp, error) {
	if prev, ok := ds.seen[op.ID]; ok {
		return prev, ErrDuplicateOperation
	}
	doc := ds.doc
	if !doc.Permissions.CanWrite(op.UserID) {
		return AppliedOp{}, ErrPermissionDenied
	}
	if doc.IsLocked && doc.LockedBy != op.UserID {
		return AppliedOp{}, fmt.Errorf("%w: held by user %d", ErrLockConflict, doc.LockedBy)
	}
	if op.BaseVersion > doc.Version {
		return AppliedOp{}, fmt.Errorf("%w: base version %d ahead of document version %d",
			ErrInvalidOperation, op.BaseVersion, doc.Version)
	}
	if op.BaseVersion < ds.oldestBase() {
		return AppliedOp{}, fmt.Errorf("%w: base version %d, oldest transformable %d",
			ErrStaleBase, op.BaseVersion, ds.oldestBase())
	}

	pending := []ot.Operation{op}
	for _, h := range ds.history {
		if h.Version <= op.BaseVersion || h.Version > transformCeil {
			continue
		}
		pending = ot.Rebase(pending, h.Ops)
	}

	// Re-validate post-transform against the live document; a transform must
	// never be allowed to smuggle an out-of-bounds index past validation.
	docLen := doc.RuneLen()
	for _, seg := range pending {
		if seg.IsNoop() {
			continue
		}
		if err := validateTransformed(seg, docLen); err != nil {
			return AppliedOp{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if seg.Type == ot.TypeInsert {
			docLen += seg.TextLen()
		} else if seg.Type == ot.TypeDelete {
			docLen -= seg.Length
		}
	}

	applied := AppliedOp{
		OperationID: op.ID,
		AuthorID:    op.UserID,
		AppliedAt:   time.Now(),
	}
	for i := range pending {
		if pending[i].IsNoop() {
			continue
		}
		if err := doc.Apply(&pending[i]); err != nil {
			// bounds were checked above; treat as invalid rather than panic
			return AppliedOp{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		applied.Ops = append(applied.Ops, pending[i])
	}

	// one version step per submitted operation, even when fully no-opped
	doc.Version++
	applied.Version = doc.Version

	if len(ds.history) >= s.historyCap {
		evicted := ds.history[0]
		copy(ds.history, ds.history[1:])
		ds.history = ds.history[:len(ds.history)-1]
		delete(ds.seen, evicted.OperationID)
	}
	ds.history = append(ds.history, applied)
	ds.seen[op.ID] = applied

	if s.store != nil {
		if err := s.store.UpdateState(ctx, docID, doc.Content, doc.Spans, doc.Version); err != nil {
			// in-memory state stays authoritative; persistence catches up on
			// the next write or snapshot
			s.log.Error("write-through failed",
				zap.String("docId", docID), zap.Uint64("version", doc.Version), zap.Error(err))
		}
	}
	if s.events != nil {
		evt := DocOpEvent{
			EventType:   "OP_APPLIED",
			DocID:       docID,
			OperationID: applied.OperationID,
			Version:     applied.Version,
			AuthorID:    applied.AuthorID,
			BaseVersion: op.BaseVersion,
			Ops:         applied.Ops,
			AppliedAt:   applied.AppliedAt,
		}
		if err := s.events.Enqueue(ctx, evt); err != nil {
			s.log.Warn("event enqueue failed", zap.String("docId", docID), zap.Error(err))
		}
	}
	return applied, nil
}

func validateTransformed(op ot.Operation, docLen int) error {
	switch op.Type {
	case ot.TypeInsert:
		if op.Position < 0 || op.Position > docLen {
			return fmt.Errorf("insert at %d, len %d", op.Position, docLen)
		}
	case ot.TypeDelete, ot.TypeFormat:
		if op.Position < 0 || op.End() > docLen {
			return fmt.Errorf("%s [%d,%d), len %d", op.Type, op.Position, op.End(), docLen)
		}
	default:
		return fmt.Errorf("unknown type %q", op.Type)
	}
	return nil
}

func (s *InMemoryService) Document(ctx context.Context, docID string) (*ot.Document, error) {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.doc.Clone(), nil
}

func (s *InMemoryService) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.doc.Version, nil
}

func (s *InMemoryService) OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOp, error) {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if fromVersion < ds.oldestBase() {
		return nil, fmt.Errorf("%w: from version %d, oldest retained %d",
			ErrStaleBase, fromVersion, ds.oldestBase())
	}
	var out []AppliedOp
	for _, h := range ds.history {
		if h.Version > fromVersion {
			out = append(out, h)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// OpenDocuments lists the ids of documents currently resident in memory,
// for the periodic snapshot sweep.
func (s *InMemoryService) OpenDocuments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return nil
	}
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	content, version := ds.doc.Content, ds.doc.Version
	ds.mu.Unlock()
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, version, content)
}

func (s *InMemoryService) Grant(ctx context.Context, docID string, adminID, userID uint64, level string) error {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	doc := ds.doc
	if !doc.Permissions.IsAdmin(adminID) {
		return ErrPermissionDenied
	}
	var set ot.UserSet
	switch level {
	case "read":
		if doc.Permissions.Read == nil {
			doc.Permissions.Read = ot.UserSet{}
		}
		set = doc.Permissions.Read
	case "write":
		if doc.Permissions.Write == nil {
			doc.Permissions.Write = ot.UserSet{}
		}
		set = doc.Permissions.Write
	case "comment":
		if doc.Permissions.Comment == nil {
			doc.Permissions.Comment = ot.UserSet{}
		}
		set = doc.Permissions.Comment
	case "admin":
		if doc.Permissions.Admin == nil {
			doc.Permissions.Admin = ot.UserSet{}
		}
		set = doc.Permissions.Admin
	default:
		return fmt.Errorf("unknown permission level %q", level)
	}
	set[userID] = true
	if s.store != nil {
		if err := s.store.SetPermissions(ctx, docID, doc.Permissions); err != nil {
			s.log.Error("persist permissions failed", zap.String("docId", docID), zap.Error(err))
		}
	}
	return nil
}

func (s *InMemoryService) Lock(ctx context.Context, docID string, userID uint64) error {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	doc := ds.doc
	if doc.IsLocked && doc.LockedBy != userID {
		return fmt.Errorf("%w: held by user %d", ErrLockConflict, doc.LockedBy)
	}
	if !doc.Permissions.CanWrite(userID) {
		return ErrPermissionDenied
	}
	doc.IsLocked = true
	doc.LockedBy = userID
	if s.store != nil {
		if err := s.store.SetLock(ctx, docID, true, userID); err != nil {
			s.log.Error("persist lock failed", zap.String("docId", docID), zap.Error(err))
		}
	}
	return nil
}

func (s *InMemoryService) Unlock(ctx context.Context, docID string, userID uint64) error {
	ds, err := s.getDoc(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	doc := ds.doc
	if !doc.IsLocked {
		return nil
	}
	if doc.LockedBy != userID && !doc.Permissions.IsAdmin(userID) {
		return fmt.Errorf("%w: held by user %d", ErrLockConflict, doc.LockedBy)
	}
	doc.IsLocked = false
	doc.LockedBy = 0
	if s.store != nil {
		if err := s.store.SetLock(ctx, docID, false, 0); err != nil {
			s.log.Error("persist unlock failed", zap.String("docId", docID), zap.Error(err))
		}
	}
	return nil
}
