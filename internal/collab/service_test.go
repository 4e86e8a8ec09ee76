package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCore/internal/ot"
)

type fakeEventSink struct {
	mu     sync.Mutex
	events []DocOpEvent
}

func (f *fakeEventSink) Enqueue(_ context.Context, evt DocOpEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeEventSink) all() []DocOpEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DocOpEvent(nil), f.events...)
}

type fakeDocStore struct {
	mu   sync.Mutex
	docs map[string]*ot.Document
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string]*ot.Document)}
}

func (f *fakeDocStore) Get(_ context.Context, docID string) (*ot.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

func (f *fakeDocStore) Create(_ context.Context, doc *ot.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc.Clone()
	return nil
}

func (f *fakeDocStore) UpdateState(_ context.Context, docID, content string, spans []ot.Span, newVersion uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[docID]
	doc.Content = content
	doc.Spans = spans
	doc.Version = newVersion
	return nil
}

func (f *fakeDocStore) SetLock(_ context.Context, docID string, locked bool, lockedBy uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[docID].IsLocked = locked
	f.docs[docID].LockedBy = lockedBy
	return nil
}

func (f *fakeDocStore) SetPermissions(_ context.Context, docID string, perms ot.Permissions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[docID].Permissions = perms.Clone()
	return nil
}

const (
	owner  uint64 = 1
	writer uint64 = 2
	other  uint64 = 3
)

func newTestService(t *testing.T, opt ServiceOptions) (*InMemoryService, string) {
	t.Helper()
	svc := NewInMemoryService(opt)
	docID, err := svc.CreateDocument(context.Background(), owner, "notes")
	require.NoError(t, err)
	require.NoError(t, svc.Grant(context.Background(), docID, owner, writer, "write"))
	return svc, docID
}

func insertOp(id string, userID uint64, ts int64, base uint64, pos int, text string) ot.Operation {
	return ot.Operation{
		ID: id, Type: ot.TypeInsert, UserID: userID,
		Timestamp: ts, BaseVersion: base, Position: pos, Content: text,
	}
}

func deleteOp(id string, userID uint64, ts int64, base uint64, pos, length int, deleted string) ot.Operation {
	return ot.Operation{
		ID: id, Type: ot.TypeDelete, UserID: userID,
		Timestamp: ts, BaseVersion: base, Position: pos, Length: length, DeletedContent: deleted,
	}
}

func TestSubmitAdvancesVersionByOne(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	applied, err := svc.Submit(ctx, docID, insertOp("op-1", owner, 100, 0, 0, "hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), applied.Version)

	doc, err := svc.Document(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Content)
	assert.Equal(t, uint64(1), doc.Version)
}

func TestConcurrentSubmitsConvergeEitherArrivalOrder(t *testing.T) {
	ctx := context.Background()
	a := insertOp("op-a", owner, 100, 1, 5, "Hello")
	b := insertOp("op-b", writer, 200, 1, 5, " World")

	run := func(first, second ot.Operation) string {
		svc, docID := newTestService(t, ServiceOptions{})
		_, err := svc.Submit(ctx, docID, insertOp("seed", owner, 50, 0, 0, "Say: "))
		require.NoError(t, err)
		_, err = svc.Submit(ctx, docID, first)
		require.NoError(t, err)
		_, err = svc.Submit(ctx, docID, second)
		require.NoError(t, err)
		doc, err := svc.Document(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), doc.Version)
		return doc.Content
	}

	assert.Equal(t, "Say: Hello World", run(a, b))
	assert.Equal(t, "Say: Hello World", run(b, a))
}

func TestSubmitTransformsAgainstMissedHistory(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, docID, insertOp("seed", owner, 50, 0, 0, "abcdef"))
	require.NoError(t, err)
	// owner deletes "cd" at version 1; writer's op was typed against version 1
	// too and arrives second
	_, err = svc.Submit(ctx, docID, deleteOp("del", owner, 100, 1, 2, 2, "cd"))
	require.NoError(t, err)
	applied, err := svc.Submit(ctx, docID, insertOp("ins", writer, 200, 1, 5, "X"))
	require.NoError(t, err)

	require.Len(t, applied.Ops, 1)
	assert.Equal(t, 3, applied.Ops[0].Position, "index shifted left past the delete")

	doc, err := svc.Document(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "abeXf", doc.Content)
}

func TestSubmitPermissionDenied(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	_, err := svc.Submit(context.Background(), docID, insertOp("op-1", other, 100, 0, 0, "hi"))
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSubmitUnknownDocument(t *testing.T) {
	svc := NewInMemoryService(ServiceOptions{})
	_, err := svc.Submit(context.Background(), "nope", insertOp("op-1", owner, 100, 0, 0, "hi"))
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestSubmitBaseAheadOfDocument(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	_, err := svc.Submit(context.Background(), docID, insertOp("op-1", owner, 100, 5, 0, "hi"))
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestSubmitStaleBaseAfterHistoryPruning(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{HistoryCap: 2})
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		_, err := svc.Submit(ctx, docID, insertOp("op-"+text, owner, int64(100+i), uint64(i), i, text))
		require.NoError(t, err)
	}

	// history retains versions 2..3, so base 0 is no longer transformable
	_, err := svc.Submit(ctx, docID, insertOp("late", writer, 500, 0, 0, "x"))
	assert.ErrorIs(t, err, ErrStaleBase)

	// base 1 is the oldest that still works
	_, err = svc.Submit(ctx, docID, insertOp("ok", writer, 500, 1, 1, "x"))
	assert.NoError(t, err)
}

func TestSubmitDuplicateIsIdempotent(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	op := insertOp("op-1", owner, 100, 0, 0, "hello")
	first, err := svc.Submit(ctx, docID, op)
	require.NoError(t, err)

	second, err := svc.Submit(ctx, docID, op)
	require.NoError(t, err, "resubmission after a lost ack is a plain ack")
	assert.Equal(t, first.Version, second.Version)

	version, err := svc.CurrentVersion(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version, "duplicate must not advance the version")
}

func TestSubmitBatchSequentialCoordinates(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	// a typed burst: each op is positioned after its predecessors applied
	batch := []ot.Operation{
		insertOp("op-1", owner, 100, 0, 0, "ab"),
		insertOp("op-2", owner, 101, 0, 2, "cd"),
		deleteOp("op-3", owner, 102, 0, 1, 2, "bc"),
	}
	applied, err := svc.SubmitBatch(ctx, docID, batch)
	require.NoError(t, err)
	require.Len(t, applied, 3)
	assert.Equal(t, uint64(3), applied[2].Version)

	doc, err := svc.Document(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "ad", doc.Content)
}

func TestSubmitBatchReturnsAppliedPrefixOnFailure(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	batch := []ot.Operation{
		insertOp("op-1", owner, 100, 0, 0, "ok"),
		insertOp("op-2", owner, 101, 9, 0, "bad base"),
	}
	applied, err := svc.SubmitBatch(ctx, docID, batch)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	require.Len(t, applied, 1)
	assert.Equal(t, "op-1", applied[0].OperationID)

	doc, err := svc.Document(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "ok", doc.Content, "the applied prefix stays applied")
}

func TestLockBlocksOtherWriters(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	require.NoError(t, svc.Lock(ctx, docID, writer))

	_, err := svc.Submit(ctx, docID, insertOp("op-1", owner, 100, 0, 0, "hi"))
	assert.ErrorIs(t, err, ErrLockConflict)

	// the holder keeps editing
	_, err = svc.Submit(ctx, docID, insertOp("op-2", writer, 100, 0, 0, "hi"))
	assert.NoError(t, err)

	// second lock attempt by someone else conflicts
	assert.ErrorIs(t, svc.Lock(ctx, docID, owner), ErrLockConflict)

	// only the holder or an admin may release
	assert.NoError(t, svc.Unlock(ctx, docID, writer))
	_, err = svc.Submit(ctx, docID, insertOp("op-3", owner, 200, 1, 0, "yo"))
	assert.NoError(t, err)
}

func TestAdminCanForceUnlock(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	require.NoError(t, svc.Lock(ctx, docID, writer))
	assert.ErrorIs(t, svc.Unlock(ctx, docID, other), ErrLockConflict)
	assert.NoError(t, svc.Unlock(ctx, docID, owner), "owner is admin")
}

func TestGrantRequiresAdmin(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	assert.ErrorIs(t, svc.Grant(ctx, docID, writer, other, "write"), ErrPermissionDenied)
	assert.Error(t, svc.Grant(ctx, docID, owner, other, "superuser"))
	assert.NoError(t, svc.Grant(ctx, docID, owner, other, "read"))

	doc, err := svc.Document(ctx, docID)
	require.NoError(t, err)
	assert.True(t, doc.Permissions.CanRead(other))
	assert.False(t, doc.Permissions.CanWrite(other))
}

func TestOpsSince(t *testing.T) {
	svc, docID := newTestService(t, ServiceOptions{HistoryCap: 8})
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		_, err := svc.Submit(ctx, docID, insertOp("op-"+text, owner, int64(100+i), uint64(i), i, text))
		require.NoError(t, err)
	}

	ops, err := svc.OpsSince(ctx, docID, 1, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[0].Version)
	assert.Equal(t, uint64(3), ops[1].Version)

	ops, err = svc.OpsSince(ctx, docID, 1, 1)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	ops, err = svc.OpsSince(ctx, docID, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestEventPerAppliedOperation(t *testing.T) {
	sink := &fakeEventSink{}
	svc, docID := newTestService(t, ServiceOptions{Events: sink})
	ctx := context.Background()

	_, err := svc.Submit(ctx, docID, insertOp("op-1", owner, 100, 0, 0, "hello"))
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "OP_APPLIED", events[0].EventType)
	assert.Equal(t, docID, events[0].DocID)
	assert.Equal(t, "op-1", events[0].OperationID)
	assert.Equal(t, uint64(1), events[0].Version)
	assert.Equal(t, owner, events[0].AuthorID)
}

func TestWriteThroughAndColdLoad(t *testing.T) {
	store := newFakeDocStore()
	svc, docID := newTestService(t, ServiceOptions{Store: store})
	ctx := context.Background()

	_, err := svc.Submit(ctx, docID, insertOp("op-1", owner, 100, 0, 0, "hello"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, docID, insertOp("op-2", owner, 101, 1, 5, "!"))
	require.NoError(t, err)

	// a fresh instance over the same store sees the persisted state
	svc2 := NewInMemoryService(ServiceOptions{Store: store})
	doc, err := svc2.Document(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "hello!", doc.Content)
	assert.Equal(t, uint64(2), doc.Version)

	// cold state has no history: any behind base forces a client resync
	_, err = svc2.Submit(ctx, docID, insertOp("op-3", owner, 200, 1, 0, "x"))
	assert.ErrorIs(t, err, ErrStaleBase)
	_, err = svc2.Submit(ctx, docID, insertOp("op-4", owner, 200, 2, 0, "x"))
	assert.NoError(t, err)
}
