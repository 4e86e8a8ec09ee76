package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabCore/internal/cache"
	"collabCore/internal/collab"
)

const (
	sendQueueSize = 32
	submitTimeout = 200 * time.Millisecond
)

// Conn is one client connection bound to at most one document room.
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      collab.Service
	presence cache.Tracker
	sem      *collab.Semaphore
	log      *zap.Logger

	docID    string
	userID   uint64
	username string

	sendMu sync.Mutex // guards send against enqueue-after-close
	closed bool
	send   chan ServerMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, presence cache.Tracker, sem *collab.Semaphore, log *zap.Logger, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		presence: presence,
		sem:      sem,
		log:      log,
		userID:   userID,
		username: username,
		send:     make(chan ServerMessage, sendQueueSize),
	}
}

// Enqueue queues a message without blocking; a slow consumer loses frames
// rather than stalling the room. A broadcast can race the read loop's
// teardown while the hub still holds this conn in its room snapshot, so a
// message for a torn-down conn is dropped instead of hitting a closed
// channel.
func (c *Conn) Enqueue(msg ServerMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Conn) sendError(err error) {
	c.Enqueue(ServerMessage{Type: "error", DocID: c.docID, Code: errorCode(err), Error: err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, collab.ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, collab.ErrLockConflict):
		return "LOCK_CONFLICT"
	case errors.Is(err, collab.ErrStaleBase):
		return "STALE_BASE"
	case errors.Is(err, collab.ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND"
	default:
		return "TRANSPORT_FAILURE"
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.docID != "" {
			c.hub.Leave(c.docID, c)
			_ = c.presence.Remove(ctx, c.docID, c.userID)
			c.broadcastPresence(ctx)
		}
		c.closeSend()
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.log.Debug("read loop closed",
				zap.Uint64("userId", c.userID), zap.String("docId", c.docID), zap.Error(err))
			return
		}
		switch msg.Type {
		case "create":
			c.handleCreate(ctx, msg)
		case "join":
			c.handleJoin(ctx, msg)
		case "heartbeat", "cursor":
			c.handlePresence(ctx, msg)
		case "op_submit":
			c.handleSubmit(ctx, msg)
		case "ops_since":
			c.handleOpsSince(ctx, msg)
		case "save":
			c.handleSave(ctx, msg)
		case "lock":
			c.handleLock(ctx, msg, true)
		case "unlock":
			c.handleLock(ctx, msg, false)
		case "grant":
			c.handleGrant(ctx, msg)
		case "resync":
			c.sendResync(ctx)
		default:
			c.Enqueue(ServerMessage{Type: "error", Code: "UNKNOWN_TYPE", Error: "unknown message type " + msg.Type})
		}
	}
}

func (c *Conn) handleCreate(ctx context.Context, msg ClientMessage) {
	docID, err := c.svc.CreateDocument(ctx, c.userID, msg.Title)
	if err != nil {
		c.sendError(err)
		return
	}
	c.Enqueue(ServerMessage{Type: "created", DocID: docID})
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	doc, err := c.svc.Document(ctx, msg.DocID)
	if err != nil {
		c.sendError(err)
		return
	}
	if !doc.Permissions.CanRead(c.userID) {
		c.sendError(collab.ErrPermissionDenied)
		return
	}
	if c.docID != "" && c.docID != msg.DocID {
		c.hub.Leave(c.docID, c)
		_ = c.presence.Remove(ctx, c.docID, c.userID)
	}
	c.docID = msg.DocID
	c.hub.Join(c.docID, c)
	_ = c.presence.Upsert(ctx, c.docID, cache.Presence{
		UserID: c.userID, UserName: c.username, Color: msg.Color,
	})
	c.Enqueue(ServerMessage{
		Type: "joined", DocID: c.docID,
		Content: doc.Content, Spans: doc.Spans, Version: doc.Version,
		Locked: doc.IsLocked, By: doc.LockedBy,
	})
	c.broadcastPresence(ctx)
}

// handlePresence is best-effort fire-and-forget: failures are logged, never
// surfaced to the client.
func (c *Conn) handlePresence(ctx context.Context, msg ClientMessage) {
	if c.docID == "" {
		return
	}
	p := cache.Presence{
		UserID:    c.userID,
		UserName:  c.username,
		Color:     msg.Color,
		Selection: msg.Selection,
	}
	if msg.Cursor != nil {
		p.Cursor = *msg.Cursor
	}
	if err := c.presence.Upsert(ctx, c.docID, p); err != nil {
		c.log.Warn("presence upsert failed", zap.String("docId", c.docID), zap.Error(err))
		return
	}
	c.broadcastPresence(ctx)
}

func (c *Conn) broadcastPresence(ctx context.Context) {
	if c.docID == "" {
		return
	}
	members, err := c.presence.List(ctx, c.docID)
	if err != nil {
		c.log.Warn("presence list failed", zap.String("docId", c.docID), zap.Error(err))
		return
	}
	c.hub.BroadcastPresence(c.docID, members)
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	if c.docID == "" || len(msg.Ops) == 0 {
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendError(err)
		return
	}
	defer func() { _ = c.sem.Release() }()

	for i := range msg.Ops {
		msg.Ops[i].UserID = c.userID // never trust the client's claimed author
	}
	applied, err := c.svc.SubmitBatch(submitCtx, c.docID, msg.Ops)
	// the originator gets its ack for the applied prefix even on failure
	if len(applied) > 0 {
		c.Enqueue(ServerMessage{Type: "op_applied", DocID: c.docID, Applied: applied})
		for _, a := range applied {
			c.hub.BroadcastApplied(c.docID, a)
		}
	}
	if err != nil {
		c.sendError(err)
	}
}

func (c *Conn) handleOpsSince(ctx context.Context, msg ClientMessage) {
	if c.docID == "" {
		return
	}
	applied, err := c.svc.OpsSince(ctx, c.docID, msg.FromVersion, 0)
	if err != nil {
		c.sendError(err)
		return
	}
	c.Enqueue(ServerMessage{Type: "op_applied", DocID: c.docID, Applied: applied})
}

func (c *Conn) handleSave(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" {
		docID = c.docID
	}
	if err := c.svc.SaveSnapshot(ctx, docID); err != nil {
		c.sendError(err)
		return
	}
	c.Enqueue(ServerMessage{Type: "saved", DocID: docID})
}

func (c *Conn) handleLock(ctx context.Context, msg ClientMessage, lock bool) {
	docID := msg.DocID
	if docID == "" {
		docID = c.docID
	}
	var err error
	if lock {
		err = c.svc.Lock(ctx, docID, c.userID)
	} else {
		err = c.svc.Unlock(ctx, docID, c.userID)
	}
	if err != nil {
		c.sendError(err)
		return
	}
	typ := "locked"
	if !lock {
		typ = "unlocked"
	}
	msg2 := ServerMessage{Type: typ, DocID: docID, Locked: lock, By: c.userID}
	for _, conn := range c.hub.conns(docID) {
		conn.Enqueue(msg2)
	}
}

func (c *Conn) handleGrant(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" {
		docID = c.docID
	}
	if err := c.svc.Grant(ctx, docID, c.userID, msg.TargetUserID, msg.Level); err != nil {
		c.sendError(err)
		return
	}
	c.Enqueue(ServerMessage{Type: "granted", DocID: docID})
}

func (c *Conn) sendResync(ctx context.Context) {
	if c.docID == "" {
		return
	}
	doc, err := c.svc.Document(ctx, c.docID)
	if err != nil {
		c.sendError(err)
		return
	}
	c.Enqueue(ServerMessage{
		Type: "resync", DocID: c.docID,
		Content: doc.Content, Spans: doc.Spans, Version: doc.Version,
		Locked: doc.IsLocked, By: doc.LockedBy,
	})
}
