package ws

import (
	"collabCore/internal/cache"
	"collabCore/internal/collab"
	"collabCore/internal/ot"
)

// ClientMessage is everything a client can send over the socket. Type picks
// the variant; unused fields stay zero.
type ClientMessage struct {
	Type string `json:"type"`

	DocID string `json:"docId,omitempty"`
	Title string `json:"title,omitempty"`

	// op_submit
	Ops []ot.Operation `json:"ops,omitempty"`

	// cursor / heartbeat
	Cursor    *cache.Cursor    `json:"cursor,omitempty"`
	Selection *cache.Selection `json:"selection,omitempty"`
	Color     string           `json:"color,omitempty"`

	// ops_since (catch-up after a missed broadcast)
	FromVersion uint64 `json:"fromVersion,omitempty"`

	// grant
	TargetUserID uint64 `json:"targetUserId,omitempty"`
	Level        string `json:"level,omitempty"`
}

// ServerMessage is the single outbound frame. Types: welcome, joined,
// created, op_applied (ack to the originator), op_broadcast (to the room),
// presence, resync, saved, locked, unlocked, granted, error.
type ServerMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId,omitempty"`

	// op_applied / op_broadcast
	Applied []collab.AppliedOp `json:"applied,omitempty"`

	// resync / joined
	Content string    `json:"content,omitempty"`
	Spans   []ot.Span `json:"spans,omitempty"`
	Version uint64    `json:"version,omitempty"`
	Locked  bool      `json:"locked,omitempty"`
	By      uint64    `json:"by,omitempty"`

	// presence
	Members []cache.Presence `json:"members,omitempty"`

	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}
