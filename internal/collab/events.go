package collab

import (
	"time"

	"collabCore/internal/ot"
)

// DocOpEvent is the kafka record emitted for every applied operation, keyed
// by document ID so a topic partition preserves per-document order.
type DocOpEvent struct {
	EventType   string         `json:"eventType"` // always "OP_APPLIED"
	DocID       string         `json:"docId"`
	OperationID string         `json:"operationId"`
	Version     uint64         `json:"version"`
	AuthorID    uint64         `json:"authorId"`
	BaseVersion uint64         `json:"baseVersion"`
	Ops         []ot.Operation `json:"ops"`
	AppliedAt   time.Time      `json:"appliedAt"`
}
