package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryTracker is the in-process Tracker: single-binary deployments and
// deterministic tests. The clock is injectable so tests advance time instead
// of sleeping.
type memoryTracker struct {
	mu     sync.RWMutex
	window time.Duration
	now    func() time.Time
	rooms  map[string]map[uint64]Presence
}

func NewMemoryTracker(window time.Duration, now func() time.Time) Tracker {
	if window <= 0 {
		window = 60 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &memoryTracker{
		window: window,
		now:    now,
		rooms:  make(map[string]map[uint64]Presence),
	}
}

func (t *memoryTracker) Upsert(ctx context.Context, docID string, p Presence) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[docID]
	if room == nil {
		room = make(map[uint64]Presence)
		t.rooms[docID] = room
	}
	p.LastSeen = t.now()
	p.IsActive = true
	room[p.UserID] = p
	return nil
}

func (t *memoryTracker) List(ctx context.Context, docID string) ([]Presence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[docID]
	if room == nil {
		return nil, nil
	}
	cutoff := t.now().Add(-t.window)
	var out []Presence
	for uid, p := range room {
		if p.LastSeen.Before(cutoff) {
			delete(room, uid) // lazy GC
			continue
		}
		out = append(out, p)
	}
	if len(room) == 0 {
		delete(t.rooms, docID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *memoryTracker) Remove(ctx context.Context, docID string, userID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room := t.rooms[docID]; room != nil {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, docID)
		}
	}
	return nil
}
