package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cursor is a user's caret in a document.
type Cursor struct {
	Position  int  `json:"position"`
	IsVisible bool `json:"isVisible"`
}

// Selection is an optional selected range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Presence is ephemeral per-user state for one document. No durability: it is
// acceptable to lose all of it on restart.
type Presence struct {
	UserID    uint64     `json:"userId"`
	UserName  string     `json:"userName"`
	Color     string     `json:"color"`
	Cursor    Cursor     `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`
	LastSeen  time.Time  `json:"lastSeen"`
	IsActive  bool       `json:"isActive"`
}

// Tracker maintains per-document presence. Last write per user wins; there
// are no cross-user merge semantics and no ordering guarantee relative to
// content operations.
type Tracker interface {
	// Upsert refreshes the user's membership and cursor/selection state.
	Upsert(ctx context.Context, docID string, p Presence) error
	// List returns members whose last update is within the inactivity
	// window; expired entries are excluded.
	List(ctx context.Context, docID string) ([]Presence, error)
	Remove(ctx context.Context, docID string, userID uint64) error
}

// redisTracker keeps presence in redis: membership set + TTL heartbeat keys +
// names hash + per-user state JSON. TTL is the inactivity window.
type redisTracker struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisTracker(rdb redis.Cmdable, ttl time.Duration) Tracker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &redisTracker{rdb: rdb, ttl: ttl}
}

// stored under stateKey; LastSeen/IsActive are derived, not stored
type presenceState struct {
	UserName  string     `json:"userName"`
	Color     string     `json:"color"`
	Cursor    Cursor     `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`
}

func (t *redisTracker) Upsert(ctx context.Context, docID string, p Presence) error {
	state, err := json.Marshal(presenceState{
		UserName:  p.UserName,
		Color:     p.Color,
		Cursor:    p.Cursor,
		Selection: p.Selection,
	})
	if err != nil {
		return err
	}
	pipe := t.rdb.Pipeline()
	pipe.SAdd(ctx, roomKey(docID), p.UserID)
	pipe.Set(ctx, memberKey(docID, p.UserID), "1", t.ttl)
	pipe.HSet(ctx, namesKey(docID), strconv.FormatUint(p.UserID, 10), p.UserName)
	pipe.Set(ctx, stateKey(docID, p.UserID), state, t.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (t *redisTracker) List(ctx context.Context, docID string) ([]Presence, error) {
	ids, err := t.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	userIDs := make([]uint64, len(ids))
	for i, raw := range ids {
		if userIDs[i], err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, err
		}
	}

	// heartbeat keys that still exist mark the alive members
	pipe := t.rdb.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(userIDs))
	for i, uid := range userIDs {
		existsCmds[i] = pipe.Exists(ctx, memberKey(docID, uid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var alive []uint64
	var expired []uint64
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			alive = append(alive, userIDs[i])
		} else {
			expired = append(expired, userIDs[i])
		}
	}
	// lazy GC of expired members
	if len(expired) > 0 {
		gc := t.rdb.Pipeline()
		for _, uid := range expired {
			gc.SRem(ctx, roomKey(docID), uid)
			gc.HDel(ctx, namesKey(docID), strconv.FormatUint(uid, 10))
			gc.Del(ctx, stateKey(docID, uid))
		}
		_, _ = gc.Exec(ctx)
	}
	if len(alive) == 0 {
		return nil, nil
	}

	statePipe := t.rdb.Pipeline()
	stateCmds := make([]*redis.StringCmd, len(alive))
	for i, uid := range alive {
		stateCmds[i] = statePipe.Get(ctx, stateKey(docID, uid))
	}
	_, _ = statePipe.Exec(ctx) // individual misses handled below

	now := time.Now()
	out := make([]Presence, 0, len(alive))
	for i, uid := range alive {
		p := Presence{UserID: uid, LastSeen: now, IsActive: true}
		if raw, err := stateCmds[i].Bytes(); err == nil {
			var st presenceState
			if json.Unmarshal(raw, &st) == nil {
				p.UserName = st.UserName
				p.Color = st.Color
				p.Cursor = st.Cursor
				p.Selection = st.Selection
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *redisTracker) Remove(ctx context.Context, docID string, userID uint64) error {
	pipe := t.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(docID), userID)
	pipe.Del(ctx, memberKey(docID, userID))
	pipe.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	pipe.Del(ctx, stateKey(docID, userID))
	_, err := pipe.Exec(ctx)
	return err
}
