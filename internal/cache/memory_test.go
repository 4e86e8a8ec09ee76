package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTrackerHeartbeatAndExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tr := NewMemoryTracker(60*time.Second, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, tr.Upsert(ctx, "doc-1", Presence{UserID: 1, UserName: "ada", Color: "#f00"}))
	require.NoError(t, tr.Upsert(ctx, "doc-1", Presence{UserID: 2, UserName: "bob", Color: "#0f0"}))

	members, err := tr.List(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "ada", members[0].UserName)
	assert.True(t, members[0].IsActive)

	// user 1 keeps heartbeating, user 2 goes quiet
	now = now.Add(40 * time.Second)
	require.NoError(t, tr.Upsert(ctx, "doc-1", Presence{UserID: 1, UserName: "ada"}))

	now = now.Add(30 * time.Second)
	members, err = tr.List(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, members, 1, "user 2 exceeded the inactivity window")
	assert.Equal(t, uint64(1), members[0].UserID)
}

func TestMemoryTrackerUpsertOverwritesState(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tr := NewMemoryTracker(60*time.Second, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, tr.Upsert(ctx, "doc-1", Presence{UserID: 1, Cursor: Cursor{Position: 3, IsVisible: true}}))
	require.NoError(t, tr.Upsert(ctx, "doc-1", Presence{
		UserID:    1,
		Cursor:    Cursor{Position: 9, IsVisible: true},
		Selection: &Selection{Start: 4, End: 9},
	}))

	members, err := tr.List(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, 9, members[0].Cursor.Position)
	require.NotNil(t, members[0].Selection)
	assert.Equal(t, 4, members[0].Selection.Start)
}

func TestMemoryTrackerRemove(t *testing.T) {
	tr := NewMemoryTracker(60*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, tr.Upsert(ctx, "doc-1", Presence{UserID: 1}))
	require.NoError(t, tr.Remove(ctx, "doc-1", 1))

	members, err := tr.List(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, members)

	// removing from an unknown room is a no-op
	assert.NoError(t, tr.Remove(ctx, "doc-9", 1))
}

func TestMemoryTrackerRoomsAreIndependent(t *testing.T) {
	tr := NewMemoryTracker(60*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, tr.Upsert(ctx, "doc-1", Presence{UserID: 1}))
	require.NoError(t, tr.Upsert(ctx, "doc-2", Presence{UserID: 2}))

	members, err := tr.List(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, uint64(1), members[0].UserID)
}
