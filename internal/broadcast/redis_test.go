package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/models"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client), mr
}

func TestRedis_PresenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return t0 }

	sid, user := uuid.New(), uuid.New()
	p := models.Presence{UserID: user, DisplayName: "Ada", Role: models.RoleLearner}
	require.NoError(t, r.Track(ctx, sid, p))
	require.NoError(t, r.Track(ctx, sid, p))

	r.now = func() time.Time { return t0.Add(time.Minute) }
	require.NoError(t, r.Touch(ctx, sid, user))

	entries, err := r.Presence(ctx, sid)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada", entries[0].DisplayName)
	assert.True(t, entries[0].LastPingAt.Equal(t0.Add(time.Minute)))

	require.NoError(t, r.Untrack(ctx, sid, user))
	entries, _ = r.Presence(ctx, sid)
	assert.Len(t, entries, 1, "second connection still attached")

	require.NoError(t, r.Untrack(ctx, sid, user))
	entries, _ = r.Presence(ctx, sid)
	assert.Empty(t, entries)

	assert.NoError(t, r.Touch(ctx, sid, user), "untracked users are ignored")
	entries, _ = r.Presence(ctx, sid)
	assert.Empty(t, entries)
}

func TestRedis_TouchDoesNotRestoreDroppedEntry(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return t0 }

	sid, user := uuid.New(), uuid.New()
	require.NoError(t, r.Track(ctx, sid, models.Presence{UserID: user}))

	// The entry disappears after Touch read it and before it writes back.
	r.now = func() time.Time {
		require.NoError(t, r.drop(ctx, sid, user))
		return t0.Add(time.Minute)
	}
	require.NoError(t, r.Touch(ctx, sid, user))

	entries, err := r.Presence(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, mr.HGet(presenceKey(sid), user.String()))
}

func TestRedis_PruneStale(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return t0 }

	sid := uuid.New()
	stale, fresh := uuid.New(), uuid.New()
	require.NoError(t, r.Track(ctx, sid, models.Presence{UserID: stale}))
	require.NoError(t, r.Track(ctx, sid, models.Presence{UserID: fresh}))

	r.now = func() time.Time { return t0.Add(time.Minute) }
	require.NoError(t, r.Touch(ctx, sid, fresh))

	pruned, err := r.PruneStale(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID][]uuid.UUID{sid: {stale}}, pruned)

	entries, _ := r.Presence(ctx, sid)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh, entries[0].UserID)
}
