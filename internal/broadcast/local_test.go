package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/models"
)

func receive(t *testing.T, sub Subscription) models.WSMessage {
	t.Helper()
	select {
	case data := <-sub.C():
		var msg models.WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	return models.WSMessage{}
}

func TestLocal_PublishIsScopedToSession(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	s1, s2 := uuid.New(), uuid.New()

	a, err := l.Subscribe(ctx, s1)
	require.NoError(t, err)
	b, err := l.Subscribe(ctx, s2)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, l.Publish(ctx, s1, models.WSMessage{Type: models.MsgSessionState, Payload: map[string]int{"n": 1}}))
	msg := receive(t, a)
	assert.Equal(t, models.MsgSessionState, msg.Type)

	select {
	case <-b.C():
		t.Fatal("message leaked into another session")
	default:
	}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, open := <-a.C()
	assert.False(t, open)

	// Publishing with no subscribers is not an error.
	assert.NoError(t, l.Publish(ctx, s1, models.WSMessage{Type: models.MsgPing}))
}

func TestLocal_PresenceIsReferenceCounted(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	sid, user := uuid.New(), uuid.New()
	sub, err := l.Subscribe(ctx, sid)
	require.NoError(t, err)
	defer sub.Close()

	p := models.Presence{UserID: user, DisplayName: "Ada", Role: models.RoleLearner}
	require.NoError(t, l.Track(ctx, sid, p))
	require.NoError(t, l.Track(ctx, sid, p))
	assert.Equal(t, models.MsgPresenceSync, receive(t, sub).Type)

	entries, err := l.Presence(ctx, sid)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada", entries[0].DisplayName)
	assert.False(t, entries[0].ConnectedAt.IsZero())

	require.NoError(t, l.Untrack(ctx, sid, user))
	entries, _ = l.Presence(ctx, sid)
	assert.Len(t, entries, 1, "second connection still attached")

	require.NoError(t, l.Untrack(ctx, sid, user))
	entries, _ = l.Presence(ctx, sid)
	assert.Empty(t, entries)

	assert.NoError(t, l.Untrack(ctx, sid, user))
}

func TestLocal_PruneStale(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return t0 }

	sid := uuid.New()
	stale, fresh := uuid.New(), uuid.New()
	require.NoError(t, l.Track(ctx, sid, models.Presence{UserID: stale}))
	require.NoError(t, l.Track(ctx, sid, models.Presence{UserID: fresh}))

	l.Now = func() time.Time { return t0.Add(time.Minute) }
	require.NoError(t, l.Touch(ctx, sid, fresh))

	pruned, err := l.PruneStale(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID][]uuid.UUID{sid: {stale}}, pruned)

	entries, _ := l.Presence(ctx, sid)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh, entries[0].UserID)
}
