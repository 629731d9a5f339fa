package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/broadcast"
	"livesession-backend/internal/models"
)

type failingPruner struct{}

func (failingPruner) PruneStale(ctx context.Context, cutoff time.Time) (map[uuid.UUID][]uuid.UUID, error) {
	return nil, errors.New("redis down")
}

func TestPresenceSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	channel := broadcast.NewLocal()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	channel.Now = func() time.Time { return t0 }

	s1, s2 := uuid.New(), uuid.New()
	for _, sid := range []uuid.UUID{s1, s2} {
		require.NoError(t, channel.Track(ctx, sid, models.Presence{UserID: uuid.New()}))
	}
	keep := uuid.New()
	channel.Now = func() time.Time { return t0.Add(2 * time.Minute) }
	require.NoError(t, channel.Track(ctx, s1, models.Presence{UserID: keep}))

	sweeper := NewPresenceSweeper(channel, time.Minute, 90*time.Second)
	assert.Equal(t, 2, sweeper.Sweep(ctx, t0.Add(2*time.Minute)))

	left, err := channel.Presence(ctx, s1)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, keep, left[0].UserID)

	assert.Zero(t, sweeper.Sweep(ctx, t0.Add(2*time.Minute)))
	assert.Zero(t, NewPresenceSweeper(failingPruner{}, time.Minute, time.Minute).Sweep(ctx, t0))
}

func TestPresenceSweeper_StartStop(t *testing.T) {
	sweeper := NewPresenceSweeper(broadcast.NewLocal(), 10*time.Millisecond, time.Second)
	sweeper.Start()
	sweeper.Stop()
	sweeper.Stop()

	// Without a pruner or interval Start does nothing.
	NewPresenceSweeper(nil, time.Second, time.Second).Start()
}
