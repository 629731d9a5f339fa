package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/models"
)

func TestMarkItemViewedAndCompleted(t *testing.T) {
	e := newEnv(t, SessionOptions{})
	ada := e.join("Ada")

	p, err := e.progress.MarkItemViewed(e.ctx, e.session, ada, "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ItemsViewed)
	require.NotNil(t, p.CurrentItemRef)
	assert.Equal(t, "i1", *p.CurrentItemRef)

	p, err = e.progress.MarkItemViewed(e.ctx, e.session, ada, "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ItemsViewed)

	// Completing an unviewed item counts it as viewed too.
	p, err = e.progress.MarkItemCompleted(e.ctx, e.session, ada, "i2")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ItemsCompleted)
	assert.Equal(t, 2, p.ItemsViewed)

	p, err = e.progress.MarkItemCompleted(e.ctx, e.session, ada, "i2")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ItemsCompleted)

	assert.Equal(t, []string{
		models.EventMemberJoined,
		models.EventItemStarted,
		models.EventItemCompleted,
	}, e.eventTypes())

	_, err = e.progress.MarkItemViewed(e.ctx, e.session, ada, " ")
	var v *ValidationError
	assert.ErrorAs(t, err, &v)
}

func TestProgressRequiresActiveLearner(t *testing.T) {
	e := newEnv(t, SessionOptions{})
	ada := e.join("Ada")
	_, err := e.sessions.Leave(e.ctx, e.session, ada)
	require.NoError(t, err)

	tests := []struct {
		name string
		user uuid.UUID
	}{
		{"trainer", e.trainer},
		{"dropped learner", ada},
		{"stranger", uuid.New()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.progress.MarkItemViewed(e.ctx, e.session, tc.user, "i1")
			var forbidden *ForbiddenError
			assert.ErrorAs(t, err, &forbidden)

			_, err = e.progress.Heartbeat(e.ctx, e.session, tc.user)
			assert.ErrorAs(t, err, &forbidden)
		})
	}
}

func TestUpdateProgress(t *testing.T) {
	e := newEnv(t, SessionOptions{})
	ada := e.join("Ada")
	ref := "i3"
	score := 80.0

	p, err := e.progress.UpdateProgress(e.ctx, e.session, ada, models.ProgressUpdate{
		CurrentItemRef:   &ref,
		TimeSpentSeconds: 45,
		OverallScore:     &score,
	})
	require.NoError(t, err)
	assert.Equal(t, 45, p.TotalTimeSpentSeconds)
	require.NotNil(t, p.OverallScore)
	assert.InDelta(t, 80.0, *p.OverallScore, 0.001)

	p, err = e.progress.UpdateProgress(e.ctx, e.session, ada, models.ProgressUpdate{TimeSpentSeconds: 15})
	require.NoError(t, err)
	assert.Equal(t, 60, p.TotalTimeSpentSeconds)

	bad := 101.0
	tests := []struct {
		name  string
		upd   models.ProgressUpdate
		field string
	}{
		{"negative time", models.ProgressUpdate{TimeSpentSeconds: -1}, "time_spent_seconds"},
		{"score out of range", models.ProgressUpdate{OverallScore: &bad}, "overall_score"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.progress.UpdateProgress(e.ctx, e.session, ada, tc.upd)
			var v *ValidationError
			require.ErrorAs(t, err, &v)
			assert.Contains(t, v.Fields, tc.field)
		})
	}
}

func TestHelpRequestFlow(t *testing.T) {
	e := newEnv(t, SessionOptions{})
	ada := e.join("Ada")

	p, err := e.progress.RequestHelp(e.ctx, e.session, ada, "stuck on i2")
	require.NoError(t, err)
	assert.Equal(t, models.PaceStuck, p.RelativeStatus)

	p, err = e.progress.RequestHelp(e.ctx, e.session, ada, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaceStuck, p.RelativeStatus)

	p, err = e.progress.CancelHelpRequest(e.ctx, e.session, ada)
	require.NoError(t, err)
	assert.Equal(t, models.PaceOnTrack, p.RelativeStatus)

	_, err = e.progress.RequestHelp(e.ctx, e.session, ada, "")
	require.NoError(t, err)

	_, err = e.progress.ResolveHelp(e.ctx, e.session, ada, ada)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	p, err = e.progress.ResolveHelp(e.ctx, e.session, e.trainer, ada)
	require.NoError(t, err)
	assert.Equal(t, models.PaceOnTrack, p.RelativeStatus)

	p, err = e.progress.ResolveHelp(e.ctx, e.session, e.trainer, ada)
	require.NoError(t, err)
	assert.Equal(t, models.PaceOnTrack, p.RelativeStatus)

	assert.Equal(t, []string{
		models.EventMemberJoined,
		models.EventHelpRequested,
		models.EventHelpResolved,
		models.EventHelpRequested,
		models.EventHelpResolved,
	}, e.eventTypes())
}

func TestPacingReclassifiesCohort(t *testing.T) {
	e := newEnv(t, SessionOptions{})
	ada := e.join("Ada")
	bob := e.join("Bob")
	cy := e.join("Cy")

	// Cohort [1,0,0]: median 0, tolerance 1, nobody is ahead yet.
	p, err := e.progress.MarkItemCompleted(e.ctx, e.session, ada, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.PaceOnTrack, p.RelativeStatus)

	// Cohort [2,0,0]: 2 > 0+1.
	p, err = e.progress.MarkItemCompleted(e.ctx, e.session, ada, "i2")
	require.NoError(t, err)
	assert.Equal(t, models.PaceAhead, p.RelativeStatus)

	// A stuck learner keeps the stuck flag through reclassification.
	_, err = e.progress.RequestHelp(e.ctx, e.session, cy, "")
	require.NoError(t, err)
	for _, ref := range []string{"i1", "i2"} {
		_, err = e.progress.MarkItemCompleted(e.ctx, e.session, bob, ref)
		require.NoError(t, err)
	}

	// Cohort [2,2,0]: median 2, tolerance 1, Cy would be behind.
	rows, err := e.db.Progress().List(e.ctx, e.session)
	require.NoError(t, err)
	byUser := map[uuid.UUID]models.RelativeStatus{}
	for _, r := range rows {
		byUser[r.UserID] = r.RelativeStatus
	}
	assert.Equal(t, models.PaceOnTrack, byUser[ada])
	assert.Equal(t, models.PaceOnTrack, byUser[bob])
	assert.Equal(t, models.PaceStuck, byUser[cy])

	p, err = e.progress.ResolveHelp(e.ctx, e.session, e.trainer, cy)
	require.NoError(t, err)
	assert.Equal(t, models.PaceBehind, p.RelativeStatus)
}

func TestPacingIgnoresLearnersWhoLeft(t *testing.T) {
	e := newEnv(t, SessionOptions{})
	x := e.join("X")
	y := e.join("Y")
	for _, name := range []string{"L1", "L2", "L3"} {
		id := e.join(name)
		_, err := e.sessions.Leave(e.ctx, e.session, id)
		require.NoError(t, err)
	}

	for _, id := range []uuid.UUID{x, y} {
		for _, ref := range []string{"i1", "i2"} {
			_, err := e.progress.MarkItemCompleted(e.ctx, e.session, id, ref)
			require.NoError(t, err)
		}
	}

	rows, err := e.db.Progress().List(e.ctx, e.session)
	require.NoError(t, err)
	byUser := map[uuid.UUID]models.RelativeStatus{}
	for _, r := range rows {
		byUser[r.UserID] = r.RelativeStatus
	}
	assert.Equal(t, models.PaceOnTrack, byUser[x])
	assert.Equal(t, models.PaceOnTrack, byUser[y])
}

func TestHeartbeatAndOnline(t *testing.T) {
	e := newEnv(t, SessionOptions{})
	ada := e.join("Ada")
	bob := e.join("Bob")
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	e.setClock(t0)

	for _, id := range []uuid.UUID{ada, bob} {
		_, err := e.progress.Heartbeat(e.ctx, e.session, id)
		require.NoError(t, err)
	}
	e.bus.presence = []models.Presence{{UserID: ada}, {UserID: bob}}

	e.setClock(t0.Add(30 * time.Second))
	_, err := e.progress.Heartbeat(e.ctx, e.session, bob)
	require.NoError(t, err)

	e.setClock(t0.Add(100 * time.Second))
	online, err := e.progress.Online(e.ctx, e.session)
	require.NoError(t, err)
	assert.False(t, online[ada], "heartbeat older than 90s")
	assert.True(t, online[bob])

	e.bus.presence = nil
	online, err = e.progress.Online(e.ctx, e.session)
	require.NoError(t, err)
	assert.False(t, online[bob], "not attached to the channel")

	m, err := e.db.Members().Get(e.ctx, e.session, bob)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Second), m.LastSeenAt)
}
