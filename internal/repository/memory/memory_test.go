package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/models"
)

func newSession(t *testing.T, db *DB) (uuid.UUID, uuid.UUID) {
	t.Helper()
	sid, trainer := uuid.New(), uuid.New()
	err := db.Sessions().Create(context.Background(), &models.SessionState{SessionID: sid},
		&models.Member{SessionID: sid, UserID: trainer, Role: models.RoleTrainer, DisplayName: "T"})
	require.NoError(t, err)
	return sid, trainer
}

func TestSessionStore_Apply(t *testing.T) {
	ctx := context.Background()
	db := New()
	sid, trainer := newSession(t, db)
	live := models.SessionLive
	waiting := []models.SessionStatus{models.SessionWaiting}

	state, ok, err := db.Sessions().Apply(ctx, sid, waiting, models.StateChange{Status: &live, MarkStarted: true, UpdatedBy: trainer},
		&models.SessionEvent{EventType: models.EventSessionStarted})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SessionLive, state.Status)

	// The status guard no longer matches.
	_, ok, err = db.Sessions().Apply(ctx, sid, waiting, models.StateChange{Status: &live}, &models.SessionEvent{EventType: "x"})
	require.NoError(t, err)
	assert.False(t, ok)

	liveOnly := []models.SessionStatus{models.SessionLive}
	_, ok, _ = db.Sessions().Apply(ctx, sid, liveOnly, models.StateChange{UnlockModule: "m1"}, &models.SessionEvent{EventType: models.EventModuleUnlocked})
	assert.True(t, ok)
	_, ok, _ = db.Sessions().Apply(ctx, sid, liveOnly, models.StateChange{UnlockModule: "m1"}, &models.SessionEvent{EventType: models.EventModuleUnlocked})
	assert.False(t, ok, "unlock already present")

	events, err := db.Events().List(ctx, sid, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.JSONEq(t, `{}`, string(events[0].Payload))

	_, ok, err = db.Sessions().Apply(ctx, uuid.New(), liveOnly, models.StateChange{}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailNextIsConsumedOnce(t *testing.T) {
	ctx := context.Background()
	db := New()
	sid, _ := newSession(t, db)
	boom := errors.New("boom")
	db.FailNext = boom

	err := db.Events().Append(ctx, &models.SessionEvent{SessionID: sid, EventType: "a"})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, db.Events().Append(ctx, &models.SessionEvent{SessionID: sid, EventType: "a"}))
}

func TestMemberStore(t *testing.T) {
	ctx := context.Background()
	db := New()
	sid, _ := newSession(t, db)
	user := uuid.New()
	m := &models.Member{SessionID: sid, UserID: user, Role: models.RoleLearner, DisplayName: "Ada"}

	changed, err := db.Members().Enroll(ctx, m)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.Members().Enroll(ctx, &models.Member{SessionID: sid, UserID: user, Role: models.RoleLearner, DisplayName: "Ada"})
	require.NoError(t, err)
	assert.False(t, changed)

	active := []models.MemberStatus{models.MemberEnrolled, models.MemberActive}
	dropped, err := db.Members().SetStatus(ctx, sid, user, active, models.MemberDropped)
	require.NoError(t, err)
	require.NotNil(t, dropped)
	again, err := db.Members().SetStatus(ctx, sid, user, active, models.MemberDropped)
	require.NoError(t, err)
	assert.Nil(t, again)

	n, err := db.Members().CountLearners(ctx, sid, active)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = db.Members().Get(ctx, sid, uuid.New())
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestQuizStore_RecordAnswerOnce(t *testing.T) {
	ctx := context.Background()
	db := New()
	sid, trainer := newSession(t, db)
	run, created, err := db.Quizzes().CreateRun(ctx, &models.LiveQuizSession{SessionID: sid, ActivityID: uuid.New(), TotalQuestions: 1, CreatedBy: trainer})
	require.NoError(t, err)
	require.True(t, created)

	same, created, err := db.Quizzes().CreateRun(ctx, &models.LiveQuizSession{SessionID: sid, ActivityID: run.ActivityID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, same.ID)

	user := uuid.New()
	answer := func() bool {
		_, ok, err := db.Quizzes().RecordAnswer(ctx, &models.LiveQuizAnswer{LiveQuizID: run.ID, UserID: user, QuestionIndex: 0, IsCorrect: true, PointsEarned: 120, AnswerTimeMs: 900})
		require.NoError(t, err)
		return ok
	}
	assert.False(t, answer(), "answers are closed while waiting")

	limit := 30
	_, ok, err := db.Quizzes().Advance(ctx, run.ID, []models.QuizStatus{models.QuizWaiting},
		models.QuizChange{Status: models.QuizAnswering, OpenWithTimeLimit: &limit})
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, answer())
	assert.False(t, answer())

	sc, err := db.Quizzes().GetScore(ctx, run.ID, user)
	require.NoError(t, err)
	assert.Equal(t, 120, sc.TotalScore)
	assert.Equal(t, 1, sc.CurrentStreak)
	require.NotNil(t, sc.FastestAnswerMs)
	assert.Equal(t, 900, *sc.FastestAnswerMs)
}
