package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/broadcast"
	"livesession-backend/internal/client"
	"livesession-backend/internal/handlers"
	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/reconciler"
	"livesession-backend/internal/repository/memory"
	"livesession-backend/internal/router"
	"livesession-backend/internal/services"
	"livesession-backend/internal/websocket"
)

type server struct {
	url      string
	auth     *middleware.JWTAuth
	sessions *services.SessionService
	quizzes  *services.LiveQuizService
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := memory.New()
	channel := broadcast.NewLocal()
	eventLog := services.NewEventLog(db.Events(), channel)
	sessions := services.NewSessionService(db.Sessions(), db.Members(), db.Progress(), eventLog, channel, nil, services.SessionOptions{})
	progress := services.NewProgressService(db.Members(), db.Progress(), eventLog, channel, services.ProgressOptions{})
	quizzes := services.NewLiveQuizService(db.Quizzes(), db.Sessions(), db.Members(), eventLog, channel, nil, services.LiveQuizOptions{})

	auth := middleware.NewJWTAuth("client-secret")
	hub := websocket.NewHub(auth, sessions, channel, time.Second)
	h := router.New(auth,
		handlers.NewSessionHandler(sessions),
		handlers.NewProgressHandler(progress),
		handlers.NewLiveQuizHandler(quizzes),
		hub,
		router.Options{FrontendURL: "*", AnswerRateLimit: 100},
	)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &server{url: ts.URL, auth: auth, sessions: sessions, quizzes: quizzes}
}

func (s *server) client(t *testing.T, userID uuid.UUID) *client.Client {
	t.Helper()
	tok, err := s.auth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return client.New(s.url, tok)
}

func TestTokenSubject(t *testing.T) {
	auth := middleware.NewJWTAuth("any")
	user := uuid.New()
	tok, err := auth.IssueToken(user, time.Hour)
	require.NoError(t, err)

	got, err := client.TokenSubject(tok)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	_, err = client.TokenSubject("not-a-token")
	assert.Error(t, err)
}

func TestClient_CommandsAndErrors(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	trainer, learner := uuid.New(), uuid.New()
	state, err := srv.sessions.CreateSession(ctx, trainer, services.CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)
	_, err = srv.sessions.Join(ctx, state.SessionID, learner, services.JoinInput{DisplayName: "Ada"})
	require.NoError(t, err)

	tc := srv.client(t, trainer)
	st, err := tc.SessionCommand(ctx, state.SessionID, "start")
	require.NoError(t, err)
	assert.Equal(t, models.SessionLive, st.Status)

	st, err = tc.SetMode(ctx, state.SessionID, models.SessionExercise)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExercise, st.Status)
	require.NoError(t, tc.ClearMessage(ctx, state.SessionID))

	lc := srv.client(t, learner)
	_, err = lc.SessionCommand(ctx, state.SessionID, "pause")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.NotEmpty(t, apiErr.RequestID)

	require.NoError(t, lc.Heartbeat(ctx, state.SessionID))

	snap, err := lc.Snapshot(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExercise, snap.State.Status)
	assert.Len(t, snap.Members, 2)
}

func TestStream_DialWaitsForAck(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	trainer := uuid.New()
	state, err := srv.sessions.CreateSession(ctx, trainer, services.CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)

	stream, err := srv.client(t, trainer).Dial(ctx, state.SessionID)
	require.NoError(t, err)
	defer stream.Close()

	_, err = srv.sessions.Start(ctx, state.SessionID, trainer)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-stream.Messages():
			if msg.Type != models.MsgSessionState {
				continue
			}
			var st models.SessionState
			require.NoError(t, client.Decode(msg, &st))
			assert.Equal(t, models.SessionLive, st.Status)
			return
		case <-deadline:
			t.Fatal("no session_state.updated received")
		}
	}
}

func TestStream_DialRejected(t *testing.T) {
	srv := newServer(t)
	_, err := srv.client(t, uuid.New()).Dial(context.Background(), uuid.New())
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

// TestReconciler_EndToEnd drives a quiz from the trainer side and checks the
// learner's reconciled view follows it.
func TestReconciler_EndToEnd(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	trainer, learner := uuid.New(), uuid.New()
	state, err := srv.sessions.CreateSession(ctx, trainer, services.CreateSessionInput{DisplayName: "Trainer"})
	require.NoError(t, err)
	sid := state.SessionID
	_, err = srv.sessions.Join(ctx, sid, learner, services.JoinInput{DisplayName: "Ada"})
	require.NoError(t, err)

	activity, err := srv.quizzes.CreateActivity(ctx, trainer, services.CreateActivityInput{
		SessionID: sid,
		Title:     "Warmup",
		Questions: []models.QuizQuestion{{
			ID:            "q1",
			Type:          "single",
			Question:      "Pick A",
			Options:       []models.QuizOption{{ID: "A", Text: "A"}, {ID: "B", Text: "B"}},
			CorrectAnswer: json.RawMessage(`"A"`),
		}},
	})
	require.NoError(t, err)

	lc := srv.client(t, learner)
	dial := func(ctx context.Context, id uuid.UUID) (reconciler.Stream, error) {
		s, err := lc.Dial(ctx, id)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	rec := reconciler.New(lc, dial, sid, learner, reconciler.Options{})
	require.NoError(t, rec.Attach(ctx))
	defer rec.Close()

	eventually := func(cond func(v reconciler.View) bool) {
		t.Helper()
		require.Eventually(t, func() bool { return cond(rec.View()) }, 3*time.Second, 10*time.Millisecond)
	}
	eventually(func(v reconciler.View) bool { return v.Online(learner) })

	tc := srv.client(t, trainer)
	_, err = tc.SessionCommand(ctx, sid, "start")
	require.NoError(t, err)
	eventually(func(v reconciler.View) bool { return v.State.Status == models.SessionLive })

	run, err := tc.StartQuiz(ctx, sid, activity.ID)
	require.NoError(t, err)
	eventually(func(v reconciler.View) bool { return v.Quiz != nil && v.Quiz.Activity != nil })

	_, err = tc.ShowQuestion(ctx, run.ID, 0)
	require.NoError(t, err)
	require.NoError(t, tc.QuizCommand(ctx, run.ID, "open"))
	eventually(func(v reconciler.View) bool {
		return v.Quiz.Run.Status == models.QuizAnswering && v.Quiz.Remaining > 0
	})

	res, err := rec.SubmitAnswer(ctx, json.RawMessage(`"A"`))
	require.NoError(t, err)
	assert.True(t, res.Answer.IsCorrect)

	require.NoError(t, tc.QuizCommand(ctx, run.ID, "close"))
	require.NoError(t, tc.QuizCommand(ctx, run.ID, "results"))
	eventually(func(v reconciler.View) bool {
		r, ok := v.Quiz.Results[0]
		return ok && r.CorrectCount == 1
	})

	v := rec.View()
	assert.True(t, v.Quiz.HasAnswered)
	assert.Equal(t, map[string]int{"A": 1}, v.Quiz.Results[0].AnswerDistribution)
	assert.Greater(t, v.LastSeq, int64(0))
}
