package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession-backend/internal/broadcast"
	"livesession-backend/internal/handlers"
	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/repository/memory"
	"livesession-backend/internal/router"
	"livesession-backend/internal/services"
	"livesession-backend/internal/websocket"
)

type apiEnv struct {
	t       *testing.T
	handler http.Handler
	auth    *middleware.JWTAuth
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	db := memory.New()
	channel := broadcast.NewLocal()
	eventLog := services.NewEventLog(db.Events(), channel)

	sessions := services.NewSessionService(db.Sessions(), db.Members(), db.Progress(), eventLog, channel, nil, services.SessionOptions{})
	progress := services.NewProgressService(db.Members(), db.Progress(), eventLog, channel, services.ProgressOptions{})
	quizzes := services.NewLiveQuizService(db.Quizzes(), db.Sessions(), db.Members(), eventLog, channel, nil, services.LiveQuizOptions{})

	auth := middleware.NewJWTAuth("test-secret")
	hub := websocket.NewHub(auth, sessions, channel, time.Second)
	h := router.New(auth,
		handlers.NewSessionHandler(sessions),
		handlers.NewProgressHandler(progress),
		handlers.NewLiveQuizHandler(quizzes),
		hub,
		router.Options{FrontendURL: "*", AnswerRateLimit: 100},
	)
	return &apiEnv{t: t, handler: h, auth: auth}
}

func (e *apiEnv) token(userID uuid.UUID) string {
	tok, err := e.auth.IssueToken(userID, time.Hour)
	require.NoError(e.t, err)
	return tok
}

// do sends body as JSON and decodes the response into out when non-nil.
func (e *apiEnv) do(method, path string, userID uuid.UUID, body interface{}, out interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		r.Header.Set("Authorization", "Bearer "+e.token(userID))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if out != nil && w.Code < 300 {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

// createSession opens a session owned by trainer and enrolls learners.
func (e *apiEnv) createSession(trainer uuid.UUID, learners ...uuid.UUID) uuid.UUID {
	e.t.Helper()
	var created struct {
		State models.SessionState `json:"state"`
	}
	w := e.do(http.MethodPost, "/api/v1/sessions", trainer, map[string]string{"display_name": "Trainer"}, &created)
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	sid := created.State.SessionID

	for _, l := range learners {
		w := e.do(http.MethodPost, "/api/v1/sessions/"+sid.String()+"/join", l, map[string]string{"display_name": "Learner " + l.String()[:4]}, nil)
		require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	}
	return sid
}

func TestHealth(t *testing.T) {
	api := newAPI(t)
	w := api.do(http.MethodGet, "/health", uuid.Nil, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAPI_RequiresToken(t *testing.T) {
	api := newAPI(t)
	w := api.do(http.MethodPost, "/api/v1/sessions", uuid.Nil, map[string]string{"display_name": "T"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
}

func TestAPI_InvalidSessionID(t *testing.T) {
	api := newAPI(t)
	w := api.do(http.MethodGet, "/api/v1/sessions/not-a-uuid/snapshot", uuid.New(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
}

func TestAPI_CreateSessionValidation(t *testing.T) {
	api := newAPI(t)
	w := api.do(http.MethodPost, "/api/v1/sessions", uuid.New(), map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))
}

func TestAPI_SessionLifecycle(t *testing.T) {
	api := newAPI(t)
	trainer, learner := uuid.New(), uuid.New()
	sid := api.createSession(trainer, learner)
	base := "/api/v1/sessions/" + sid.String()

	// learners cannot drive the session
	w := api.do(http.MethodPost, base+"/start", learner, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp struct {
		State models.SessionState `json:"state"`
	}
	w = api.do(http.MethodPost, base+"/start", trainer, nil, &resp)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.SessionLive, resp.State.Status)
	assert.NotNil(t, resp.State.StartedAt)

	w = api.do(http.MethodPut, base+"/mode", trainer, map[string]string{"mode": "exercise"}, &resp)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.SessionExercise, resp.State.Status)

	w = api.do(http.MethodPut, base+"/mode", trainer, map[string]string{"mode": "completed"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodPost, base+"/unlock-module", trainer, map[string]string{"module_ref": "m1"}, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	w = api.do(http.MethodPost, base+"/unlock-module", trainer, map[string]string{"module_ref": "m1"}, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"m1"}, resp.State.UnlockedModules)

	w = api.do(http.MethodPut, base+"/message", trainer, map[string]string{"text": "Break in 5"}, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp.State.TrainerMessage)
	assert.Equal(t, models.MessageInfo, resp.State.TrainerMessage.Kind)

	w = api.do(http.MethodDelete, base+"/message", trainer, nil, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, resp.State.TrainerMessage)

	w = api.do(http.MethodPost, base+"/end", trainer, nil, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.SessionCompleted, resp.State.Status)

	w = api.do(http.MethodPost, base+"/start", trainer, nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, services.CodeSessionCompleted, errorCode(t, w))
}

func TestAPI_SnapshotAndEvents(t *testing.T) {
	api := newAPI(t)
	trainer, learner := uuid.New(), uuid.New()
	sid := api.createSession(trainer, learner)
	base := "/api/v1/sessions/" + sid.String()

	api.do(http.MethodPost, base+"/start", trainer, nil, nil)
	api.do(http.MethodPost, base+"/pause", trainer, nil, nil)
	api.do(http.MethodPost, base+"/resume", trainer, nil, nil)

	var snap models.SessionSnapshot
	w := api.do(http.MethodGet, base+"/snapshot", trainer, nil, &snap)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.SessionLive, snap.State.Status)
	assert.Len(t, snap.Members, 2)
	assert.Len(t, snap.Progress, 1)
	require.NotEmpty(t, snap.RecentEvents)

	// outsiders see nothing
	w = api.do(http.MethodGet, base+"/snapshot", uuid.New(), nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	var page struct {
		Events     []models.SessionEvent `json:"events"`
		NextBefore *int64                `json:"next_before"`
	}
	w = api.do(http.MethodGet, base+"/events?limit=2", learner, nil, &page)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, page.Events, 2)
	require.NotNil(t, page.NextBefore)
	assert.Greater(t, page.Events[0].Seq, page.Events[1].Seq)
	assert.Equal(t, page.Events[1].Seq, *page.NextBefore)

	w = api.do(http.MethodGet, base+"/events?before=-1", learner, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = api.do(http.MethodGet, base+"/events?limit=abc", learner, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_ProgressAndHelp(t *testing.T) {
	api := newAPI(t)
	trainer, learner := uuid.New(), uuid.New()
	sid := api.createSession(trainer, learner)
	base := "/api/v1/sessions/" + sid.String()

	var resp struct {
		Progress models.LearnerProgress `json:"progress"`
	}
	w := api.do(http.MethodPost, base+"/progress/viewed", learner, map[string]string{"item_ref": "i1"}, &resp)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, resp.Progress.ItemsViewed)

	w = api.do(http.MethodPost, base+"/progress/completed", learner, map[string]string{"item_ref": "i1"}, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resp.Progress.ItemsCompleted)

	w = api.do(http.MethodPatch, base+"/progress", learner, map[string]interface{}{"overall_score": 150}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// trainers have no progress row
	w = api.do(http.MethodPost, base+"/help", trainer, map[string]string{}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(http.MethodPost, base+"/help", learner, map[string]string{"message": "lost"}, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PaceStuck, resp.Progress.RelativeStatus)

	w = api.do(http.MethodPost, base+"/learners/"+learner.String()+"/resolve-help", trainer, nil, &resp)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEqual(t, models.PaceStuck, resp.Progress.RelativeStatus)

	w = api.do(http.MethodPost, base+"/heartbeat", learner, nil, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, resp.Progress.LastHeartbeatAt.IsZero())
}

func TestAPI_LiveQuizFlow(t *testing.T) {
	api := newAPI(t)
	trainer, alice, bob := uuid.New(), uuid.New(), uuid.New()
	sid := api.createSession(trainer, alice, bob)
	api.do(http.MethodPost, "/api/v1/sessions/"+sid.String()+"/start", trainer, nil, nil)

	var created struct {
		Activity models.QuizActivity `json:"activity"`
	}
	w := api.do(http.MethodPost, "/api/v1/quiz-activities", trainer, map[string]interface{}{
		"session_id": sid,
		"title":      "Warm-up",
		"questions": []map[string]interface{}{{
			"type":           "single",
			"question":       "Pick A",
			"options":        []map[string]string{{"id": "A", "text": "A"}, {"id": "B", "text": "B"}},
			"correct_answer": "A",
		}},
	}, &created)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	activityID := created.Activity.ID

	var started struct {
		Quiz models.LiveQuizSession `json:"quiz"`
	}
	w = api.do(http.MethodPost, "/api/v1/sessions/"+sid.String()+"/quizzes/"+activityID.String()+"/start", trainer, nil, &started)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.QuizWaiting, started.Quiz.Status)
	assert.Equal(t, 2, started.Quiz.ParticipantCount)

	quiz := "/api/v1/live-quizzes/" + started.Quiz.ID.String()

	w = api.do(http.MethodPost, quiz+"/answers", alice, map[string]interface{}{"question_index": 0, "answer": "A"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, services.CodeAnswersClosed, errorCode(t, w))

	w = api.do(http.MethodPost, quiz+"/show-question", trainer, map[string]int{"question_index": 0}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = api.do(http.MethodPost, quiz+"/open", trainer, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var submitted models.SubmitResult
	w = api.do(http.MethodPost, quiz+"/answers", alice, map[string]interface{}{"question_index": 0, "answer": "A"}, &submitted)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, submitted.Answer.IsCorrect)
	assert.Positive(t, submitted.Score.TotalScore)

	w = api.do(http.MethodPost, quiz+"/answers", alice, map[string]interface{}{"question_index": 0, "answer": "B"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, services.CodeDuplicateAnswer, errorCode(t, w))

	w = api.do(http.MethodPost, quiz+"/answers", bob, map[string]interface{}{"question_index": 0, "answer": "B"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// only the trainer closes
	w = api.do(http.MethodPost, quiz+"/close", bob, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = api.do(http.MethodPost, quiz+"/close", trainer, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var shown struct {
		Result models.QuestionResult `json:"result"`
	}
	w = api.do(http.MethodPost, quiz+"/results", trainer, nil, &shown)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, shown.Result.TotalAnswers)
	assert.Equal(t, 1, shown.Result.CorrectCount)

	var ended struct {
		Quiz models.LiveQuizSession `json:"quiz"`
	}
	w = api.do(http.MethodPost, quiz+"/leaderboard", trainer, nil, &ended)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(t, ended.Quiz.Leaderboard)
	assert.Equal(t, alice, ended.Quiz.Leaderboard[0].UserID)

	w = api.do(http.MethodPost, quiz+"/next", trainer, nil, &ended)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.QuizCompleted, ended.Quiz.Status)

	var results struct {
		Results map[string]models.QuestionResult `json:"results"`
	}
	w = api.do(http.MethodGet, quiz+"/results", trainer, nil, &results)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, results.Results, 1)
}

func TestAPI_StartQuizWithoutQuestions(t *testing.T) {
	api := newAPI(t)
	trainer := uuid.New()
	sid := api.createSession(trainer)

	var created struct {
		Activity models.QuizActivity `json:"activity"`
	}
	w := api.do(http.MethodPost, "/api/v1/quiz-activities", trainer, map[string]interface{}{
		"session_id": sid,
		"title":      "Empty",
	}, &created)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(http.MethodPost, "/api/v1/sessions/"+sid.String()+"/quizzes/"+created.Activity.ID.String()+"/start", trainer, nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "UNPROCESSABLE", errorCode(t, w))
}
