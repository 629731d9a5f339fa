package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/services"
)

type LiveQuizHandler struct {
	quizzes *services.LiveQuizService
}

func NewLiveQuizHandler(quizzes *services.LiveQuizService) *LiveQuizHandler {
	return &LiveQuizHandler{quizzes: quizzes}
}

func (h *LiveQuizHandler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	var req services.CreateActivityInput
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "session_id is required", r))
		return
	}
	a, err := h.quizzes.CreateActivity(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"activity": a})
}

func (h *LiveQuizHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	a, err := h.quizzes.GetActivity(r.Context(), middleware.GetUserID(r.Context()), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": a})
}

func (h *LiveQuizHandler) Start(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	activityID, ok := uuidParam(w, r, "activityID")
	if !ok {
		return
	}
	q, err := h.quizzes.StartQuiz(r.Context(), middleware.GetUserID(r.Context()), sessionID, activityID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quiz": q})
}

func (h *LiveQuizHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	activityID, ok := uuidParam(w, r, "activityID")
	if !ok {
		return
	}
	snap, err := h.quizzes.Snapshot(r.Context(), middleware.GetUserID(r.Context()), sessionID, activityID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type quizCommand func(ctx context.Context, actor, quizID uuid.UUID) (*models.LiveQuizSession, error)

func (h *LiveQuizHandler) command(fn quizCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		quizID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		q, err := fn(r.Context(), middleware.GetUserID(r.Context()), quizID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"quiz": q})
	}
}

func (h *LiveQuizHandler) ShowQuestion(w http.ResponseWriter, r *http.Request) {
	quizID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		QuestionIndex *int `json:"question_index"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.QuestionIndex == nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "question_index is required", r))
		return
	}
	q, err := h.quizzes.ShowQuestion(r.Context(), middleware.GetUserID(r.Context()), quizID, *req.QuestionIndex)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quiz": q})
}

func (h *LiveQuizHandler) Open(w http.ResponseWriter, r *http.Request) {
	h.command(h.quizzes.OpenAnswers)(w, r)
}

func (h *LiveQuizHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.command(h.quizzes.CloseAnswers)(w, r)
}

func (h *LiveQuizHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	h.command(h.quizzes.ShowLeaderboard)(w, r)
}

func (h *LiveQuizHandler) Next(w http.ResponseWriter, r *http.Request) {
	h.command(h.quizzes.NextQuestion)(w, r)
}

func (h *LiveQuizHandler) End(w http.ResponseWriter, r *http.Request) {
	h.command(h.quizzes.EndQuiz)(w, r)
}

func (h *LiveQuizHandler) ShowResults(w http.ResponseWriter, r *http.Request) {
	quizID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	res, err := h.quizzes.ShowResults(r.Context(), middleware.GetUserID(r.Context()), quizID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": res})
}

func (h *LiveQuizHandler) Results(w http.ResponseWriter, r *http.Request) {
	quizID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	results, err := h.quizzes.Results(r.Context(), middleware.GetUserID(r.Context()), quizID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *LiveQuizHandler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	quizID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req services.SubmitAnswerInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.quizzes.SubmitAnswer(r.Context(), middleware.GetUserID(r.Context()), quizID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
