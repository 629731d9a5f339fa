package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/services"
)

type SessionHandler struct {
	sessions *services.SessionService
}

func NewSessionHandler(sessions *services.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req services.CreateSessionInput
	if !decode(w, r, &req) {
		return
	}

	state, err := h.sessions.CreateSession(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"state": state})
}

func (h *SessionHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	snap, err := h.sessions.Snapshot(r.Context(), sessionID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Events pages the session history: ?limit=50&before=<seq>.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid limit", r))
			return
		}
		limit = n
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid before cursor", r))
			return
		}
		before = n
	}

	events, err := h.sessions.Events(r.Context(), sessionID, middleware.GetUserID(r.Context()), limit, before)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var next *int64
	if len(events) > 0 {
		cursor := events[len(events)-1].Seq
		next = &cursor
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"next_before": next,
	})
}

func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req services.JoinInput
	if !decode(w, r, &req) {
		return
	}
	member, err := h.sessions.Join(r.Context(), sessionID, middleware.GetUserID(r.Context()), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"member": member})
}

func (h *SessionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	member, err := h.sessions.Leave(r.Context(), sessionID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"member": member})
}

type stateCommand func(ctx context.Context, sessionID, actor uuid.UUID) (*models.SessionState, error)

// command adapts a body-less trainer command to a handler.
func (h *SessionHandler) command(fn stateCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		state, err := fn(r.Context(), sessionID, middleware.GetUserID(r.Context()))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
	}
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.command(h.sessions.Start)(w, r)
}

func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(h.sessions.Pause)(w, r)
}

func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.command(h.sessions.Resume)(w, r)
}

func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	h.command(h.sessions.End)(w, r)
}

func (h *SessionHandler) ClearMessage(w http.ResponseWriter, r *http.Request) {
	h.command(h.sessions.ClearMessage)(w, r)
}

type refCommand func(ctx context.Context, sessionID, actor uuid.UUID, ref string) (*models.SessionState, error)

// refCommandWith adapts a trainer command taking one reference read from the
// body field key.
func (h *SessionHandler) refCommandWith(key string, fn refCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var req map[string]string
		if !decode(w, r, &req) {
			return
		}
		state, err := fn(r.Context(), sessionID, middleware.GetUserID(r.Context()), req[key])
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
	}
}

func (h *SessionHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	h.refCommandWith("mode", func(ctx context.Context, sessionID, actor uuid.UUID, mode string) (*models.SessionState, error) {
		return h.sessions.SetMode(ctx, sessionID, actor, models.SessionStatus(mode))
	})(w, r)
}

func (h *SessionHandler) SetCurrentModule(w http.ResponseWriter, r *http.Request) {
	h.refCommandWith("module_ref", h.sessions.SetCurrentModule)(w, r)
}

func (h *SessionHandler) SetCurrentItem(w http.ResponseWriter, r *http.Request) {
	h.refCommandWith("item_ref", h.sessions.SetCurrentItem)(w, r)
}

func (h *SessionHandler) UnlockModule(w http.ResponseWriter, r *http.Request) {
	h.refCommandWith("module_ref", h.sessions.UnlockModule)(w, r)
}

func (h *SessionHandler) UnlockItem(w http.ResponseWriter, r *http.Request) {
	h.refCommandWith("item_ref", h.sessions.UnlockItem)(w, r)
}

func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Text string             `json:"text"`
		Kind models.MessageKind `json:"kind"`
	}
	if !decode(w, r, &req) {
		return
	}
	state, err := h.sessions.SendMessage(r.Context(), sessionID, middleware.GetUserID(r.Context()), req.Text, req.Kind)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}
