package handlers

import (
	"net/http"

	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/services"
)

type ProgressHandler struct {
	progress *services.ProgressService
}

func NewProgressHandler(progress *services.ProgressService) *ProgressHandler {
	return &ProgressHandler{progress: progress}
}

func (h *ProgressHandler) Update(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req models.ProgressUpdate
	if !decode(w, r, &req) {
		return
	}
	p, err := h.progress.UpdateProgress(r.Context(), sessionID, middleware.GetUserID(r.Context()), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": p})
}

func (h *ProgressHandler) Viewed(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ItemRef string `json:"item_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := h.progress.MarkItemViewed(r.Context(), sessionID, middleware.GetUserID(r.Context()), req.ItemRef)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": p})
}

func (h *ProgressHandler) Completed(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ItemRef string `json:"item_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := h.progress.MarkItemCompleted(r.Context(), sessionID, middleware.GetUserID(r.Context()), req.ItemRef)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": p})
}

func (h *ProgressHandler) RequestHelp(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := h.progress.RequestHelp(r.Context(), sessionID, middleware.GetUserID(r.Context()), req.Message)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": p})
}

func (h *ProgressHandler) CancelHelp(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.progress.CancelHelpRequest(r.Context(), sessionID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": p})
}

func (h *ProgressHandler) ResolveHelp(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	learnerID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	p, err := h.progress.ResolveHelp(r.Context(), sessionID, middleware.GetUserID(r.Context()), learnerID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": p})
}

func (h *ProgressHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.progress.Heartbeat(r.Context(), sessionID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": p})
}
