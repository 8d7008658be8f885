package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/session"
)

// PresenceRequest sets the caller's own status.
type PresenceRequest struct {
	Status models.PresenceStatus `json:"status"`
}

// PresenceResponse reports a user's status.
type PresenceResponse struct {
	UserID string                `json:"userId"`
	Status models.PresenceStatus `json:"status"`
}

// SetPresence updates the caller's presence.
func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	sc := security.FromContext(r.Context())

	var req PresenceRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := h.presence.SetPresence(r.Context(), sc.UserID, req.Status)
	if errors.Is(err, session.ErrInvalidStatus) {
		h.Error(w, http.StatusBadRequest, "status must be online, idle or offline")
		return
	}
	if err != nil {
		h.storeError(w, "set_presence", err)
		return
	}
	h.JSON(w, http.StatusOK, PresenceResponse{UserID: sc.UserID, Status: req.Status})
}

// GetPresence reports a user's presence. Absent records read as offline.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	status, ok, err := h.presence.GetPresence(r.Context(), userID)
	if err != nil {
		h.storeError(w, "get_presence", err)
		return
	}
	if !ok {
		status = models.PresenceOffline
	}
	h.JSON(w, http.StatusOK, PresenceResponse{UserID: userID, Status: status})
}

// Connections lists this instance's live connections, optionally filtered
// by conversation or user.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var conns interface{}
	switch {
	case q.Get("conversation") != "":
		conns = h.manager.ConnectionsByConversation(q.Get("conversation"))
	case q.Get("user") != "":
		conns = h.manager.ConnectionsByUser(q.Get("user"))
	default:
		conns = h.manager.ActiveConnections()
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"connections": conns})
}
