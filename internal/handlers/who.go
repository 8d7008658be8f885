package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

// WhoResponse represents the principal profile response.
type WhoResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Tier      models.Tier `json:"tier"`
	PublicKey string      `json:"public_key"`
	JoinedAt  string      `json:"joined_at"`
}

// Who handles principal profile lookup.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid agent ID format")
		return
	}

	p, err := h.dir.GetPrincipalByID(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if p == nil {
		h.Error(w, http.StatusNotFound, "agent not found")
		return
	}

	h.JSON(w, http.StatusOK, WhoResponse{
		ID:        p.ID.String(),
		Name:      p.Name,
		Tier:      p.Tier,
		PublicKey: p.PublicKey,
		JoinedAt:  p.CreatedAt.Format("2006-01-02T15:04:05Z"),
	})
}
