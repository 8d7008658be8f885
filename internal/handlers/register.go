package handlers

import (
	"fmt"
	"net/http"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/crypto"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name"`
}

// RegisterResponse represents the registration response. APIKey is only
// returned when the principal is created; it authenticates WebSocket
// connections and cannot be recovered later.
type RegisterResponse struct {
	ID         string      `json:"id"`
	Tier       models.Tier `json:"tier"`
	ProfileURL string      `json:"profile_url"`
	APIKey     string      `json:"api_key,omitempty"`
}

// Register handles principal registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.PublicKey == "" {
		h.Error(w, http.StatusBadRequest, "public_key is required")
		return
	}
	if _, err := crypto.ValidatePublicKey(req.PublicKey); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid public_key: must be base64-encoded Ed25519 public key (32 bytes)")
		return
	}

	name := sanitizeName(req.Name)

	existing, err := h.dir.GetPrincipalByPublicKey(r.Context(), req.PublicKey)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil {
		// Idempotent registration
		h.JSON(w, http.StatusOK, RegisterResponse{
			ID:         existing.ID.String(),
			Tier:       existing.Tier,
			ProfileURL: fmt.Sprintf("/who/%s", existing.ID.String()),
		})
		return
	}

	key, hash, err := crypto.NewAPIKey()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to issue api key")
		return
	}

	p, err := h.dir.CreatePrincipal(r.Context(), req.PublicKey, name, models.TierFree, hash)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create principal")
		return
	}

	h.logs.Info("principal registered", map[string]interface{}{"principalId": p.ID.String()})
	h.JSON(w, http.StatusCreated, RegisterResponse{
		ID:         p.ID.String(),
		Tier:       p.Tier,
		ProfileURL: fmt.Sprintf("/who/%s", p.ID.String()),
		APIKey:     key,
	})
}
