package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/stream"
)

var channelRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_:.\-]{0,127}$`)

// StreamPage is one page of channel events with the cursor for the next.
type StreamPage struct {
	Channel string               `json:"channel"`
	Events  []models.StreamEvent `json:"events"`
	Next    string               `json:"next"`
}

func (h *Handler) channel(w http.ResponseWriter, r *http.Request) (string, bool) {
	ch := chi.URLParam(r, "channel")
	if !channelRegex.MatchString(ch) {
		h.Error(w, http.StatusBadRequest, "invalid channel name")
		return "", false
	}
	return ch, true
}

// Publish appends the request body to a channel.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}

	var data json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || len(data) == 0 {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := h.stream.Publish(r.Context(), ch, data)
	if err != nil {
		h.storeError(w, "publish", err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]string{"id": id, "channel": ch})
}

// ReadStream returns events after the from cursor. Clients pass Next back
// as from to resume.
func (h *Handler) ReadStream(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}

	if !stream.CanRead(security.FromContext(r.Context()).UserID, ch) {
		h.Error(w, http.StatusForbidden, "channel not permitted")
		return
	}

	from := r.URL.Query().Get("from")
	events, err := h.stream.Subscribe(r.Context(), ch, from, queryLimit(r, stream.DefaultLimit, stream.MaxLimit))
	if errors.Is(err, store.ErrInvalidStreamID) {
		h.Error(w, http.StatusBadRequest, "invalid from cursor")
		return
	}
	if err != nil {
		h.storeError(w, "read_stream", err)
		return
	}

	next := from
	if next == "" {
		next = "0"
	}
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	h.JSON(w, http.StatusOK, StreamPage{Channel: ch, Events: events, Next: next})
}

// Broadcast publishes an agent event to a conversation. Workers use it to
// fan results out to every connection subscribed to the conversation.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if !channelRegex.MatchString(conversationID) {
		h.Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var ev models.AgentEvent
	if err := decode(r, &ev); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Type == "" {
		h.Error(w, http.StatusBadRequest, "type is required")
		return
	}

	id, err := h.manager.BroadcastToConversation(r.Context(), conversationID, ev)
	if err != nil {
		h.storeError(w, "broadcast", err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]string{
		"id":      id,
		"channel": stream.ConversationChannel(conversationID),
	})
}
