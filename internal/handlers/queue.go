package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/queue"
)

var queueNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]{0,63}$`)

// EnqueueRequest is the body of an enqueue call.
type EnqueueRequest struct {
	Type       models.MessageType `json:"type"`
	Payload    json.RawMessage    `json:"payload"`
	Priority   models.Priority    `json:"priority"`
	MaxRetries int                `json:"maxRetries"`
}

func (h *Handler) queueName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if !queueNameRegex.MatchString(name) {
		h.Error(w, http.StatusBadRequest, "invalid queue name")
		return "", false
	}
	return name, true
}

// Enqueue adds a message to a queue.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueName(w, r)
	if !ok {
		return
	}

	var req EnqueueRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		h.Error(w, http.StatusBadRequest, "payload is required")
		return
	}

	msg := &models.QueueMessage{
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}
	id, err := h.queue.Enqueue(r.Context(), name, msg)
	if errors.Is(err, queue.ErrInvalidMessage) {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.storeError(w, "enqueue", err)
		return
	}

	h.JSON(w, http.StatusCreated, map[string]interface{}{
		"id":        id,
		"queue":     name,
		"priority":  msg.Priority,
		"createdAt": msg.CreatedAt,
	})
}

// Dequeue pops the highest-priority message. An empty queue answers 204.
func (h *Handler) Dequeue(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueName(w, r)
	if !ok {
		return
	}

	msg, err := h.queue.Dequeue(r.Context(), name)
	if err != nil {
		h.storeError(w, "dequeue", err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// Retry returns a failed message to its queue, or dead-letters it once
// its retries are used up.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueName(w, r)
	if !ok {
		return
	}

	var msg models.QueueMessage
	if err := decode(r, &msg); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg.ID == "" || !msg.Type.Valid() || !msg.Priority.Valid() {
		h.Error(w, http.StatusBadRequest, "message id, type and priority are required")
		return
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = queue.DefaultMaxRetries
	}

	err := h.queue.Retry(r.Context(), name, &msg)
	if errors.Is(err, queue.ErrRetriesExhausted) {
		h.logs.Warn("message dead-lettered", map[string]interface{}{
			"queue":     name,
			"messageId": msg.ID,
			"retries":   msg.Retries,
		})
		h.JSON(w, http.StatusOK, map[string]interface{}{"id": msg.ID, "status": "dead_lettered"})
		return
	}
	if err != nil {
		h.storeError(w, "retry", err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"id": msg.ID, "status": "requeued", "retries": msg.Retries})
}

// DeadLetters lists a queue's dead-lettered messages.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueName(w, r)
	if !ok {
		return
	}

	messages, err := h.queue.DeadLetters(r.Context(), name, queryLimit(r, 100, 1000))
	if err != nil {
		h.storeError(w, "dead_letters", err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"queue": name, "messages": messages})
}

// QueueSize reports how many messages are waiting.
func (h *Handler) QueueSize(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueName(w, r)
	if !ok {
		return
	}

	size, err := h.queue.Size(r.Context(), name)
	if err != nil {
		h.storeError(w, "queue_size", err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"queue": name, "size": size})
}

// ClearQueue drops every waiting message.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueName(w, r)
	if !ok {
		return
	}

	if err := h.queue.Clear(r.Context(), name); err != nil {
		h.storeError(w, "queue_clear", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
