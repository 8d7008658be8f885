package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/observability"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/queue"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/realtime"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/session"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/stream"
)

// Deps are the components HTTP handlers serve.
type Deps struct {
	Directory store.DataStore
	KV        store.KV
	Queue     *queue.Queue
	Stream    *stream.Stream
	Presence  *session.Presence
	Manager   *realtime.Manager
	Logs      *observability.Logger
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	dir      store.DataStore
	kv       store.KV
	queue    *queue.Queue
	stream   *stream.Stream
	presence *session.Presence
	manager  *realtime.Manager
	logs     *observability.Logger
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		dir:      d.Directory,
		kv:       d.KV,
		queue:    d.Queue,
		stream:   d.Stream,
		presence: d.Presence,
		manager:  d.Manager,
		logs:     d.Logs,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// storeError maps a component error to a response. Store outages are
// retryable and answer 503.
func (h *Handler) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		h.logger.Warn().Err(err).Str("op", op).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
		h.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.logger.Error().Err(err).Str("op", op).Msg("request failed")
	h.Error(w, http.StatusInternalServerError, "internal error")
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryLimit parses the limit query parameter, clamped to [1, max].
func queryLimit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if len(name) > 100 {
		name = name[:100]
	}

	return name
}
