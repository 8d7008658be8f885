package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/observability"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/realtime"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalPrincipals   int64  `json:"total_principals"`
	ActiveConnections int    `json:"active_connections"`
	PendingActions    int64  `json:"pending_actions"`
	LastActivity      string `json:"last_activity"`
}

// Stats returns platform statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := h.dir.CountPrincipals(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count principals")
		return
	}

	pending, err := h.queue.Size(ctx, realtime.DefaultActionQueue)
	if err != nil {
		h.storeError(w, "stats", err)
		return
	}

	lastActivity := "no activity yet"
	// Non-fatal, the log may not have been flushed yet
	if entries, err := h.logs.GetLogs(ctx, observability.LogFilter{Limit: 1}); err == nil && len(entries) > 0 {
		lastActivity = formatTimeAgo(entries[0].Timestamp)
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalPrincipals:   total,
		ActiveConnections: len(h.manager.ActiveConnections()),
		PendingActions:    pending,
		LastActivity:      lastActivity,
	})
}

const maxMetricTags = 16

// RecordMetricRequest is one observation sent by a worker.
type RecordMetricRequest struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Unit  string            `json:"unit"`
	Tags  map[string]string `json:"tags"`
}

// RecordMetric buffers a metric observation.
func (h *Handler) RecordMetric(w http.ResponseWriter, r *http.Request) {
	var req RecordMetricRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Tags) > maxMetricTags {
		h.Error(w, http.StatusBadRequest, "too many tags")
		return
	}

	err := h.metrics.RecordMetric(req.Name, req.Value, req.Unit, req.Tags)
	switch {
	case errors.Is(err, observability.ErrInvalidMetricName):
		h.Error(w, http.StatusBadRequest, "invalid metric name")
	case errors.Is(err, observability.ErrTooManyMetrics):
		h.Error(w, http.StatusUnprocessableEntity, "metric name limit reached")
	case err != nil:
		h.storeError(w, "record_metric", err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// MetricStats reports aggregates for one metric since process start.
func (h *Handler) MetricStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, ok := h.metrics.GetMetricStats(name)
	if !ok {
		h.Error(w, http.StatusNotFound, "no samples for metric")
		return
	}
	h.JSON(w, http.StatusOK, stats)
}

// Logs returns recent persisted log entries.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := observability.LogFilter{
		Level:   models.LogLevel(q.Get("level")),
		Service: q.Get("service"),
		Limit:   queryLimit(r, 100, 1000),
	}

	entries, err := h.logs.GetLogs(r.Context(), filter)
	if err != nil {
		h.storeError(w, "logs", err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return strconv.Itoa(mins) + " minutes ago"
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return strconv.Itoa(hours) + " hours ago"
	default:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return strconv.Itoa(days) + " days ago"
	}
}
