package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response. Connections and
// the pending buffer sizes describe this instance only.
type HealthResponse struct {
	Status         string           `json:"status"` // "healthy" or "degraded"
	Version        string           `json:"version"`
	Instance       string           `json:"instance,omitempty"`
	Connections    int              `json:"connections"`
	PendingLogs    int              `json:"pendingLogs"`
	PendingMetrics int              `json:"pendingMetrics"`
	Checks         map[string]Check `json:"checks"`
	Timestamp      string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]Check{
		"directory": notConfigured,
		"store":     notConfigured,
	}
	if h.dir != nil {
		checks["directory"] = ping(ctx, h.dir.Ping)
	}
	if h.kv != nil {
		checks["store"] = ping(ctx, h.kv.Ping)
	}

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Instance:  instance,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.manager != nil {
		resp.Connections = len(h.manager.ActiveConnections())
	}
	if h.logs != nil {
		resp.PendingLogs = h.logs.Pending()
	}
	if h.metrics != nil {
		resp.PendingMetrics = h.metrics.Pending()
	}

	statusCode := http.StatusOK
	for _, c := range checks {
		if c.Status != "pass" {
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}
	h.JSON(w, statusCode, resp)
}

var notConfigured = Check{Status: "fail", Message: "not configured"}

var instance, _ = os.Hostname()

func ping(ctx context.Context, fn func(context.Context) error) Check {
	start := time.Now()
	if err := fn(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).String()}
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Docs    string `json:"docs"`
}

// Route describes one endpoint in the API index.
type Route struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Auth   bool   `json:"auth"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "agentbus",
		Version: version,
		Docs:    "/api",
	})
}

var routes = []Route{
	{"GET", "/health", false},
	{"GET", "/metrics", false},
	{"POST", "/register", false},
	{"GET", "/who/{id}", false},
	{"GET", "/ws?conversation={id}&agent={id}&token={apiKey}", false},
	{"GET", "/stats", false},
	{"POST", "/queue/{name}", true},
	{"GET", "/queue/{name}", true},
	{"DELETE", "/queue/{name}", true},
	{"POST", "/queue/{name}/dequeue", true},
	{"POST", "/queue/{name}/retry", true},
	{"GET", "/queue/{name}/dead", true},
	{"POST", "/stream/{channel}", true},
	{"GET", "/stream/{channel}?from=&limit=", true},
	{"PUT", "/presence", true},
	{"GET", "/presence/{userID}", true},
	{"POST", "/conversations/{id}/broadcast", true},
	{"GET", "/connections?conversation=&user=", true},
	{"GET", "/logs?level=&service=&limit=", true},
	{"POST", "/stats/metrics", true},
	{"GET", "/stats/metrics/{name}", true},
}

// API lists the available endpoints.
func (h *Handler) API(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]interface{}{
		"name":    "agentbus",
		"version": version,
		"routes":  routes,
	})
}
