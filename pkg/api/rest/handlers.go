package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/results"
)

// DefaultLimit caps result listings that do not set ?limit=.
const DefaultLimit = 100

// Handler serves the results log over HTTP.
type Handler struct {
	store     results.Store
	startTime time.Time
}

// NewHandler creates a new REST API handler
func NewHandler(store results.Store) *Handler {
	return &Handler{
		store:     store,
		startTime: time.Now(),
	}
}

// HealthCheck handles GET /v1/health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	}, http.StatusOK)
}

// ListMetrics handles GET /v1/metrics
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names, err := h.store.Metrics(r.Context())
	if err != nil {
		writeError(w, fmt.Sprintf("Failed to list metrics: %v", err), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}

	writeJSON(w, map[string]interface{}{"metrics": names}, http.StatusOK)
}

// ListResults handles GET /v1/results and GET /v1/results/{metric}, filtered
// by the run_id, status and limit query parameters.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := results.Query{
		Metric: strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/results"), "/"),
		RunID:  r.URL.Query().Get("run_id"),
		Status: results.Status(r.URL.Query().Get("status")),
		Limit:  ParseIntQuery(r, "limit", DefaultLimit),
	}
	if q.Metric == "" {
		q.Metric = r.URL.Query().Get("metric")
	}
	if strings.Contains(q.Metric, "/") {
		writeError(w, "Invalid URL format", http.StatusBadRequest)
		return
	}
	switch q.Status {
	case "", results.StatusOK, results.StatusFailed, results.StatusSkipped:
	default:
		writeError(w, fmt.Sprintf("Unknown status %q", q.Status), http.StatusBadRequest)
		return
	}
	if q.Limit <= 0 {
		writeError(w, "limit must be positive", http.StatusBadRequest)
		return
	}

	h.writeRecords(w, r, q)
}

// GetRun handles GET /v1/runs/{run_id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if runID == "" || strings.Contains(runID, "/") {
		writeError(w, "Invalid URL format", http.StatusBadRequest)
		return
	}

	recs, err := h.store.Records(r.Context(), results.Query{RunID: runID})
	if err != nil {
		writeError(w, fmt.Sprintf("Failed to read results: %v", err), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		writeError(w, fmt.Sprintf("Run %s not found", runID), http.StatusNotFound)
		return
	}

	writeJSON(w, map[string]interface{}{
		"run_id":  runID,
		"results": recs,
	}, http.StatusOK)
}

func (h *Handler) writeRecords(w http.ResponseWriter, r *http.Request, q results.Query) {
	recs, err := h.store.Records(r.Context(), q)
	if err != nil {
		writeError(w, fmt.Sprintf("Failed to read results: %v", err), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []results.Record{}
	}

	writeJSON(w, map[string]interface{}{
		"results": recs,
		"count":   len(recs),
	}, http.StatusOK)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}

// ParseIntQuery parses an integer query parameter
func ParseIntQuery(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}
