package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/chialog/internal/domain"
)

const (
	defaultMarkerLimit = 10
	maxMarkerLimit     = 500
)

// RunReporter exposes the outcome of the most recent ingestion run.
type RunReporter interface {
	LastSummary() (domain.RunSummary, bool)
}

// StatusHandler serves the health and status endpoints of the admin server.
type StatusHandler struct {
	runs     RunReporter
	markers  domain.MarkerRepository
	hostname string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(runs RunReporter, markers domain.MarkerRepository, hostname string, timeout time.Duration, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{runs: runs, markers: markers, hostname: hostname, timeout: timeout, logger: logger}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Hostname string              `json:"hostname"`
	LastRun  *domain.RunSummary  `json:"last_run"`
	Markers  []domain.FileMarker `json:"markers"`
}

// HealthCheck reports liveness.
// GET /health
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the last run summary and the newest file markers.
// GET /status?limit=N
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	limit := defaultMarkerLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxMarkerLimit {
			http.Error(w, "limit must be between 1 and "+strconv.Itoa(maxMarkerLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	markers, err := h.markers.RecentMarkers(ctx, h.hostname, limit)
	if err != nil {
		h.logger.Error("failed to load file markers", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{Hostname: h.hostname, Markers: markers}
	if resp.Markers == nil {
		resp.Markers = []domain.FileMarker{}
	}
	if last, ok := h.runs.LastSummary(); ok {
		resp.LastRun = &last
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
