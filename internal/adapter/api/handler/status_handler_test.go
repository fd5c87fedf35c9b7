package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/V4T54L/chialog/internal/domain"
	"github.com/V4T54L/chialog/internal/domain/mocks"
)

type stubRuns struct {
	summary domain.RunSummary
	ok      bool
}

func (s stubRuns) LastSummary() (domain.RunSummary, bool) { return s.summary, s.ok }

func TestStatusHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mtime := time.Date(2021, 7, 31, 9, 0, 0, 0, time.UTC)

	store := &mocks.MockStore{}
	for i := 0; i < 3; i++ {
		store.Markers = append(store.Markers, domain.FileMarker{
			Hostname:         "farmer-01",
			Filename:         "debug.log." + string(rune('1'+i)),
			LastModifiedTime: mtime.Add(time.Duration(i) * time.Minute),
			LineCount:        i,
		})
	}
	runs := stubRuns{summary: domain.RunSummary{RunID: "run-1", Hostname: "farmer-01"}, ok: true}

	tests := []struct {
		name           string
		query          string
		runs           RunReporter
		markerErr      error
		expectedStatus int
		expectedCount  int
		expectRun      bool
	}{
		{name: "Default Limit", runs: runs, expectedStatus: http.StatusOK, expectedCount: 3, expectRun: true},
		{name: "Explicit Limit", query: "?limit=2", runs: runs, expectedStatus: http.StatusOK, expectedCount: 2, expectRun: true},
		{name: "No Run Yet", runs: stubRuns{}, expectedStatus: http.StatusOK, expectedCount: 3},
		{name: "Bad Limit", query: "?limit=abc", runs: runs, expectedStatus: http.StatusBadRequest},
		{name: "Limit Too Large", query: "?limit=100000", runs: runs, expectedStatus: http.StatusBadRequest},
		{name: "Store Error", runs: runs, markerErr: errors.New("connection refused"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.LatestErr = tt.markerErr
			h := NewStatusHandler(tt.runs, store, "farmer-01", time.Second, logger)

			req := httptest.NewRequest(http.MethodGet, "/status"+tt.query, nil)
			rr := httptest.NewRecorder()
			h.Status(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var resp StatusResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if len(resp.Markers) != tt.expectedCount {
				t.Errorf("got %d markers, want %d", len(resp.Markers), tt.expectedCount)
			}
			if len(resp.Markers) > 0 && resp.Markers[0].Filename != "debug.log.3" {
				t.Errorf("markers not newest first: %+v", resp.Markers)
			}
			if (resp.LastRun != nil) != tt.expectRun {
				t.Errorf("last_run present = %v, want %v", resp.LastRun != nil, tt.expectRun)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	h := NewStatusHandler(stubRuns{}, &mocks.MockStore{}, "farmer-01", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rr := httptest.NewRecorder()
	h.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if body := rr.Body.String(); body != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}
