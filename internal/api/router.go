// Package api serves the seedload HTTP API and MCP server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/seedload/internal/storage"
	"github.com/kalambet/seedload/internal/trigger"
)

const maxRequestBodySize = 1 << 20 // 1MB

// EventSubmitter queues object notifications for ingestion.
type EventSubmitter interface {
	Submit(ctx context.Context, ev trigger.Event) error
}

type Deps struct {
	Store  *storage.Store
	Token  string
	Events EventSubmitter // optional; if nil, /events/s3 answers 503
	Logger *slog.Logger
}

// NewHandler returns the full API. /health and /metrics are public; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/projects/{projectID}/runs", handleCreateRun(deps))
		r.Get("/projects/{projectID}/runs", handleListRuns(deps))
		r.Get("/runs/{runID}", handleGetRun(deps))
		r.Patch("/runs/{runID}", handleUpdateRun(deps))

		r.Get("/projects/{projectID}/records", handleListRecords(deps))

		r.Post("/projects/{projectID}/eval-jobs", handleCreateEvalJob(deps))
		r.Get("/projects/{projectID}/eval-jobs", handleListEvalJobs(deps))
		r.Patch("/eval-jobs/{jobID}", handleUpdateEvalJob(deps))

		r.Post("/events/s3", handleS3Event(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
