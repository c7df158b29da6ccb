package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/seedload/internal/storage"
)

type CreateRunRequest struct {
	FileName string `json:"file_name"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

func handleCreateRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRunRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.FileName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file_name is required")
			return
		}
		if strings.Contains(req.FileName, "/") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file_name must not contain '/'")
			return
		}

		run, err := deps.Store.CreateRun(r.Context(), storage.Run{
			ProjectID: chi.URLParam(r, "projectID"),
			FileName:  req.FileName,
			Status:    storage.RunStarting,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create run: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		runs, err := deps.Store.ListRuns(r.Context(), chi.URLParam(r, "projectID"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleUpdateRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status := storage.RunStatus(req.Status)
		if !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", req.Status)
			return
		}

		run, err := deps.Store.UpdateRunStatus(r.Context(), chi.URLParam(r, "runID"), status)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "run not found")
		case errors.Is(err, storage.ErrTerminalRun), errors.Is(err, storage.ErrInvalidTransition):
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update run: %v", err)
		default:
			writeJSON(w, http.StatusOK, run)
		}
	}
}

func handleListRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Store.ListRecordsByProject(r.Context(), chi.URLParam(r, "projectID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		if records == nil {
			records = []storage.SeedRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}
