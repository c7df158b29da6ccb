package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/seedload/internal/storage"
)

type CreateEvalJobRequest struct {
	Name string `json:"name"`
}

func handleCreateEvalJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateEvalJobRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		job, err := deps.Store.CreateEvalJob(r.Context(), storage.EvalJob{
			ProjectID: chi.URLParam(r, "projectID"),
			Name:      req.Name,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create eval job: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func handleListEvalJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Store.ListEvalJobs(r.Context(), chi.URLParam(r, "projectID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list eval jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []storage.EvalJob{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleUpdateEvalJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status := storage.EvalStatus(req.Status)
		if !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", req.Status)
			return
		}

		job, err := deps.Store.UpdateEvalJobStatus(r.Context(), chi.URLParam(r, "jobID"), status)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "eval job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update eval job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
