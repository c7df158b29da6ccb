package api

import (
	"io"
	"net/http"

	"github.com/kalambet/seedload/internal/metrics"
	"github.com/kalambet/seedload/internal/trigger"
)

// handleS3Event accepts a MinIO/S3 webhook notification and queues every
// object-created event it carries. Re-delivered notifications are queued
// again and re-ingest their objects.
func handleS3Event(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Events == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "webhook trigger is not enabled")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		events, err := trigger.DecodeNotification(body, trigger.SourceWebhook)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		accepted := 0
		for _, ev := range events {
			metrics.RecordEvent(trigger.SourceWebhook)
			if !trigger.IsObjectCreated(ev.Name) {
				continue
			}
			if err := deps.Events.Submit(r.Context(), ev); err != nil {
				deps.Logger.Error("queueing webhook event failed", "bucket", ev.Bucket, "key", ev.Key, "error", err)
				httpError(w, http.StatusServiceUnavailable, "api_error", "failed to queue event: %v", err)
				return
			}
			accepted++
		}

		writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
	}
}
