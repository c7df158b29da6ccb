// Package metrics exposes Prometheus instrumentation for the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "seedload_"

var recordsCreated = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "records_created_total",
		Help: "Number of seed records written by the batch writer",
	},
)

var malformedLines = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "malformed_lines_total",
		Help: "Number of input lines dropped because they were not valid JSON",
	},
)

var batchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "batch_flush_seconds",
		Help:    "Time taken to flush one batch of records",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

var runsFinished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "runs_finished_total",
		Help: "Number of ingestion runs by outcome",
	},
	[]string{"outcome"},
)

var eventsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "trigger_events_total",
		Help: "Number of object notifications received by source",
	},
	[]string{"source"},
)

// Run outcomes.
const (
	OutcomeComplete        = "complete"
	OutcomeBadKey          = "bad_key"
	OutcomeUnreadable      = "unreadable"
	OutcomeWriteFailed     = "write_failed"
	OutcomeCompletionError = "completion_error"
)

func RecordMalformedLine() {
	malformedLines.Inc()
}

func RecordBatch(size int, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else {
		recordsCreated.Add(float64(size))
	}
	batchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func RecordRun(outcome string) {
	runsFinished.WithLabelValues(outcome).Inc()
}

func RecordEvent(source string) {
	eventsReceived.WithLabelValues(source).Inc()
}
