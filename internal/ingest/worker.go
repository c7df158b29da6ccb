package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kalambet/seedload/internal/metrics"
	"github.com/kalambet/seedload/internal/storage"
)

// DefaultBatchSize is the number of parsed lines flushed together.
const DefaultBatchSize = 500

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ObjectOpener abstracts reading an uploaded object.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// RunUpdater abstracts the run status update.
type RunUpdater interface {
	UpdateRunStatus(ctx context.Context, id string, status storage.RunStatus) (storage.Run, error)
}

// ObjectRef identifies one newly created object. Key is as delivered in the
// storage notification, i.e. still URL-encoded.
type ObjectRef struct {
	Bucket string
	Key    string
}

// Result summarises one ingestion run.
type Result struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	FileName  string `json:"file_name"`
	Records   int    `json:"records"`
	Malformed int    `json:"malformed"`
	Batches   int    `json:"batches"`
	Completed bool   `json:"completed"`
}

// WorkerConfig carries the collaborators and settings of a Worker.
type WorkerConfig struct {
	Objects   ObjectOpener
	Records   RecordCreator
	Runs      RunUpdater
	BatchSize int // <= 0 means DefaultBatchSize

	// MarkUnreadableFailed sets the run to FAILED when its object cannot be
	// opened. When false the run is left in its last client-set status.
	MarkUnreadableFailed bool

	Logger *slog.Logger
}

// Worker ingests one uploaded NDJSON object per call.
type Worker struct {
	objects              ObjectOpener
	writer               *BatchWriter
	runs                 RunUpdater
	batchSize            int
	markUnreadableFailed bool
	logger               *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		objects:              cfg.Objects,
		writer:               NewBatchWriter(cfg.Records),
		runs:                 cfg.Runs,
		batchSize:            batchSize,
		markUnreadableFailed: cfg.MarkUnreadableFailed,
		logger:               logger,
	}
}

// Ingest streams the object, writes its valid lines as seed records in
// sequential batches and marks the run COMPLETE.
//
// Malformed lines are logged and skipped. A failed batch, an unreadable
// object or a read error aborts the run without a completion update, so the
// run stays non-terminal. A failed completion update is logged and reported
// through Result.Completed only. Ingesting the same object twice writes its
// records twice.
func (w *Worker) Ingest(ctx context.Context, ref ObjectRef) (Result, error) {
	key, err := ParseKey(ref.Key)
	if err != nil {
		metrics.RecordRun(metrics.OutcomeBadKey)
		return Result{}, err
	}
	res := Result{RunID: key.RunID, ProjectID: key.ProjectID, FileName: key.FileName}
	logger := w.logger.With("run_id", key.RunID, "project_id", key.ProjectID, "file", key.FileName)

	rc, err := w.objects.Open(ctx, ref.Bucket, key.Object)
	if err != nil {
		metrics.RecordRun(metrics.OutcomeUnreadable)
		logger.Error("cannot open uploaded object", "bucket", ref.Bucket, "key", key.Object, "error", err)
		if w.markUnreadableFailed {
			w.failRun(ctx, logger, key.RunID)
		}
		return res, fmt.Errorf("opening %s/%s: %w", ref.Bucket, key.Object, err)
	}
	defer rc.Close()

	logger.Info("ingestion started", "bucket", ref.Bucket)
	start := time.Now()

	batch := make([]json.RawMessage, 0, w.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		t := time.Now()
		_, err := w.writer.WriteBatch(ctx, batch, key.ProjectID, key.FileName)
		metrics.RecordBatch(len(batch), time.Since(t), err)
		if err != nil {
			return fmt.Errorf("writing batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Records += len(batch)
		logger.Debug("batch flushed", "batch", res.Batches, "size", len(batch))
		batch = make([]json.RawMessage, 0, w.batchSize)
		return nil
	}

	r := bufio.NewReader(rc)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if lineNo == 1 {
				line = bytes.TrimPrefix(line, utf8BOM)
			}
			payload, ok := parseLine(line)
			switch {
			case !ok:
				res.Malformed++
				metrics.RecordMalformedLine()
				logger.Warn("skipping malformed line", "line", lineNo)
			case payload == nil:
				// blank line
			default:
				batch = append(batch, payload)
				if len(batch) >= w.batchSize {
					if err := flush(); err != nil {
						metrics.RecordRun(metrics.OutcomeWriteFailed)
						logger.Error("ingestion aborted", "records", res.Records, "error", err)
						return res, err
					}
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			metrics.RecordRun(metrics.OutcomeUnreadable)
			logger.Error("reading uploaded object failed", "line", lineNo, "records", res.Records, "error", readErr)
			return res, fmt.Errorf("reading %s/%s: %w", ref.Bucket, key.Object, readErr)
		}
	}

	if err := flush(); err != nil {
		metrics.RecordRun(metrics.OutcomeWriteFailed)
		logger.Error("ingestion aborted", "records", res.Records, "error", err)
		return res, err
	}

	res.Completed = w.completeRun(ctx, logger, key.RunID)
	if res.Completed {
		metrics.RecordRun(metrics.OutcomeComplete)
	} else {
		metrics.RecordRun(metrics.OutcomeCompletionError)
	}
	logger.Info("ingestion finished",
		"records", res.Records,
		"malformed", res.Malformed,
		"batches", res.Batches,
		"completed", res.Completed,
		"duration", time.Since(start),
	)
	return res, nil
}

// parseLine returns the compacted JSON value of a line. A blank line yields
// (nil, true); an invalid one yields (nil, false).
func parseLine(line []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, true
	}
	if !json.Valid(trimmed) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

// completeRun issues the single COMPLETE update. There is no retry.
func (w *Worker) completeRun(ctx context.Context, logger *slog.Logger, runID string) bool {
	if _, err := w.runs.UpdateRunStatus(ctx, runID, storage.RunComplete); err != nil {
		logger.Error("failed to mark run complete", "error", err)
		return false
	}
	return true
}

func (w *Worker) failRun(ctx context.Context, logger *slog.Logger, runID string) {
	if _, err := w.runs.UpdateRunStatus(ctx, runID, storage.RunFailed); err != nil {
		logger.Error("failed to mark run failed", "error", err)
	}
}
