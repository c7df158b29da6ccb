package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/seedload/internal/storage"
)

// RecordCreator persists a single seed record.
type RecordCreator interface {
	CreateSeedRecord(ctx context.Context, rec storage.NewSeedRecord) (storage.SeedRecord, error)
}

// BatchWriter turns one batch of parsed lines into concurrent create calls.
type BatchWriter struct {
	records RecordCreator
}

func NewBatchWriter(records RecordCreator) *BatchWriter {
	return &BatchWriter{records: records}
}

// WriteBatch issues one create call per payload, all in flight at once, and
// waits for every call to settle. Concurrency is bounded by the batch length.
// The first failure is returned and the remaining calls see a cancelled context.
func (b *BatchWriter) WriteBatch(ctx context.Context, payloads []json.RawMessage, projectID, fileName string) ([]storage.SeedRecord, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	created := make([]storage.SeedRecord, len(payloads))
	g, gCtx := errgroup.WithContext(ctx)
	for i, payload := range payloads {
		g.Go(func() error {
			rec, err := b.records.CreateSeedRecord(gCtx, storage.NewSeedRecord{
				ProjectID:  projectID,
				SourceFile: fileName,
				Payload:    payload,
			})
			if err != nil {
				return fmt.Errorf("creating record %d of batch: %w", i, err)
			}
			created[i] = rec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return created, nil
}
