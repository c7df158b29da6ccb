// Package objectstore reads and writes uploaded seed files in S3-compatible storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectNotFound is returned by Open when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Store is the subset of object storage the ingestion pipeline needs.
type Store interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // "minio" or "s3"
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

const ndjsonContentType = "application/x-ndjson"

// New builds the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "minio":
		return NewMinio(cfg)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown object backend %q", cfg.Backend)
	}
}
