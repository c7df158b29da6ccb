package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/kalambet/seedload/internal/metrics"
)

// Listener subscribes to bucket notifications.
type Listener interface {
	Listen(ctx context.Context, bucket, prefix string) <-chan notification.Info
}

// MinioSource follows a bucket's notification stream, re-subscribing
// whenever the stream ends before the context does.
type MinioSource struct {
	listener Listener
	bucket   string
	prefix   string
	retry    time.Duration
	logger   *slog.Logger
}

func NewMinioSource(listener Listener, bucket, prefix string, logger *slog.Logger) *MinioSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioSource{
		listener: listener,
		bucket:   bucket,
		prefix:   prefix,
		retry:    3 * time.Second,
		logger:   logger,
	}
}

func (s *MinioSource) Name() string { return SourceListen }

func (s *MinioSource) Run(ctx context.Context, out chan<- Event) error {
	for {
		s.logger.Info("listening for bucket notifications", "bucket", s.bucket, "prefix", s.prefix)
		for info := range s.listener.Listen(ctx, s.bucket, s.prefix) {
			if info.Err != nil {
				s.logger.Warn("bucket notification error", "bucket", s.bucket, "error", info.Err)
				continue
			}
			for _, ev := range FromInfo(info, SourceListen) {
				metrics.RecordEvent(SourceListen)
				select {
				case out <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retry):
		}
		s.logger.Warn("notification stream closed, re-subscribing", "bucket", s.bucket)
	}
}
