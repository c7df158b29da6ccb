package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/seedload/internal/metrics"
)

// RedisSource pops notifications from a Redis list fed by a MinIO Redis
// target.
type RedisSource struct {
	client  redis.Cmdable
	key     string
	timeout time.Duration
	retry   time.Duration
	logger  *slog.Logger
}

func NewRedisSource(client redis.Cmdable, key string, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{
		client:  client,
		key:     key,
		timeout: 5 * time.Second,
		retry:   3 * time.Second,
		logger:  logger,
	}
}

func (s *RedisSource) Name() string { return SourceRedis }

func (s *RedisSource) Run(ctx context.Context, out chan<- Event) error {
	s.logger.Info("waiting for notifications", "redis_key", s.key)
	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := s.client.BLPop(ctx, s.timeout, s.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("redis pop failed", "redis_key", s.key, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.retry):
			}
			continue
		}
		// BLPOP replies with [key, value].
		if len(result) < 2 {
			continue
		}

		events, err := DecodeNotification([]byte(result[1]), SourceRedis)
		if err != nil {
			s.logger.Warn("dropping undecodable notification", "redis_key", s.key, "error", err)
			continue
		}
		for _, ev := range events {
			metrics.RecordEvent(SourceRedis)
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
