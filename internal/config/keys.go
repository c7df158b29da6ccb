package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SEEDLOAD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SEEDLOAD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SEEDLOAD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "object.backend", typ: kString, env: "SEEDLOAD_OBJECT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Object.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Object.Backend },
	},
	{
		key: "object.endpoint", typ: kString, env: "SEEDLOAD_OBJECT_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Object.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Object.Endpoint },
	},
	{
		key: "object.region", typ: kString, env: "SEEDLOAD_OBJECT_REGION",
		apply:   func(cfg *Config, v any) { cfg.Object.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Object.Region },
	},
	{
		key: "object.bucket", typ: kString, env: "SEEDLOAD_OBJECT_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Object.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Object.Bucket },
	},
	{
		key: "object.use_ssl", typ: kBool, env: "SEEDLOAD_OBJECT_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Object.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Object.UseSSL },
	},
	{
		key: "object.key_prefix", typ: kString, env: "SEEDLOAD_OBJECT_KEY_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Object.KeyPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Object.KeyPrefix },
	},
	{
		key: "object.access_key", typ: kString, env: "SEEDLOAD_OBJECT_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Object.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Object.AccessKey },
	},
	{
		key: "object.secret_key", typ: kString, env: "SEEDLOAD_OBJECT_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Object.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Object.SecretKey },
	},
	{
		key: "trigger.source", typ: kString, env: "SEEDLOAD_TRIGGER_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Trigger.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Trigger.Source },
	},
	{
		key: "trigger.redis_addr", typ: kString, env: "SEEDLOAD_TRIGGER_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Trigger.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Trigger.RedisAddr },
	},
	{
		key: "trigger.redis_key", typ: kString, env: "SEEDLOAD_TRIGGER_REDIS_KEY",
		apply:   func(cfg *Config, v any) { cfg.Trigger.RedisKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Trigger.RedisKey },
	},
	{
		key: "trigger.max_concurrent_runs", typ: kInt, env: "SEEDLOAD_TRIGGER_MAX_CONCURRENT_RUNS",
		apply:   func(cfg *Config, v any) { cfg.Trigger.MaxConcurrentRuns = v.(int) },
		extract: func(cfg Config) any { return cfg.Trigger.MaxConcurrentRuns },
	},
	{
		key: "ingest.batch_size", typ: kInt, env: "SEEDLOAD_INGEST_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BatchSize },
	},
	{
		key: "ingest.mark_unreadable_failed", typ: kBool, env: "SEEDLOAD_INGEST_MARK_UNREADABLE_FAILED",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MarkUnreadableFailed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.MarkUnreadableFailed },
	},
	{
		key: "poll.interval", typ: kString, env: "SEEDLOAD_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "log.level", typ: kString, env: "SEEDLOAD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "SEEDLOAD_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secret keys the environment left empty from the
// secrets file.
func applySecrets(cfg *Config, secrets SecretStore) {
	if secrets == nil {
		return
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
