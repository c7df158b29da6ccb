package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Object  ObjectConfig
	Trigger TriggerConfig
	Ingest  IngestConfig
	Poll    PollConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ObjectConfig struct {
	Backend   string
	Endpoint  string
	Region    string
	Bucket    string
	UseSSL    bool
	KeyPrefix string
	AccessKey string
	SecretKey string
}

type TriggerConfig struct {
	Source            string
	RedisAddr         string
	RedisKey          string
	MaxConcurrentRuns int
}

type IngestConfig struct {
	BatchSize            int
	MarkUnreadableFailed bool
}

type PollConfig struct {
	Interval string
}

type LogConfig struct {
	Level string
	File  string
}

// Trigger sources.
const (
	TriggerListen  = "listen"
	TriggerRedis   = "redis"
	TriggerWebhook = "webhook"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Object: ObjectConfig{
			Backend:   "minio",
			Endpoint:  "localhost:9000",
			Region:    "us-east-1",
			Bucket:    "seedload",
			KeyPrefix: "seed",
		},
		Trigger: TriggerConfig{
			Source:            TriggerListen,
			RedisAddr:         "localhost:6379",
			RedisKey:          "seedload:events",
			MaxConcurrentRuns: 4,
		},
		Ingest: IngestConfig{
			BatchSize: 500,
		},
		Poll: PollConfig{
			Interval: "5s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, environment variables
// and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/seedload/config.json and secrets
// at $XDG_DATA_HOME/seedload/secrets.json. Environment variables (SEEDLOAD_*)
// override both.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Object.Backend {
	case "minio", "s3":
	default:
		return fmt.Errorf("object.backend must be minio or s3, got %q", c.Object.Backend)
	}
	switch c.Trigger.Source {
	case TriggerListen, TriggerRedis, TriggerWebhook:
	default:
		return fmt.Errorf("trigger.source must be listen, redis or webhook, got %q", c.Trigger.Source)
	}
	if c.Trigger.Source == TriggerListen && c.Object.Backend != "minio" {
		return fmt.Errorf("trigger.source %q requires object.backend minio", TriggerListen)
	}
	if c.Object.Bucket == "" {
		return fmt.Errorf("object.bucket must not be empty")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// PollInterval parses poll.interval.
func (c Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Poll.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid poll.interval %q: %w", c.Poll.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll.interval must be positive, got %s", d)
	}
	return d, nil
}
