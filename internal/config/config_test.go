package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is an in-memory SecretStore.
type mockSecrets struct {
	data map[string]string
	err  error
}

func newMockSecrets() *mockSecrets {
	return &mockSecrets{data: map[string]string{}}
}

func (m *mockSecrets) Get(key string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockSecrets) Set(key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) ConfigBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// clearEnv unsets every SEEDLOAD_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), newMockSecrets())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Object.Backend != "minio" {
		t.Errorf("Object.Backend = %q, want minio", cfg.Object.Backend)
	}
	if cfg.Object.KeyPrefix != "seed" {
		t.Errorf("Object.KeyPrefix = %q, want seed", cfg.Object.KeyPrefix)
	}
	if cfg.Trigger.Source != TriggerListen {
		t.Errorf("Trigger.Source = %q, want listen", cfg.Trigger.Source)
	}
	if cfg.Ingest.BatchSize != 500 {
		t.Errorf("Ingest.BatchSize = %d, want 500", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.MarkUnreadableFailed {
		t.Error("Ingest.MarkUnreadableFailed = true, want false")
	}
	d, err := cfg.PollInterval()
	if err != nil || d != 5*time.Second {
		t.Errorf("PollInterval = %v, %v; want 5s", d, err)
	}
	if !strings.HasSuffix(cfg.Storage.DataDir, "seedload") {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
		"server.port": 5000,
		"object.backend": "s3",
		"object.bucket": "seeds",
		"object.use_ssl": "true",
		"trigger.source": "redis",
		"trigger.max_concurrent_runs": "8",
		"ingest.batch_size": 100,
		"ingest.mark_unreadable_failed": true,
		"poll.interval": "250ms",
		"log.level": "debug"
	}`)

	cfg, err := loadWith(b, newMockSecrets())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Object.Backend != "s3" || cfg.Object.Bucket != "seeds" || !cfg.Object.UseSSL {
		t.Errorf("Object = %+v", cfg.Object)
	}
	if cfg.Trigger.Source != TriggerRedis || cfg.Trigger.MaxConcurrentRuns != 8 {
		t.Errorf("Trigger = %+v", cfg.Trigger)
	}
	if cfg.Ingest.BatchSize != 100 || !cfg.Ingest.MarkUnreadableFailed {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if d, _ := cfg.PollInterval(); d != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", d)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "object.bucket": "file-bucket"}`)
	t.Setenv("SEEDLOAD_SERVER_PORT", "6000")
	t.Setenv("SEEDLOAD_OBJECT_BUCKET", "env-bucket")
	t.Setenv("SEEDLOAD_INGEST_MARK_UNREADABLE_FAILED", "true")

	cfg, err := loadWith(b, newMockSecrets())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Object.Bucket != "env-bucket" {
		t.Errorf("Object.Bucket = %q, want env-bucket", cfg.Object.Bucket)
	}
	if !cfg.Ingest.MarkUnreadableFailed {
		t.Error("MarkUnreadableFailed not overridden")
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("SEEDLOAD_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(writeTempConfig(t, `{}`), newMockSecrets())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestSecrets(t *testing.T) {
	clearEnv(t)
	secrets := newMockSecrets()
	secrets.data["object.access_key"] = "file-access"
	secrets.data["object.secret_key"] = "file-secret"
	secrets.data["server.api_token"] = "file-token"
	t.Setenv("SEEDLOAD_OBJECT_SECRET_KEY", "env-secret")

	cfg, err := loadWith(writeTempConfig(t, `{"object.access_key": "ignored"}`), secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Object.AccessKey != "file-access" {
		t.Errorf("AccessKey = %q, want value from secrets file", cfg.Object.AccessKey)
	}
	if cfg.Object.SecretKey != "env-secret" {
		t.Errorf("SecretKey = %q, want env value", cfg.Object.SecretKey)
	}
	if cfg.Server.APIToken != "file-token" {
		t.Errorf("APIToken = %q", cfg.Server.APIToken)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown backend", `{"object.backend": "gcs"}`, "object.backend"},
		{"unknown trigger", `{"trigger.source": "sqs"}`, "trigger.source"},
		{"listen needs minio", `{"object.backend": "s3"}`, "requires object.backend minio"},
		{"zero batch", `{"ingest.batch_size": 0}`, "ingest.batch_size"},
		{"bad interval", `{"poll.interval": "soon"}`, "poll.interval"},
		{"negative interval", `{"poll.interval": "-1s"}`, "poll.interval"},
		{"bad level", `{"log.level": "loud"}`, "log.level"},
		{"empty bucket", `{"object.bucket": ""}`, "object.bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := loadWith(writeTempConfig(t, tt.content), newMockSecrets())
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	secrets := newMockSecrets()

	if err := setKeyWith(b, secrets, "server.port", "7000"); err != nil {
		t.Fatalf("SetKey(server.port): %v", err)
	}
	if err := setKeyWith(b, secrets, "object.use_ssl", "yes"); err == nil {
		t.Error("expected error for invalid bool")
	}
	if err := setKeyWith(b, secrets, "object.use_ssl", "1"); err != nil {
		t.Fatalf("SetKey(object.use_ssl): %v", err)
	}
	if err := setKeyWith(b, secrets, "server.port", "abc"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKeyWith(b, secrets, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKeyWith(b, secrets, "object.secret_key", "s3cr3t"); err != nil {
		t.Fatalf("SetKey(secret): %v", err)
	}
	if secrets.data["object.secret_key"] != "s3cr3t" {
		t.Error("secret was not written to the secret store")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("parsing config file: %v", err)
	}
	if stored["server.port"] != float64(7000) || stored["object.use_ssl"] != "true" {
		t.Errorf("stored = %v", stored)
	}
	if _, ok := stored["object.secret_key"]; ok {
		t.Error("secret leaked into config file")
	}

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(path), secrets)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7000 || !cfg.Object.UseSSL || cfg.Object.SecretKey != "s3cr3t" {
		t.Errorf("reloaded config = %+v", cfg)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Object.SecretKey = "s3cr3t"

	infos := ShowAll(cfg)
	if len(infos) != len(ValidKeys()) {
		t.Fatalf("ShowAll returned %d keys, want %d", len(infos), len(ValidKeys()))
	}
	for _, info := range infos {
		if strings.Contains(info.Value, "s3cr3t") {
			t.Errorf("%s shows secret value", info.Key)
		}
		if info.Key == "object.access_key" && info.Value != "(unset)" {
			t.Errorf("unset secret shown as %q", info.Value)
		}
	}
}

func TestGetAPIToken(t *testing.T) {
	secrets := newMockSecrets()

	token, err := GetAPIToken(secrets)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	again, err := GetAPIToken(secrets)
	if err != nil {
		t.Fatalf("GetAPIToken again: %v", err)
	}
	if again != token {
		t.Error("token changed between calls")
	}

	broken := &mockSecrets{err: errors.New("disk on fire")}
	if _, err := GetAPIToken(broken); err == nil {
		t.Error("expected error from failing store")
	}
}

func TestFileSecretsRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	s := NewSecretStore()

	if _, err := s.Get("server.api_token"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get on empty store = %v, want ErrSecretNotFound", err)
	}
	if err := s.Set("server.api_token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := NewSecretStore().Get("server.api_token")
	if err != nil || v != "abc" {
		t.Errorf("Get = %q, %v", v, err)
	}

	info, err := os.Stat(filepath.Join(os.Getenv("XDG_DATA_HOME"), "seedload", "secrets.json"))
	if err != nil {
		t.Fatalf("stat secrets file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("run complete", "run_id", "run-42")

	if !strings.Contains(stderr.String(), "run_id=run-42") {
		t.Errorf("stderr = %q", stderr.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(file.Bytes(), &entry); err != nil {
		t.Fatalf("file output is not one JSON entry: %v (%q)", err, file.String())
	}
	if entry["msg"] != "run complete" || entry["run_id"] != "run-42" {
		t.Errorf("entry = %v", entry)
	}
	if strings.Contains(stderr.String(), "hidden") {
		t.Error("debug entry written at info level")
	}
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seedload.log")
	logger, cleanup := SetupLogger(LogConfig{Level: "warn", File: path})
	logger.Warn("disk almost full")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"disk almost full"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "": slog.LevelInfo,
		"warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
