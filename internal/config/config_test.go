package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory Backend.
type memBackend map[string]any

func newMemBackend() memBackend { return memBackend{} }

func (m memBackend) Lookup(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func (m memBackend) Store(key string, v any) error { m[key] = v; return nil }
func (m memBackend) Remove(key string) error       { delete(m, key); return nil }

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("Scheduler.MaxRetries = %d, want 3", cfg.Scheduler.MaxRetries)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Summarize.MaxLength != 500 {
		t.Errorf("Summarize.MaxLength = %d, want 500", cfg.Summarize.MaxLength)
	}
	if cfg.Executor.RetentionSchedule != "0 2 * * *" {
		t.Errorf("Executor.RetentionSchedule = %q, want %q", cfg.Executor.RetentionSchedule, "0 2 * * *")
	}
	if cfg.Engine.Backend != "ollama" {
		t.Errorf("Engine.Backend = %q, want ollama", cfg.Engine.Backend)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	b := newMemBackend()
	b["server.port"] = 9000
	b["ollama.model"] = "file-model"

	t.Setenv("CMDSCHED_SERVER_PORT", "9100")
	t.Setenv("CMDSCHED_OLLAMA_MODEL", "env-model")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Ollama.Model != "env-model" {
		t.Errorf("Ollama.Model = %q, want env-model", cfg.Ollama.Model)
	}
}

func TestEnvOverride_InvalidIntKeepsValue(t *testing.T) {
	b := newMemBackend()
	b["executor.workers"] = 6
	t.Setenv("CMDSCHED_EXECUTOR_WORKERS", "many")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Executor.Workers != 6 {
		t.Errorf("Executor.Workers = %d, want 6", cfg.Executor.Workers)
	}
}

func TestSecretsIgnoredFromBackend(t *testing.T) {
	b := newMemBackend()
	b["smtp.password"] = "from-file"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Password != "" {
		t.Errorf("SMTP.Password = %q, want empty (secrets come from env only)", cfg.SMTP.Password)
	}

	t.Setenv("CMDSCHED_SMTP_PASSWORD", "from-env")
	cfg, err = loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Password != "from-env" {
		t.Errorf("SMTP.Password = %q, want from-env", cfg.SMTP.Password)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(b memBackend)
		wantErr string
	}{
		{"gemini without key", func(b memBackend) { b["engine.backend"] = "gemini" }, "Gemini API key"},
		{"unknown backend", func(b memBackend) { b["engine.backend"] = "mlx" }, "engine.backend"},
		{"zero workers", func(b memBackend) { b["executor.workers"] = 0 }, "executor.workers"},
		{"bad timezone", func(b memBackend) { b["scheduler.timezone"] = "Mars/Olympus" }, "scheduler.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newMemBackend()
			tt.setup(b)
			_, err := loadWith(b)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("loadWith error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := defaults()
	cfg.Scheduler.Timezone = "Asia/Seoul"
	if got := cfg.Location().String(); got != "Asia/Seoul" {
		t.Errorf("Location() = %q, want Asia/Seoul", got)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("k", "250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("Duration(250ms) = %v", got)
	}
	if got := Duration("k", "", time.Second); got != time.Second {
		t.Errorf("Duration(empty) = %v, want default", got)
	}
	if got := Duration("k", "soon", time.Second); got != time.Second {
		t.Errorf("Duration(invalid) = %v, want default", got)
	}
}

func TestFileBackend_NestedYAML(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
server:
  port: 9443
scheduler:
  timezone: Asia/Seoul
retrieval.top_k: 8
`)
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9443 {
		t.Errorf("Server.Port = %d, want 9443", cfg.Server.Port)
	}
	if cfg.Scheduler.Timezone != "Asia/Seoul" {
		t.Errorf("Scheduler.Timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("Retrieval.TopK = %d, want 8", cfg.Retrieval.TopK)
	}
}

func TestFileBackend_JSON(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{"server.port": 7000, "log.level": "debug"}`)
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Log.Level != "debug" {
		t.Errorf("Server.Port/Log.Level = %d/%q", cfg.Server.Port, cfg.Log.Level)
	}
}

func TestFileBackend_InvalidInt(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", "server.port: 12.5\n")
	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Error("expected error for fractional port")
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdsched", "config.yaml")
	b := newFileBackend(path)

	if err := setKey(b, "executor.workers", "8"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "log.level", "debug"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Executor.Workers != 8 {
		t.Errorf("Executor.Workers = %d, want 8", cfg.Executor.Workers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestSetKey_Errors(t *testing.T) {
	b := newMemBackend()
	if err := setKey(b, "smtp.password", "x"); err == nil || !strings.Contains(err.Error(), "CMDSCHED_SMTP_PASSWORD") {
		t.Errorf("setKey(secret) error = %v", err)
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("setKey(unknown) should fail")
	}
	if err := setKey(b, "server.port", "eighty"); err == nil {
		t.Error("setKey(non-integer) should fail")
	}
	if err := setKey(b, "executor.backoff_max", "a while"); err == nil {
		t.Error("setKey(bad duration) should fail")
	}
	if err := setKey(b, "executor.retention_schedule", "every night"); err == nil {
		t.Error("setKey(bad cron) should fail")
	}
	if len(b) != 0 {
		t.Errorf("rejected values were stored: %v", b)
	}
}

func TestSetKey_TypedValues(t *testing.T) {
	b := newMemBackend()
	for key, val := range map[string]string{
		"server.port":                 "9090",
		"executor.lease_timeout":      "90s",
		"executor.liveness_schedule":  "@every 30s",
		"executor.retention_schedule": "30 3 * * *",
	} {
		if err := setKey(b, key, val); err != nil {
			t.Fatalf("setKey(%s=%s): %v", key, val, err)
		}
	}
	if b["server.port"] != 9090 {
		t.Errorf("server.port stored as %#v, want int 9090", b["server.port"])
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.LeaseTimeout != "90s" || cfg.Executor.RetentionSchedule != "30 3 * * *" {
		t.Errorf("Executor = %+v", cfg.Executor)
	}
}

func TestUnsetKey(t *testing.T) {
	b := newMemBackend()
	if err := setKey(b, "executor.workers", "12"); err != nil {
		t.Fatal(err)
	}
	if err := unsetKey(b, "executor.workers"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.Workers != defaults().Executor.Workers {
		t.Errorf("Executor.Workers = %d, want default %d", cfg.Executor.Workers, defaults().Executor.Workers)
	}
	if err := unsetKey(b, "telegram.token"); err == nil {
		t.Error("unsetKey(secret) should fail")
	}
}

func TestEnvOverride_InvalidDurationIgnored(t *testing.T) {
	t.Setenv("CMDSCHED_EXECUTOR_TASK_TIMEOUT", "forever")
	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.TaskTimeout != defaults().Executor.TaskTimeout {
		t.Errorf("TaskTimeout = %q, want default", cfg.Executor.TaskTimeout)
	}
}

func TestFileBackend_InvalidSchedule(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", "executor:\n  retention_schedule: sometimes\n")
	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Error("expected error for invalid cron schedule")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Gemini.APIKey = "sekret"
	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Value, "sekret") {
			t.Errorf("ShowAll leaked secret under %s", ki.Key)
		}
	}
	for _, k := range ValidKeys() {
		if k == "gemini.api_key" {
			t.Error("ValidKeys includes a secret key")
		}
	}
}

func TestAPIToken(t *testing.T) {
	dir := t.TempDir()
	cfg := defaults()
	cfg.Storage.DataDir = dir

	first, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	info, err := os.Stat(filepath.Join(dir, tokenFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v", info.Mode().Perm())
	}

	second, err := APIToken(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("token should be stable across calls")
	}

	cfg.Server.APIToken = "from-env"
	if tok, _ := APIToken(cfg); tok != "from-env" {
		t.Errorf("configured token ignored, got %q", tok)
	}
}
