package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutGeminiKey(t *testing.T) {
	path := writeConfig(t, "port: \"8082\"\njwtSecret: \""+testSecret+"\"\n")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("a missing key must not stop startup: %v", err)
	}
	if cfg.GeminiAPIKey != "" || cfg.MediaEnabled() {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, "port: \"8082\"\njwtSecret: \""+testSecret+"\"\nturnRateLimitPerMinute: 10\n")
	t.Setenv("GEMINI_API_KEY", "key-from-env")
	t.Setenv("CHAT_TURN_RATE_LIMIT_PER_MINUTE", "30")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_BUCKET", "media")
	t.Setenv("MINIO_ACCESS_KEY", "access")
	t.Setenv("MINIO_SECRET_KEY", "secret")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("GEMINI_MAX_VIDEO_BYTES", "1048576")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GeminiAPIKey != "key-from-env" {
		t.Fatalf("expected env api key, got %q", cfg.GeminiAPIKey)
	}
	if cfg.TurnRateLimitPerMinute != 30 {
		t.Fatalf("expected env turn limit, got %d", cfg.TurnRateLimitPerMinute)
	}
	if cfg.MaxVideoBytes != 1<<20 {
		t.Fatalf("expected env video cap, got %d", cfg.MaxVideoBytes)
	}
	if !cfg.MediaEnabled() || !cfg.MinioUseSSL {
		t.Fatalf("expected media enabled with ssl: %+v", cfg)
	}
}

func TestLoadRejectsPartialMinio(t *testing.T) {
	path := writeConfig(t, "port: \"8082\"\njwtSecret: \""+testSecret+"\"\nminioEndpoint: minio:9000\n")
	for _, key := range []string{"MINIO_BUCKET", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY"} {
		t.Setenv(key, "")
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "minioBucket") {
		t.Fatalf("expected minio error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "port: \"8082\"\njwtSecret: \""+testSecret+"\"\nvideoPollInterval: often\n")
	t.Setenv("VIDEO_POLL_INTERVAL", "")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "videoPollInterval") {
		t.Fatalf("expected duration error, got %v", err)
	}
}
