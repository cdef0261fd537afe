package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
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

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, "port: \"8081\"\njwtSecret: \""+testSecret+"\"\nloginRateLimitPerMinute: 5\n")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("AUTH_LOGIN_RATE_LIMIT_PER_MINUTE", "12")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("expected env redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.LoginRateLimitPerMinute != 12 {
		t.Fatalf("expected env login limit, got %d", cfg.LoginRateLimitPerMinute)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	path := writeConfig(t, "port: \"8081\"\njwtSecret: short\n")
	t.Setenv("JWT_SECRET", "")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "jwtSecret") {
		t.Fatalf("expected jwtSecret error, got %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("tokenTTL", ""); err != nil || d != 0 {
		t.Fatalf("empty duration: %v %v", d, err)
	}
	if d, err := ParseDuration("tokenTTL", "24h"); err != nil || d != 24*time.Hour {
		t.Fatalf("24h: %v %v", d, err)
	}
	if _, err := ParseDuration("tokenTTL", "soon"); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}
