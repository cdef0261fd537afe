package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable by AUTH_CONFIG.
var ConfigPath = envOr("AUTH_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`

	TokenTTL    string `yaml:"tokenTTL"`
	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	OAuthProvider string `yaml:"oauthProvider"`
	OAuthClientID string `yaml:"oauthClientID"`
	OAuthJWKSURL  string `yaml:"oauthJWKSURL"`

	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
	CORSOrigins                []string `yaml:"corsOrigins"`
}

// Load reads config from path (defaults to ConfigPath). A .env file next to
// the process is loaded first when present; real environment wins.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	overrides := map[string]*string{
		"AUTH_PORT":       &cfg.Port,
		"DATABASE_URL":    &cfg.DatabaseURL,
		"REDIS_ADDR":      &cfg.RedisAddr,
		"REDIS_PASSWORD":  &cfg.RedisPassword,
		"LOG_LEVEL":       &cfg.LogLevel,
		"AUTH_TOKEN_TTL":  &cfg.TokenTTL,
		"JWT_SECRET":      &cfg.JWTSecret,
		"JWT_ISSUER":      &cfg.JWTIssuer,
		"JWT_AUDIENCE":    &cfg.JWTAudience,
		"JWT_LEEWAY":      &cfg.JWTLeeway,
		"OAUTH_PROVIDER":  &cfg.OAuthProvider,
		"OAUTH_CLIENT_ID": &cfg.OAuthClientID,
		"OAUTH_JWKS_URL":  &cfg.OAuthJWKSURL,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("AUTH_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("AUTH_REGISTER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return errors.New("config: jwtSecret must be at least 32 characters (set JWT_SECRET)")
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if _, err := ParseDuration("tokenTTL", cfg.TokenTTL); err != nil {
		return err
	}
	if _, err := ParseDuration("jwtLeeway", cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// ParseDuration parses an optional duration string; empty yields zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", field)
	}
	return dur, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
