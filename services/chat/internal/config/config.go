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

// ConfigPath is the default config location, overridable by CHAT_CONFIG.
var ConfigPath = envOr("CHAT_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	// GeminiAPIKey may be empty; turns then fail with a configuration message.
	GeminiAPIKey       string `yaml:"geminiAPIKey"`
	DefaultModel       string `yaml:"defaultModel"`
	DefaultVoice       string `yaml:"defaultVoice"`
	SpeechModel        string `yaml:"speechModel"`
	TranscriptionModel string `yaml:"transcriptionModel"`
	VideoPollInterval  string `yaml:"videoPollInterval"`

	// GeminiRequestsPerSecond paces gateway calls for the whole process.
	GeminiRequestsPerSecond float64 `yaml:"geminiRequestsPerSecond"`
	// MaxVideoBytes caps a generated video download; zero uses the gateway default.
	MaxVideoBytes int64 `yaml:"maxVideoBytes"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioRegion    string `yaml:"minioRegion"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MediaLinkTTL   string `yaml:"mediaLinkTTL"`

	TurnRateLimitPerMinute int      `yaml:"turnRateLimitPerMinute"`
	OutboxShards           int      `yaml:"outboxShards"`
	IdleSessionTTL         string   `yaml:"idleSessionTTL"`
	CORSOrigins            []string `yaml:"corsOrigins"`
}

// MediaEnabled reports whether generated videos are re-hosted in MinIO.
func (c FileConfig) MediaEnabled() bool {
	return c.MinioEndpoint != "" && c.MinioBucket != ""
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
		"CHAT_PORT":                  &cfg.Port,
		"DATABASE_URL":               &cfg.DatabaseURL,
		"REDIS_ADDR":                 &cfg.RedisAddr,
		"REDIS_PASSWORD":             &cfg.RedisPassword,
		"LOG_LEVEL":                  &cfg.LogLevel,
		"JWT_SECRET":                 &cfg.JWTSecret,
		"JWT_ISSUER":                 &cfg.JWTIssuer,
		"JWT_AUDIENCE":               &cfg.JWTAudience,
		"JWT_LEEWAY":                 &cfg.JWTLeeway,
		"GEMINI_API_KEY":             &cfg.GeminiAPIKey,
		"GEMINI_DEFAULT_MODEL":       &cfg.DefaultModel,
		"GEMINI_DEFAULT_VOICE":       &cfg.DefaultVoice,
		"GEMINI_SPEECH_MODEL":        &cfg.SpeechModel,
		"GEMINI_TRANSCRIPTION_MODEL": &cfg.TranscriptionModel,
		"VIDEO_POLL_INTERVAL":        &cfg.VideoPollInterval,
		"MINIO_ENDPOINT":             &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":           &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":           &cfg.MinioSecretKey,
		"MINIO_BUCKET":               &cfg.MinioBucket,
		"MINIO_REGION":               &cfg.MinioRegion,
		"MEDIA_LINK_TTL":             &cfg.MediaLinkTTL,
		"IDLE_SESSION_TTL":           &cfg.IdleSessionTTL,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("CHAT_TURN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TurnRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_OUTBOX_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OutboxShards = n
		}
	}
	if v := os.Getenv("GEMINI_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.GeminiRequestsPerSecond = f
		}
	}
	if v := os.Getenv("GEMINI_MAX_VIDEO_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxVideoBytes = n
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
	if cfg.TurnRateLimitPerMinute < 0 {
		return errors.New("config: turnRateLimitPerMinute must be >= 0")
	}
	if cfg.GeminiRequestsPerSecond < 0 {
		return errors.New("config: geminiRequestsPerSecond must be >= 0")
	}
	if cfg.MaxVideoBytes < 0 {
		return errors.New("config: maxVideoBytes must be >= 0")
	}
	if cfg.OutboxShards < 0 {
		return errors.New("config: outboxShards must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required with minioEndpoint")
	}
	durations := map[string]string{
		"jwtLeeway":         cfg.JWTLeeway,
		"videoPollInterval": cfg.VideoPollInterval,
		"mediaLinkTTL":      cfg.MediaLinkTTL,
		"idleSessionTTL":    cfg.IdleSessionTTL,
	}
	for field, raw := range durations {
		if _, err := ParseDuration(field, raw); err != nil {
			return err
		}
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
