package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// Exactly one of EncryptionKey or the passphrase pair is set.
	EncryptionKey        string
	EncryptionPassphrase string
	EncryptionSalt       string

	ProvidersFile   string
	DefaultTimeout  time.Duration
	MaxRequestBytes int64
	MaxStreamBytes  int64
	TokenEstimator  string

	HealthFlushDelay    time.Duration
	HealthRetention     time.Duration
	HealthPruneSchedule string

	// RedisAddr enables spend counters when set.
	RedisAddr string

	// RateLimitRPS > 0 enables per-credential rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Security & hardening.
	AdminToken  string   // empty disables /admin/v1
	CORSOrigins []string // allowed CORS origins; empty = ["*"]

	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRatio float64
}

// LoadConfig reads RELAY_* variables after loading an optional .env file
// from the working directory.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Config{
		ListenAddr: getEnv("RELAY_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("RELAY_LOG_LEVEL", "info"),
		DBDSN:      getEnv("RELAY_DB_DSN", "file:/data/relay.sqlite"),

		EncryptionKey:        getEnv("RELAY_ENCRYPTION_KEY", ""),
		EncryptionPassphrase: getEnv("RELAY_ENCRYPTION_PASSPHRASE", ""),
		EncryptionSalt:       getEnv("RELAY_ENCRYPTION_SALT", ""),

		ProvidersFile:   getEnv("RELAY_PROVIDERS_FILE", ""),
		DefaultTimeout:  getEnvDuration("RELAY_DEFAULT_TIMEOUT", 120*time.Second),
		MaxRequestBytes: getEnvInt64("RELAY_MAX_REQUEST_BYTES", 32<<20),
		MaxStreamBytes:  getEnvInt64("RELAY_MAX_STREAM_BYTES", 100<<20),
		TokenEstimator:  getEnv("RELAY_TOKEN_ESTIMATOR", "tiktoken"),

		HealthFlushDelay:    getEnvDuration("RELAY_HEALTH_FLUSH_DELAY", 500*time.Millisecond),
		HealthRetention:     getEnvDuration("RELAY_HEALTH_RETENTION", 48*time.Hour),
		HealthPruneSchedule: getEnv("RELAY_HEALTH_PRUNE_SCHEDULE", "@every 1h"),

		RedisAddr: getEnv("RELAY_REDIS_ADDR", ""),

		RateLimitRPS:   getEnvFloat("RELAY_RATE_LIMIT_RPS", 0),
		RateLimitBurst: int(getEnvInt64("RELAY_RATE_LIMIT_BURST", 0)),

		AdminToken:  getEnv("RELAY_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("RELAY_CORS_ORIGINS", nil),

		OTelEnabled:     getEnvBool("RELAY_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("RELAY_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("RELAY_OTEL_SERVICE_NAME", "relay"),
		OTelSampleRatio: getEnvFloat("RELAY_OTEL_SAMPLE_RATIO", 1.0),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	hasKey := c.EncryptionKey != ""
	hasPass := c.EncryptionPassphrase != "" || c.EncryptionSalt != ""
	switch {
	case hasKey && hasPass:
		return errors.New("set either RELAY_ENCRYPTION_KEY or RELAY_ENCRYPTION_PASSPHRASE/RELAY_ENCRYPTION_SALT, not both")
	case !hasKey && !hasPass:
		return errors.New("RELAY_ENCRYPTION_KEY or RELAY_ENCRYPTION_PASSPHRASE/RELAY_ENCRYPTION_SALT is required")
	case hasPass && (c.EncryptionPassphrase == "" || c.EncryptionSalt == ""):
		return errors.New("RELAY_ENCRYPTION_PASSPHRASE and RELAY_ENCRYPTION_SALT must be set together")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("RELAY_DEFAULT_TIMEOUT must be > 0, got %s", c.DefaultTimeout)
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_REQUEST_BYTES must be > 0, got %d", c.MaxRequestBytes)
	}
	if c.MaxStreamBytes < 0 {
		return fmt.Errorf("RELAY_MAX_STREAM_BYTES must be >= 0, got %d", c.MaxStreamBytes)
	}
	if c.HealthFlushDelay <= 0 {
		return fmt.Errorf("RELAY_HEALTH_FLUSH_DELAY must be > 0, got %s", c.HealthFlushDelay)
	}
	if c.HealthRetention <= 0 {
		return fmt.Errorf("RELAY_HEALTH_RETENTION must be > 0, got %s", c.HealthRetention)
	}
	if c.HealthPruneSchedule != "" {
		if _, err := cron.ParseStandard(c.HealthPruneSchedule); err != nil {
			return fmt.Errorf("RELAY_HEALTH_PRUNE_SCHEDULE: %w", err)
		}
	}
	switch c.TokenEstimator {
	case "tiktoken", "chars":
	default:
		return fmt.Errorf("RELAY_TOKEN_ESTIMATOR must be tiktoken or chars, got %q", c.TokenEstimator)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RELAY_RATE_LIMIT_RPS and RELAY_RATE_LIMIT_BURST must be >= 0")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("RELAY_OTEL_SAMPLE_RATIO must be within [0,1], got %v", c.OTelSampleRatio)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
