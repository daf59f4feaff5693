package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings of the review service.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	JWTSecret          string
	SessionTokenTTL    time.Duration
	SessionIdleTimeout time.Duration
	MaxUploadBytes     int64

	// Optional backends. Empty disables the feature.
	RedisAddr   string
	DatabaseDSN string

	InferenceAddr      string
	InferenceServeAddr string
	InferenceDevice    string
	InferenceSaliency  bool
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an environment lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}

	cfg := &Config{
		HTTPAddr:           r.str("HTTP_ADDR", ":8080"),
		ShutdownTimeout:    r.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:           r.str("LOG_LEVEL", "info"),
		JWTSecret:          r.str("JWT_SECRET", "dev-secret"),
		SessionTokenTTL:    r.duration("SESSION_TOKEN_TTL", 12*time.Hour),
		SessionIdleTimeout: r.duration("SESSION_IDLE_TIMEOUT", 0),
		MaxUploadBytes:     r.integer("MAX_UPLOAD_BYTES", 32<<20),
		RedisAddr:          r.str("REDIS_ADDR", ""),
		DatabaseDSN:        r.str("DATABASE_DSN", ""),
		InferenceAddr:      r.str("INFERENCE_ADDR", ""),
		InferenceServeAddr: r.str("INFERENCE_SERVE_ADDR", ""),
		InferenceDevice:    r.str("INFERENCE_DEVICE", "cpu"),
		InferenceSaliency:  r.boolean("INFERENCE_SALIENCY", false),
	}
	if r.err != nil {
		return nil, r.err
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", cfg.MaxUploadBytes)
	}
	if cfg.SessionTokenTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TOKEN_TTL must be positive, got %s", cfg.SessionTokenTTL)
	}
	return cfg, nil
}

// reader keeps the first parse error so Load can report it once.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	value, ok := r.lookup(key)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func (r *reader) str(key, fallback string) string {
	if value, ok := r.raw(key); ok {
		return value
	}
	return fallback
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int64) int64 {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}
	return n
}

func (r *reader) boolean(key string, fallback bool) bool {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, value, err)
		return fallback
	}
	return b
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
