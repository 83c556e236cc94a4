package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModelBackendLocal = "local"
	ModelBackendGRPC  = "grpc"
)

// ConfigurationError reports a missing or inconsistent setting.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Key, e.Reason)
}

// Config is built once at startup and handed to every component that needs it.
type Config struct {
	Host  string
	Port  int
	Debug bool

	DatabaseURL string
	RedisAddr   string

	JWTSecret    string
	JWTAlgorithm string
	JWTExpiry    time.Duration
	AuthEnabled  bool

	ModelPath            string
	ModelRequired        bool
	ModelSeed            int64
	ModelBackend         string
	ModelServerAddr      string
	ImageSize            int
	BatchSize            int
	InferenceConcurrency int

	AlertThreshold float64
	AlertCooldown  time.Duration

	DownloadTimeout time.Duration
	MaxImageBytes   int64
	MaxImagePixels  int64
	RetentionDays   int

	SatelliteAPIURL string
	SatelliteAPIKey string

	FCMServerKey         string
	FCMTopic             string
	NotificationsEnabled bool

	LogLevel string
	LogFile  string
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := Config{
		Host:  getEnv("HOST", "0.0.0.0"),
		Port:  env.Int("PORT", 8000),
		Debug: env.Bool("DEBUG", false),

		DatabaseURL: getEnv("DATABASE_URL", "sqlite://glof.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		JWTSecret:    os.Getenv("JWT_SECRET_KEY"),
		JWTAlgorithm: getEnv("JWT_ALGORITHM", "HS256"),
		JWTExpiry:    time.Duration(env.Int("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute,
		AuthEnabled:  env.Bool("AUTH_ENABLED", false),

		ModelPath:            getEnv("MODEL_PATH", "models/glof_model.bin"),
		ModelRequired:        env.Bool("MODEL_REQUIRED", false),
		ModelSeed:            int64(env.Int("MODEL_SEED", 42)),
		ModelBackend:         strings.ToLower(getEnv("MODEL_BACKEND", ModelBackendLocal)),
		ModelServerAddr:      os.Getenv("MODEL_SERVER_ADDR"),
		ImageSize:            env.Int("IMAGE_SIZE", 224),
		BatchSize:            env.Int("BATCH_SIZE", 32),
		InferenceConcurrency: env.Int("INFERENCE_CONCURRENCY", runtime.NumCPU()),

		AlertThreshold: env.Float("ALERT_THRESHOLD", 0.7),
		AlertCooldown:  time.Duration(env.Int("ALERT_COOLDOWN_MINUTES", 60)) * time.Minute,

		DownloadTimeout: env.Duration("DOWNLOAD_TIMEOUT", 15*time.Second),
		MaxImageBytes:   int64(env.Int("MAX_IMAGE_BYTES", 20<<20)),
		MaxImagePixels:  int64(env.Int("MAX_IMAGE_PIXELS", 40_000_000)),
		RetentionDays:   env.Int("RETENTION_DAYS", 90),

		SatelliteAPIURL: getEnv("SATELLITE_API_URL", "https://api.satellite-data.com"),
		SatelliteAPIKey: os.Getenv("SATELLITE_API_KEY"),

		FCMServerKey:         os.Getenv("FCM_SERVER_KEY"),
		FCMTopic:             getEnv("FCM_TOPIC", "glof-alerts"),
		NotificationsEnabled: env.Bool("NOTIFICATIONS_ENABLED", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),
	}

	if env.err != nil {
		return Config{}, env.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that enabled features have what they need.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return &ConfigurationError{Key: "PORT", Reason: fmt.Sprintf("out of range: %d", c.Port)}
	case c.AuthEnabled && strings.TrimSpace(c.JWTSecret) == "":
		return &ConfigurationError{Key: "JWT_SECRET_KEY", Reason: "required when AUTH_ENABLED is set"}
	case c.AuthEnabled && c.JWTAlgorithm != "HS256":
		return &ConfigurationError{Key: "JWT_ALGORITHM", Reason: fmt.Sprintf("unsupported algorithm %q", c.JWTAlgorithm)}
	case c.NotificationsEnabled && strings.TrimSpace(c.FCMServerKey) == "":
		return &ConfigurationError{Key: "FCM_SERVER_KEY", Reason: "required when NOTIFICATIONS_ENABLED is set"}
	case c.ModelBackend != ModelBackendLocal && c.ModelBackend != ModelBackendGRPC:
		return &ConfigurationError{Key: "MODEL_BACKEND", Reason: fmt.Sprintf("unknown backend %q", c.ModelBackend)}
	case c.ModelBackend == ModelBackendGRPC && c.ModelServerAddr == "":
		return &ConfigurationError{Key: "MODEL_SERVER_ADDR", Reason: "required for the grpc model backend"}
	case c.ImageSize <= 0:
		return &ConfigurationError{Key: "IMAGE_SIZE", Reason: "must be positive"}
	case c.BatchSize <= 0:
		return &ConfigurationError{Key: "BATCH_SIZE", Reason: "must be positive"}
	case c.InferenceConcurrency <= 0:
		return &ConfigurationError{Key: "INFERENCE_CONCURRENCY", Reason: "must be positive"}
	case math.IsNaN(c.AlertThreshold) || c.AlertThreshold < 0 || c.AlertThreshold > 1:
		return &ConfigurationError{Key: "ALERT_THRESHOLD", Reason: "must be within [0,1]"}
	case c.AlertCooldown < 0:
		return &ConfigurationError{Key: "ALERT_COOLDOWN_MINUTES", Reason: "must not be negative"}
	case c.DownloadTimeout <= 0:
		return &ConfigurationError{Key: "DOWNLOAD_TIMEOUT", Reason: "must be positive"}
	case c.MaxImageBytes <= 0:
		return &ConfigurationError{Key: "MAX_IMAGE_BYTES", Reason: "must be positive"}
	case c.MaxImagePixels <= 0:
		return &ConfigurationError{Key: "MAX_IMAGE_PIXELS", Reason: "must be positive"}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envReader parses typed settings and keeps the first malformed one.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (r *envReader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = &ConfigurationError{Key: key, Reason: fmt.Sprintf("cannot parse %q: %v", value, err)}
	}
}

func (r *envReader) Int(key string, fallback int) int {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return n
}

func (r *envReader) Float(key string, fallback float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		err = errors.New("not a finite number")
	}
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return f
}

func (r *envReader) Bool(key string, fallback bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return b
}

func (r *envReader) Duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return d
}
