package config

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ALERT_THRESHOLD", "ALERT_COOLDOWN_MINUTES", "AUTH_ENABLED", "MODEL_BACKEND", "IMAGE_SIZE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults to load, got %v", err)
	}
	if cfg.Port != 8000 {
		t.Fatalf("expected port 8000, got %d", cfg.Port)
	}
	if cfg.AlertThreshold != 0.7 {
		t.Fatalf("expected threshold 0.7, got %v", cfg.AlertThreshold)
	}
	if cfg.AlertCooldown != 60*time.Minute {
		t.Fatalf("expected 60m cooldown, got %v", cfg.AlertCooldown)
	}
	if cfg.ImageSize != 224 || cfg.BatchSize != 32 {
		t.Fatalf("unexpected model sizes: %d %d", cfg.ImageSize, cfg.BatchSize)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Fatalf("unexpected addr: %s", cfg.Addr())
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("ALERT_THRESHOLD", "0.55")
	t.Setenv("ALERT_COOLDOWN_MINUTES", "5")
	t.Setenv("DOWNLOAD_TIMEOUT", "3s")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9001 || cfg.AlertThreshold != 0.55 || cfg.AlertCooldown != 5*time.Minute {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.DownloadTimeout != 3*time.Second || !cfg.Debug {
		t.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	base := Config{
		Port:                 8000,
		JWTAlgorithm:         "HS256",
		ModelBackend:         ModelBackendLocal,
		ImageSize:            224,
		BatchSize:            32,
		InferenceConcurrency: 1,
		AlertThreshold:       0.7,
		DownloadTimeout:      time.Second,
		MaxImageBytes:        1024,
		MaxImagePixels:       1 << 20,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"auth without secret", func(c *Config) { c.AuthEnabled = true }, "JWT_SECRET_KEY"},
		{"notifications without key", func(c *Config) { c.NotificationsEnabled = true }, "FCM_SERVER_KEY"},
		{"grpc without address", func(c *Config) { c.ModelBackend = ModelBackendGRPC }, "MODEL_SERVER_ADDR"},
		{"unknown backend", func(c *Config) { c.ModelBackend = "onnx" }, "MODEL_BACKEND"},
		{"threshold out of range", func(c *Config) { c.AlertThreshold = 1.5 }, "ALERT_THRESHOLD"},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE"},
		{"nan threshold", func(c *Config) { c.AlertThreshold = math.NaN() }, "ALERT_THRESHOLD"},
		{"zero pixel cap", func(c *Config) { c.MaxImagePixels = 0 }, "MAX_IMAGE_PIXELS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Key != tc.key {
				t.Fatalf("expected key %s, got %s", tc.key, cfgErr.Key)
			}
		})
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"PORT", "80a"},
		{"ALERT_THRESHOLD", "0,8"},
		{"ALERT_THRESHOLD", "NaN"},
		{"DEBUG", "maybe"},
		{"DOWNLOAD_TIMEOUT", "15"},
		{"MAX_IMAGE_PIXELS", "lots"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Key != tc.key {
				t.Fatalf("expected key %s, got %s", tc.key, cfgErr.Key)
			}
		})
	}
}
