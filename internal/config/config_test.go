package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Limits.MaxFrameBytes != 10*1024 || cfg.Limits.MaxMessageBytes != 8*1024 {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}
	if cfg.Admission.MaxAttempts != 10 || cfg.Admission.WindowLength != time.Minute {
		t.Fatalf("unexpected admission config: %+v", cfg.Admission)
	}
	if cfg.Sweep.Interval != 5*time.Minute {
		t.Fatalf("unexpected sweep interval %s", cfg.Sweep.Interval)
	}
	if cfg.Media.TTL != 24*time.Hour {
		t.Fatalf("unexpected media ttl %s", cfg.Media.TTL)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"listen_address": "127.0.0.1:9999",
		"log_level": "debug",
		"shutdown_grace_period": "3s",
		"admission": {"max_attempts": 5, "window_length": "30s"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9999" || cfg.LogLevel != "debug" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ShutdownGracePeriod != 3*time.Second {
		t.Fatalf("duration not normalized: %s", cfg.ShutdownGracePeriod)
	}
	if cfg.Admission.MaxAttempts != 5 || cfg.Admission.WindowLength != 30*time.Second {
		t.Fatalf("admission overrides not applied: %+v", cfg.Admission)
	}
	// Untouched sections keep their defaults.
	if cfg.Limits.MaxFrameBytes != 10*1024 {
		t.Fatalf("default limits lost: %+v", cfg.Limits)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PIERA_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env override not applied, got %q", cfg.LogLevel)
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"sweep": {"interval": "not-a-duration"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestInvalidAdmissionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"admission": {"max_attempts": 0}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero max_attempts")
	}
}

func TestMissingFileRejected(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
