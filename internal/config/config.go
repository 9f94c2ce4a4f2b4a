package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	AdminAddress        string          `mapstructure:"admin_address"`
	LogLevel            string          `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Limits              LimitsConfig    `mapstructure:"limits"`
	Admission           AdmissionConfig `mapstructure:"admission"`
	Sweep               SweepConfig     `mapstructure:"sweep"`
	Media               MediaConfig     `mapstructure:"media"`
}

// LimitsConfig bounds inbound frame and envelope sizes.
type LimitsConfig struct {
	MaxFrameBytes   int64 `mapstructure:"max_frame_bytes"`
	MaxMessageBytes int   `mapstructure:"max_message_bytes"`
}

// AdmissionConfig tunes the fixed-window connection limiter.
type AdmissionConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WindowLength time.Duration `mapstructure:"window_length"`
	WindowTTL    time.Duration `mapstructure:"window_ttl"`
}

// SweepConfig controls the defensive registry cleanup cadence.
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MediaConfig describes the TTL-keyed blob store for bulk uploads.
type MediaConfig struct {
	Dir          string        `mapstructure:"dir"`
	TTL          time.Duration `mapstructure:"ttl"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
}

const (
	defaultListenAddress = "0.0.0.0:8080"
	defaultAdminAddress  = "127.0.0.1:9091"
	defaultLogLevel      = "info"
	defaultGracePeriod   = 10 * time.Second

	defaultMaxFrameBytes   = 10 * 1024
	defaultMaxMessageBytes = 8 * 1024

	defaultMaxAttempts  = 10
	defaultWindowLength = time.Minute
	defaultWindowTTL    = 10 * time.Minute

	defaultSweepInterval = 5 * time.Minute

	defaultMediaDir     = "data/media"
	defaultMediaTTL     = 24 * time.Hour
	defaultMaxFileBytes = 100 * 1024 * 1024
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with PIERA_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIERA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultGracePeriod.String())
	v.SetDefault("limits.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("limits.max_message_bytes", defaultMaxMessageBytes)
	v.SetDefault("admission.max_attempts", defaultMaxAttempts)
	v.SetDefault("admission.window_length", defaultWindowLength.String())
	v.SetDefault("admission.window_ttl", defaultWindowTTL.String())
	v.SetDefault("sweep.interval", defaultSweepInterval.String())
	v.SetDefault("media.dir", defaultMediaDir)
	v.SetDefault("media.ttl", defaultMediaTTL.String())
	v.SetDefault("media.max_file_bytes", defaultMaxFileBytes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultGracePeriod},
		{"admission.window_length", &cfg.Admission.WindowLength, defaultWindowLength},
		{"admission.window_ttl", &cfg.Admission.WindowTTL, defaultWindowTTL},
		{"sweep.interval", &cfg.Sweep.Interval, defaultSweepInterval},
		{"media.ttl", &cfg.Media.TTL, defaultMediaTTL},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Limits.MaxFrameBytes <= 0 {
		c.Limits.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.Limits.MaxMessageBytes <= 0 {
		c.Limits.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.Admission.MaxAttempts <= 0 {
		return fmt.Errorf("admission.max_attempts must be positive (got %d)", c.Admission.MaxAttempts)
	}
	if c.Admission.WindowLength <= 0 {
		return fmt.Errorf("admission.window_length must be positive (got %s)", c.Admission.WindowLength)
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = defaultSweepInterval
	}
	if c.Media.Dir == "" {
		c.Media.Dir = defaultMediaDir
	}
	if c.Media.TTL <= 0 {
		c.Media.TTL = defaultMediaTTL
	}
	if c.Media.MaxFileBytes <= 0 {
		c.Media.MaxFileBytes = defaultMaxFileBytes
	}
	return nil
}
