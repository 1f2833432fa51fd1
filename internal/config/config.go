// Package config loads interdesk settings from YAML with environment
// overrides on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "interdesk.yaml"

type Config struct {
	Addr       string   `yaml:"addr"`
	SocketPath string   `yaml:"socket_path"`
	DBPath     string   `yaml:"db_path"`
	KeysFile   string   `yaml:"keys_file"`
	Knowledge  string   `yaml:"knowledge_file"`
	LogLevel   string   `yaml:"log_level"`
	Origins    []string `yaml:"allowed_origins"`

	PermissionCacheTTL   time.Duration `yaml:"permission_cache_ttl"`
	PermissionCacheSize  int           `yaml:"permission_cache_size"`
	OfflinePollThreshold int           `yaml:"offline_poll_threshold"`
	MaxFastPolls         int           `yaml:"max_fast_polls"`
	FastPollInterval     time.Duration `yaml:"fast_poll_interval"`
	SteadyPollInterval   time.Duration `yaml:"steady_poll_interval"`
	ReconnectGrace       time.Duration `yaml:"reconnect_grace"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	QueueWaitTimeout     time.Duration `yaml:"queue_wait_timeout"`
	ExclusiveWaitTimeout time.Duration `yaml:"exclusive_wait_timeout"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	DefaultPageSize      int           `yaml:"default_page_size"`
	MaxPageSize          int           `yaml:"max_page_size"`
	DefaultCapacity      int           `yaml:"default_capacity"`
	InboundRate          float64       `yaml:"inbound_rate"`
	InboundBurst         int           `yaml:"inbound_burst"`
	InboundQueue         int           `yaml:"inbound_queue"`
}

func Default() Config {
	return Config{
		Addr:                 ":7340",
		DBPath:               "interdesk.db",
		LogLevel:             "info",
		PermissionCacheTTL:   5 * time.Second,
		PermissionCacheSize:  4096,
		OfflinePollThreshold: 10,
		MaxFastPolls:         10,
		FastPollInterval:     2 * time.Second,
		SteadyPollInterval:   15 * time.Second,
		ReconnectGrace:       10 * time.Second,
		IdleTimeout:          time.Minute,
		QueueWaitTimeout:     5 * time.Minute,
		ExclusiveWaitTimeout: 3 * time.Minute,
		SessionTimeout:       30 * time.Minute,
		SweepInterval:        time.Minute,
		DefaultPageSize:      20,
		MaxPageSize:          100,
		DefaultCapacity:      5,
		InboundRate:          20,
		InboundBurst:         40,
		InboundQueue:         64,
	}
}

// ResolvePath prefers an explicit path, then INTERDESK_CONFIG, then
// DefaultPath.
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("INTERDESK_CONFIG")); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := Parse(data, &cfg); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document leaves out.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("INTERDESK_ADDR")); v != "" {
		c.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("INTERDESK_DB")); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("INTERDESK_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("INTERDESK_KEYS_FILE")); v != "" {
		c.KeysFile = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr required"))
	}
	if c.PermissionCacheTTL <= 0 || c.PermissionCacheTTL > 5*time.Second {
		errs = append(errs, fmt.Errorf("permission_cache_ttl must be in (0s, 5s], got %s", c.PermissionCacheTTL))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"fast_poll_interval", c.FastPollInterval},
		{"steady_poll_interval", c.SteadyPollInterval},
		{"reconnect_grace", c.ReconnectGrace},
		{"idle_timeout", c.IdleTimeout},
		{"queue_wait_timeout", c.QueueWaitTimeout},
		{"exclusive_wait_timeout", c.ExclusiveWaitTimeout},
		{"session_timeout", c.SessionTimeout},
		{"sweep_interval", c.SweepInterval},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.OfflinePollThreshold < 1 || c.MaxFastPolls < 1 {
		errs = append(errs, errors.New("offline_poll_threshold and max_fast_polls must be at least 1"))
	}
	if c.DefaultPageSize < 1 || c.MaxPageSize < c.DefaultPageSize {
		errs = append(errs, fmt.Errorf("page sizes must satisfy 1 <= default_page_size (%d) <= max_page_size (%d)", c.DefaultPageSize, c.MaxPageSize))
	}
	if c.DefaultCapacity < 0 {
		errs = append(errs, errors.New("default_capacity must not be negative"))
	}
	if c.InboundRate <= 0 || c.InboundBurst < 1 || c.InboundQueue < 1 {
		errs = append(errs, errors.New("inbound_rate, inbound_burst and inbound_queue must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Level is the configured zerolog level, info when unset.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
