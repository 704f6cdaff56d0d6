// Package config loads the server configuration file and owns the sync group
// registry consulted by the scheduler, the diff engine, and the permission
// checks.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidGroup reports a sync group whose configuration cannot be used.
var ErrInvalidGroup = errors.New("invalid sync group configuration")

// ErrGroupNotFound reports a lookup for an unknown sync group.
var ErrGroupNotFound = errors.New("sync group not found")

// ProviderConfig holds the credential material for one authentication
// provider.
type ProviderConfig struct {
	Secret     string `yaml:"secret"`
	TokenTTLMs int64  `yaml:"token_ttl_ms,omitempty"`
}

// GroupConfig describes one sync group: its tick cadence and the roles
// governing each operation on entities tagged with the group.
type GroupConfig struct {
	Name             string   `yaml:"name"`
	TickRateMs       int64    `yaml:"tick_rate_ms"`
	Enabled          bool     `yaml:"enabled"`
	BufferDurationMs int64    `yaml:"buffer_duration_ms"`
	InsertRoles      []string `yaml:"insert_roles,omitempty"`
	UpdateRoles      []string `yaml:"update_roles,omitempty"`
	DeleteRoles      []string `yaml:"delete_roles,omitempty"`
	ViewRoles        []string `yaml:"view_roles,omitempty"`
}

// SweepConfig tunes the background expiry sweep.
type SweepConfig struct {
	Enabled    bool  `yaml:"enabled"`
	IntervalMs int64 `yaml:"interval_ms,omitempty"`
}

// Config is the top-level configuration file.
type Config struct {
	ListenAddr         string                    `yaml:"listen_addr,omitempty"`
	DatabasePath       string                    `yaml:"database_path,omitempty"`
	LogLevel           string                    `yaml:"log_level,omitempty"`
	Providers          map[string]ProviderConfig `yaml:"providers"`
	SyncGroups         []GroupConfig             `yaml:"sync_groups"`
	Sweep              SweepConfig               `yaml:"sweep,omitempty"`
	SessionTimeoutMs   int64                     `yaml:"session_timeout_ms,omitempty"`
	LivenessIntervalMs int64                     `yaml:"liveness_interval_ms,omitempty"`
}

// Default values applied when the file leaves a knob unset.
const (
	DefaultListenAddr       = ":3020"
	DefaultSweepIntervalMs  = 60000
	DefaultSessionTimeoutMs = 6000
	DefaultLivenessMs       = 1000
	DefaultBufferMs         = 2000
	DefaultTokenTTLMs       = 24 * 60 * 60 * 1000
)

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Sweep.IntervalMs <= 0 {
		c.Sweep.IntervalMs = DefaultSweepIntervalMs
	}
	if c.SessionTimeoutMs <= 0 {
		c.SessionTimeoutMs = DefaultSessionTimeoutMs
	}
	if c.LivenessIntervalMs <= 0 {
		c.LivenessIntervalMs = DefaultLivenessMs
	}
	for name, provider := range c.Providers {
		if provider.TokenTTLMs <= 0 {
			provider.TokenTTLMs = DefaultTokenTTLMs
			c.Providers[name] = provider
		}
	}
	for i := range c.SyncGroups {
		if c.SyncGroups[i].BufferDurationMs <= 0 {
			c.SyncGroups[i].BufferDurationMs = DefaultBufferMs
		}
	}
}

// Validate performs strict validation on the configuration. A broken config
// file is fatal at startup; per-group problems discovered later are handled
// by the registry instead.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no auth providers configured")
	}
	for name, provider := range c.Providers {
		if provider.Secret == "" {
			return fmt.Errorf("provider %q has an empty secret", name)
		}
	}
	if len(c.SyncGroups) == 0 {
		return fmt.Errorf("no sync groups configured")
	}
	seen := make(map[string]struct{}, len(c.SyncGroups))
	for _, group := range c.SyncGroups {
		if err := group.Validate(); err != nil {
			return err
		}
		if _, dup := seen[group.Name]; dup {
			return fmt.Errorf("%w: duplicate sync group %q", ErrInvalidGroup, group.Name)
		}
		seen[group.Name] = struct{}{}
	}
	return nil
}

// Validate checks a single group configuration.
func (g GroupConfig) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("%w: empty group name", ErrInvalidGroup)
	}
	if g.TickRateMs <= 0 {
		return fmt.Errorf("%w: group %q tick_rate_ms must be positive, got %d", ErrInvalidGroup, g.Name, g.TickRateMs)
	}
	if g.BufferDurationMs < 0 {
		return fmt.Errorf("%w: group %q buffer_duration_ms must not be negative", ErrInvalidGroup, g.Name)
	}
	return nil
}
