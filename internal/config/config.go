// Package config loads and persists sigcore's JSON process configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RetryConfig governs a backend's per-query retry policy: fixed-delay
// retries, up to MaxAttempts total attempts.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	DelayMS     int `json:"delay_ms"`
}

// Delay returns the configured inter-attempt delay as a time.Duration.
func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelayMS) * time.Millisecond
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.DelayMS <= 0 {
		r.DelayMS = 500
	}
	return r
}

// ReconnectConfig governs a backend's background-reconnect loop.
type ReconnectConfig struct {
	Enabled           bool    `json:"enabled"`
	InitialDelayMS    int     `json:"initial_delay_ms"`
	MaxDelayMS        int     `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	CheckIntervalSec  int     `json:"check_interval_sec"`
	JitterFactor      float64 `json:"jitter_factor"`
}

func (r ReconnectConfig) withDefaults() ReconnectConfig {
	if r.InitialDelayMS <= 0 {
		r.InitialDelayMS = 1000
	}
	if r.MaxDelayMS <= 0 {
		r.MaxDelayMS = 60000
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 2.0
	}
	if r.CheckIntervalSec <= 0 {
		r.CheckIntervalSec = 30
	}
	if r.JitterFactor <= 0 {
		r.JitterFactor = 0.1
	}
	return r
}

func (r ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

func (r ReconnectConfig) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalSec) * time.Second
}

// BackendConfig is the connection configuration for one logical backend
// (cam_db or signal_db).
type BackendConfig struct {
	Enabled             bool            `json:"enabled"`
	Host                string          `json:"host"`
	Port                int             `json:"port"`
	Retry               RetryConfig     `json:"retry"`
	BackgroundReconnect ReconnectConfig `json:"background_reconnect"`
}

// VehicleConfig selects which camera resolutions the node's detector runs.
type VehicleConfig struct {
	Enabled2K bool `json:"2k_enabled"`
	Enabled4K bool `json:"4k_enabled"`
}

// SpecialSiteConfig mirrors the on-disk shape of the Special Site settings
// block; cmd/sigcore-agent derives an adapter.Config from this plus
// VehicleConfig.
type SpecialSiteConfig struct {
	Enabled      bool `json:"enabled"`
	StraightLeft bool `json:"straight_left"`
	Right        bool `json:"right"`
}

// Config is the process-wide configuration, loaded once from a JSON file at
// bootstrap and safe for concurrent read/update thereafter.
type Config struct {
	OperationMode string            `json:"operation_mode"`
	CamDB         BackendConfig     `json:"cam_db"`
	SignalDB      BackendConfig     `json:"signal_db"`
	Vehicle       VehicleConfig     `json:"vehicle"`
	SpecialSite   SpecialSiteConfig `json:"special_site"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

// New creates an empty Config bound to path, for use with UpdateFromJSON.
func New(path string) *Config {
	return &Config{path: path, changedCh: make(chan struct{}, 1)}
}

// Load reads and parses the JSON config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := New(path)
	if err := cfg.UpdateFromJSON(data); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// UpdateFromJSON replaces the config's fields from data and persists the
// result. Unknown operation modes are rejected by Validate, not here.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	c.applyDefaultsLocked()

	if c.path != "" {
		if err := c.saveLocked(); err != nil {
			return err
		}
	}
	c.notifyChanged()
	return nil
}

// Changed returns a channel that receives a notification whenever the
// config is replaced via UpdateFromJSON. It never blocks a sender: stale
// notifications are dropped if the receiver isn't keeping up.
func (c *Config) Changed() <-chan struct{} {
	return c.changedCh
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current configuration's data, safe to read
// without holding any lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		OperationMode: c.OperationMode,
		CamDB:         c.CamDB,
		SignalDB:      c.SignalDB,
		Vehicle:       c.Vehicle,
		SpecialSite:   c.SpecialSite,
	}
}

func (c *Config) applyDefaultsLocked() {
	c.CamDB.Retry = c.CamDB.Retry.withDefaults()
	c.CamDB.BackgroundReconnect = c.CamDB.BackgroundReconnect.withDefaults()
	c.SignalDB.Retry = c.SignalDB.Retry.withDefaults()
	c.SignalDB.BackgroundReconnect = c.SignalDB.BackgroundReconnect.withDefaults()
	if c.OperationMode == "" {
		c.OperationMode = "manual"
	}
}

// Validate checks that the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.OperationMode {
	case "manual", "voltdb":
	default:
		return fmt.Errorf("config: unknown operation_mode %q", c.OperationMode)
	}
	if c.OperationMode == "voltdb" && c.CamDB.Host == "" {
		return fmt.Errorf("config: cam_db.host is required in voltdb mode")
	}
	if c.SpecialSite.Enabled && c.SpecialSite.StraightLeft == c.SpecialSite.Right {
		return fmt.Errorf("config: special_site requires exactly one of straight_left or right")
	}
	return nil
}

// saveLocked assumes c.mu is already held for writing. It persists the
// config atomically: write to a temp file in the same directory, then
// rename over the target, so a crash mid-write never leaves a truncated
// config on disk.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".sigcore-cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp config: %w", err)
	}
	return nil
}
