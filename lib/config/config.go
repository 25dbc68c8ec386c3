// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for sidelink.
//
// Configuration is loaded from a single YAML file specified by:
//   - SIDELINK_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// individual values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a sidelink endpoint.
type Config struct {
	// Username is the display name announced to the peer.
	Username string `yaml:"username"`

	// Storage configures local persistence.
	Storage StorageConfig `yaml:"storage"`

	// ICE configures connection establishment.
	ICE ICEConfig `yaml:"ice"`

	// Relay configures the out-of-band descriptor exchange.
	Relay RelayConfig `yaml:"relay"`

	// Transfer configures the file-transfer engine.
	Transfer TransferConfig `yaml:"transfer"`

	// Timing configures presence decay and telemetry cadence.
	Timing TimingConfig `yaml:"timing"`
}

// StorageConfig configures local persistence.
type StorageConfig struct {
	// Path is the SQLite database file. The parent directory is
	// created on startup. Default: ${HOME}/.local/share/sidelink/sidelink.db
	Path string `yaml:"path"`
}

// ICEConfig configures connection establishment.
type ICEConfig struct {
	// Servers lists STUN/TURN server URLs. An empty list means host
	// candidates only (same network or loopback).
	Servers []ICEServer `yaml:"servers"`

	// GatherTimeout bounds the wait for candidate gathering before
	// the descriptor is exported. Default: 15s.
	GatherTimeout time.Duration `yaml:"gather_timeout"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// RelayConfig configures the out-of-band descriptor exchange.
type RelayConfig struct {
	// BaseURL is the blob relay endpoint descriptors are POSTed to.
	// Empty disables URL exchange; descriptors are exchanged as
	// encoded strings only.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each relay HTTP request. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// TransferConfig configures the file-transfer engine. Zero values
// take the transfer package defaults.
type TransferConfig struct {
	// ChunkSize is the bytes read and framed per chunk. Default: 64 KiB.
	ChunkSize int `yaml:"chunk_size"`

	// Watermark is the buffered-bytes threshold the sender polls
	// before each chunk. Default: 512 KiB.
	Watermark int `yaml:"watermark"`

	// PollInterval is the backpressure poll cadence. Default: 100ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxFileSize is the per-file cap. Default: 100 MiB.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// TimingConfig configures presence decay and telemetry cadence.
type TimingConfig struct {
	// PresenceDecay is how long after the last peer event a presence
	// check is scheduled. Default: 1.5s.
	PresenceDecay time.Duration `yaml:"presence_decay"`

	// StatsInterval is the telemetry sampling cadence. Default: 1.5s.
	StatsInterval time.Duration `yaml:"stats_interval"`

	// ChatAutosave is how often the chat log is snapshotted to
	// storage during a call. Default: 10s.
	ChatAutosave time.Duration `yaml:"chat_autosave"`
}

// Default returns the default configuration. These defaults ensure
// all fields have sensible values before the config file is merged in.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Username: "me",
		Storage: StorageConfig{
			Path: filepath.Join(homeDir, ".local", "share", "sidelink", "sidelink.db"),
		},
		ICE: ICEConfig{
			GatherTimeout: 15 * time.Second,
		},
		Relay: RelayConfig{
			Timeout: 10 * time.Second,
		},
		Timing: TimingConfig{
			PresenceDecay: 1500 * time.Millisecond,
			StatsInterval: 1500 * time.Millisecond,
			ChatAutosave:  10 * time.Second,
		},
	}
}

// Load loads configuration from the SIDELINK_CONFIG environment
// variable. If the variable is unset, the defaults are returned.
func Load() (*Config, error) {
	configPath := os.Getenv("SIDELINK_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Username == "" {
		errs = append(errs, fmt.Errorf("username is required"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.Transfer.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must not be negative"))
	}
	if c.Transfer.Watermark < 0 {
		errs = append(errs, fmt.Errorf("transfer.watermark must not be negative"))
	}
	if c.Transfer.MaxFileSize < 0 {
		errs = append(errs, fmt.Errorf("transfer.max_file_size must not be negative"))
	}
	for i, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d] has no urls", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the storage directory if it does not exist.
func (c *Config) EnsurePaths() error {
	dir := filepath.Dir(c.Storage.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}
	return nil
}
