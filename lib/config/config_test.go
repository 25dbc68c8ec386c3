// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidelink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Timing.PresenceDecay != 1500*time.Millisecond {
		t.Errorf("presence decay = %s", cfg.Timing.PresenceDecay)
	}
	if cfg.Timing.ChatAutosave != 10*time.Second {
		t.Errorf("chat autosave = %s", cfg.Timing.ChatAutosave)
	}
	if cfg.ICE.GatherTimeout != 15*time.Second {
		t.Errorf("gather timeout = %s", cfg.ICE.GatherTimeout)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
username: alice
relay:
  base_url: https://blobs.example.com/api
transfer:
  chunk_size: 32768
ice:
  servers:
    - urls: ["stun:stun.example.com:3478"]
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
timing:
  presence_decay: 2s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Username != "alice" {
		t.Errorf("username = %q", cfg.Username)
	}
	if cfg.Relay.BaseURL != "https://blobs.example.com/api" {
		t.Errorf("relay base URL = %q", cfg.Relay.BaseURL)
	}
	if cfg.Transfer.ChunkSize != 32768 {
		t.Errorf("chunk size = %d", cfg.Transfer.ChunkSize)
	}
	if cfg.Timing.PresenceDecay != 2*time.Second {
		t.Errorf("presence decay = %s", cfg.Timing.PresenceDecay)
	}
	if len(cfg.ICE.Servers) != 2 || cfg.ICE.Servers[1].Username != "u" {
		t.Errorf("ice servers = %+v", cfg.ICE.Servers)
	}

	// Untouched fields keep their defaults.
	if cfg.Relay.Timeout != 10*time.Second {
		t.Errorf("relay timeout = %s, want default", cfg.Relay.Timeout)
	}
	if cfg.Storage.Path == "" {
		t.Error("storage path default lost")
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty username", "username: \"\"\n"},
		{"negative chunk size", "transfer:\n  chunk_size: -1\n"},
		{"server without urls", "ice:\n  servers:\n    - username: u\n"},
		{"malformed yaml", "username: [unclosed\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, tc.content)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestLoadWithoutEnvReturnsDefaults(t *testing.T) {
	t.Setenv("SIDELINK_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Username != "me" {
		t.Errorf("username = %q, want default", cfg.Username)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, "username: env-user\n")
	t.Setenv("SIDELINK_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Username != "env-user" {
		t.Errorf("username = %q", cfg.Username)
	}
}

func TestEnsurePaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "nested", "dir", "sidelink.db")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(cfg.Storage.Path)); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}
