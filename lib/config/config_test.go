// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := writeConfig(t, "atrium.yaml", `
relay:
  url: "https://relay.internal:9443"
  timeout: 2s
session:
  poll_base: 250ms
  poll_ceiling: 8s
  heartbeat_timeout: 20s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Relay.URL != "https://relay.internal:9443" {
		t.Errorf("Relay.URL = %q", cfg.Relay.URL)
	}
	if cfg.Session.PollBase.D() != 250*time.Millisecond {
		t.Errorf("PollBase = %v, want 250ms", cfg.Session.PollBase.D())
	}
	if cfg.Session.HeartbeatTimeout.D() != 20*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 20s", cfg.Session.HeartbeatTimeout.D())
	}
	// Unset fields keep defaults.
	if cfg.Session.ReconnectMaxAttempts != 5 {
		t.Errorf("ReconnectMaxAttempts = %d, want default 5", cfg.Session.ReconnectMaxAttempts)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "atrium.jsonc", `{
  // comments are allowed in jsonc configs
  "session": {
    "poll_base": "1s",
    "poll_ceiling": "30s"
  },
  "relayd": {
    "listen": "0.0.0.0:7480",
  },
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Session.PollBase.D() != time.Second {
		t.Errorf("PollBase = %v, want 1s", cfg.Session.PollBase.D())
	}
	if cfg.Relayd.Listen != "0.0.0.0:7480" {
		t.Errorf("Relayd.Listen = %q", cfg.Relayd.Listen)
	}
}

func TestValidateRejectsCeilingBelowBase(t *testing.T) {
	path := writeConfig(t, "bad.yaml", `
session:
  poll_base: 5s
  poll_ceiling: 1s
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected validation error for ceiling below base")
	}
	if !strings.Contains(err.Error(), "poll_ceiling") {
		t.Errorf("error %q does not name poll_ceiling", err)
	}
}

func TestValidateRejectsNonPositiveHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.Session.HeartbeatTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero heartbeat timeout")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("ATRIUM_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when ATRIUM_CONFIG is unset")
	}
}

func TestLoadUsesEnvVar(t *testing.T) {
	path := writeConfig(t, "atrium.yaml", "relay:\n  url: \"http://10.0.0.5:7480\"\n")
	t.Setenv("ATRIUM_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Relay.URL != "http://10.0.0.5:7480" {
		t.Errorf("Relay.URL = %q", cfg.Relay.URL)
	}
}
