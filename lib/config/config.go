// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "500ms"-style
// strings in both YAML and JSON(C) files.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the master configuration for Atrium components.
type Config struct {
	// Relay configures the signal relay client.
	Relay RelayConfig `yaml:"relay" json:"relay"`

	// Session configures the signaling manager.
	Session SessionConfig `yaml:"session" json:"session"`

	// Capture configures the stream lifecycle controller.
	Capture CaptureConfig `yaml:"capture" json:"capture"`

	// Cursor configures the hybrid position transport.
	Cursor CursorConfig `yaml:"cursor" json:"cursor"`

	// Relayd configures the relay server binary.
	Relayd RelaydConfig `yaml:"relayd" json:"relayd"`
}

// RelayConfig configures how the client reaches the signal relay.
type RelayConfig struct {
	// URL is the relay base URL ("https://relay.example.com" or
	// "wss://relay.example.com/ws" for the websocket transport).
	URL string `yaml:"url" json:"url"`

	// Timeout bounds each relay round-trip.
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// SessionConfig configures polling, outbound retry, heartbeats, and
// reconnection in the signaling manager.
type SessionConfig struct {
	// PollBase is the floor of the adaptive polling interval.
	PollBase Duration `yaml:"poll_base" json:"poll_base"`

	// PollCeiling is the ceiling the interval backs off toward under
	// sustained relay failure.
	PollCeiling Duration `yaml:"poll_ceiling" json:"poll_ceiling"`

	// PollBackoff is the multiplier applied per failure (and divided
	// out per success). Must be greater than 1.
	PollBackoff float64 `yaml:"poll_backoff" json:"poll_backoff"`

	// SendRetryMax is how many delivery attempts a signal gets before
	// the manager escalates to a connection-health check.
	SendRetryMax int `yaml:"send_retry_max" json:"send_retry_max"`

	// SendRetryBase is the first retry delay; subsequent retries
	// double it.
	SendRetryBase Duration `yaml:"send_retry_base" json:"send_retry_base"`

	// HeartbeatTimeout is the liveness window. Heartbeats go out every
	// half timeout; silence past the timeout re-sends, silence past
	// twice the timeout declares the connection dead.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`

	// EstablishTimeout bounds how long a connection may linger short
	// of Connected before the reconnect path takes over.
	EstablishTimeout Duration `yaml:"establish_timeout" json:"establish_timeout"`

	// ReconnectBase and ReconnectMax bound the exponential reconnect
	// delay min(base << attempts, max).
	ReconnectBase Duration `yaml:"reconnect_base" json:"reconnect_base"`
	ReconnectMax  Duration `yaml:"reconnect_max" json:"reconnect_max"`

	// ReconnectMaxAttempts evicts a peer once exceeded.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts" json:"reconnect_max_attempts"`
}

// CaptureConfig configures the stream lifecycle controller.
type CaptureConfig struct {
	// Grace is how long after Attach track-ended events are ignored.
	// Covers platforms that fire a spurious ended event immediately
	// after acquisition.
	Grace Duration `yaml:"grace" json:"grace"`
}

// CursorConfig configures the hybrid position transport.
type CursorConfig struct {
	// ConnectTimeout falls the transport back to the persistence API
	// when no data channel opens within the window.
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// FallbackInterval throttles persistence-API writes. Much coarser
	// than the data-channel rate.
	FallbackInterval Duration `yaml:"fallback_interval" json:"fallback_interval"`

	// HealthInterval is how often channel health is re-checked.
	HealthInterval Duration `yaml:"health_interval" json:"health_interval"`
}

// RelaydConfig configures the relay server.
type RelaydConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// RedisAddr selects the Redis mailbox store when non-empty;
	// otherwise envelopes are held in memory.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// Retention caps how long an undelivered envelope is kept.
	Retention Duration `yaml:"retention" json:"retention"`
}

// Default returns the configuration used when the file leaves a field
// unset. The session values satisfy the floor/ceiling and monotonicity
// properties Validate enforces.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:     "http://127.0.0.1:7480",
			Timeout: Duration(5 * time.Second),
		},
		Session: SessionConfig{
			PollBase:             Duration(500 * time.Millisecond),
			PollCeiling:          Duration(10 * time.Second),
			PollBackoff:          1.5,
			SendRetryMax:         3,
			SendRetryBase:        Duration(250 * time.Millisecond),
			HeartbeatTimeout:     Duration(15 * time.Second),
			EstablishTimeout:     Duration(20 * time.Second),
			ReconnectBase:        Duration(time.Second),
			ReconnectMax:         Duration(30 * time.Second),
			ReconnectMaxAttempts: 5,
		},
		Capture: CaptureConfig{
			Grace: Duration(time.Second),
		},
		Cursor: CursorConfig{
			ConnectTimeout:   Duration(10 * time.Second),
			FallbackInterval: Duration(2 * time.Second),
			HealthInterval:   Duration(time.Second),
		},
		Relayd: RelaydConfig{
			Listen:    "127.0.0.1:7480",
			Retention: Duration(5 * time.Minute),
		},
	}
}

// Load reads the file named by ATRIUM_CONFIG. Fails when the variable
// is unset — there is no fallback search path.
func Load() (*Config, error) {
	path := os.Getenv("ATRIUM_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("ATRIUM_CONFIG environment variable not set; " +
			"point it at your atrium.yaml (or pass --config)")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, merging over Default and
// validating the result. The decoder is chosen by file extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the relationships the adaptive polling and
// reconnect logic assume. A config that passes Validate cannot drive
// the polling interval below its base or above its ceiling.
func (c *Config) Validate() error {
	s := c.Session
	switch {
	case s.PollBase.D() <= 0:
		return fmt.Errorf("session.poll_base must be positive, got %v", s.PollBase.D())
	case s.PollCeiling.D() < s.PollBase.D():
		return fmt.Errorf("session.poll_ceiling %v is below poll_base %v",
			s.PollCeiling.D(), s.PollBase.D())
	case s.PollBackoff <= 1:
		return fmt.Errorf("session.poll_backoff must exceed 1, got %v", s.PollBackoff)
	case s.SendRetryMax < 1:
		return fmt.Errorf("session.send_retry_max must be at least 1, got %d", s.SendRetryMax)
	case s.HeartbeatTimeout.D() <= 0:
		return fmt.Errorf("session.heartbeat_timeout must be positive, got %v", s.HeartbeatTimeout.D())
	case s.EstablishTimeout.D() <= 0:
		return fmt.Errorf("session.establish_timeout must be positive, got %v", s.EstablishTimeout.D())
	case s.ReconnectBase.D() <= 0:
		return fmt.Errorf("session.reconnect_base must be positive, got %v", s.ReconnectBase.D())
	case s.ReconnectMax.D() < s.ReconnectBase.D():
		return fmt.Errorf("session.reconnect_max %v is below reconnect_base %v",
			s.ReconnectMax.D(), s.ReconnectBase.D())
	case s.ReconnectMaxAttempts < 1:
		return fmt.Errorf("session.reconnect_max_attempts must be at least 1, got %d", s.ReconnectMaxAttempts)
	}
	if c.Capture.Grace.D() < 0 {
		return fmt.Errorf("capture.grace must not be negative, got %v", c.Capture.Grace.D())
	}
	if c.Cursor.FallbackInterval.D() <= 0 {
		return fmt.Errorf("cursor.fallback_interval must be positive, got %v", c.Cursor.FallbackInterval.D())
	}
	return nil
}
