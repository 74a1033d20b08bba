package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/sandboxwatch/internal/reconnect"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	Server        ServerConfig    `mapstructure:"server" yaml:"server"`
	Reconnect     ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Stream        StreamConfig    `mapstructure:"stream" yaml:"stream"`
	Mock          MockConfig      `mapstructure:"mock" yaml:"mock"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServerConfig locates the sandbox API.
type ServerConfig struct {
	BaseURL               string `mapstructure:"base_url" yaml:"base_url"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// ReconnectConfig selects the reconnect policy.
type ReconnectConfig struct {
	Policy         string  `mapstructure:"policy" yaml:"policy"`
	IntervalMS     int     `mapstructure:"interval_ms" yaml:"interval_ms"`
	InitialDelayMS int     `mapstructure:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMS     int     `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier     float64 `mapstructure:"multiplier" yaml:"multiplier"`
	MaxAttempts    int     `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// StreamConfig tunes the websocket stream.
type StreamConfig struct {
	LivenessTimeoutSeconds  int   `mapstructure:"liveness_timeout_seconds" yaml:"liveness_timeout_seconds"`
	HandshakeTimeoutSeconds int   `mapstructure:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	ReadLimitBytes          int64 `mapstructure:"read_limit_bytes" yaml:"read_limit_bytes"`
}

// MockConfig configures the development sandbox API.
type MockConfig struct {
	Addr                     string `mapstructure:"addr" yaml:"addr"`
	SandboxID                string `mapstructure:"sandbox_id" yaml:"sandbox_id"`
	SandboxName              string `mapstructure:"sandbox_name" yaml:"sandbox_name"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	CommandIntervalSeconds   int    `mapstructure:"command_interval_seconds" yaml:"command_interval_seconds"`
	HistoryLimit             int    `mapstructure:"history_limit" yaml:"history_limit"`
	// StateDir keeps the mock sandbox's command history across restarts. Empty keeps it in memory only.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Server: ServerConfig{
			BaseURL:               "http://127.0.0.1:8080",
			RequestTimeoutSeconds: 30,
		},
		Reconnect: ReconnectConfig{
			Policy:         reconnect.PolicyExponential,
			IntervalMS:     int(reconnect.DefaultInterval / time.Millisecond),
			InitialDelayMS: 500,
			MaxDelayMS:     30000,
			Multiplier:     2,
			MaxAttempts:    0,
		},
		Stream: StreamConfig{
			LivenessTimeoutSeconds:  20,
			HandshakeTimeoutSeconds: 10,
			ReadLimitBytes:          4 << 20,
		},
		Mock: MockConfig{
			Addr:                     "127.0.0.1:8080",
			SandboxID:                "sbx-demo",
			SandboxName:              "demo",
			HeartbeatIntervalSeconds: 5,
			CommandIntervalSeconds:   3,
			HistoryLimit:             50,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sandboxwatch", "config.yaml"), nil
}

// ReconnectSettings converts the reconnect section for reconnect.FromSettings.
func (c Config) ReconnectSettings() reconnect.Settings {
	return reconnect.Settings{
		Policy:       c.Reconnect.Policy,
		Interval:     time.Duration(c.Reconnect.IntervalMS) * time.Millisecond,
		InitialDelay: time.Duration(c.Reconnect.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(c.Reconnect.MaxDelayMS) * time.Millisecond,
		Multiplier:   c.Reconnect.Multiplier,
		MaxAttempts:  c.Reconnect.MaxAttempts,
	}
}

// RequestTimeout returns the snapshot request timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// LivenessTimeout returns the stream watchdog timeout; zero disables it.
func (c Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Stream.LivenessTimeoutSeconds) * time.Second
}

// HandshakeTimeout returns the websocket handshake timeout.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Stream.HandshakeTimeoutSeconds) * time.Second
}
