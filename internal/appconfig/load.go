package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/sandboxwatch/internal/reconnect"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("server.base_url", cfg.Server.BaseURL)
	v.SetDefault("server.request_timeout_seconds", cfg.Server.RequestTimeoutSeconds)
	v.SetDefault("reconnect.policy", cfg.Reconnect.Policy)
	v.SetDefault("reconnect.interval_ms", cfg.Reconnect.IntervalMS)
	v.SetDefault("reconnect.initial_delay_ms", cfg.Reconnect.InitialDelayMS)
	v.SetDefault("reconnect.max_delay_ms", cfg.Reconnect.MaxDelayMS)
	v.SetDefault("reconnect.multiplier", cfg.Reconnect.Multiplier)
	v.SetDefault("reconnect.max_attempts", cfg.Reconnect.MaxAttempts)
	v.SetDefault("stream.liveness_timeout_seconds", cfg.Stream.LivenessTimeoutSeconds)
	v.SetDefault("stream.handshake_timeout_seconds", cfg.Stream.HandshakeTimeoutSeconds)
	v.SetDefault("stream.read_limit_bytes", cfg.Stream.ReadLimitBytes)
	v.SetDefault("mock.addr", cfg.Mock.Addr)
	v.SetDefault("mock.sandbox_id", cfg.Mock.SandboxID)
	v.SetDefault("mock.sandbox_name", cfg.Mock.SandboxName)
	v.SetDefault("mock.heartbeat_interval_seconds", cfg.Mock.HeartbeatIntervalSeconds)
	v.SetDefault("mock.command_interval_seconds", cfg.Mock.CommandIntervalSeconds)
	v.SetDefault("mock.history_limit", cfg.Mock.HistoryLimit)
	v.SetDefault("mock.state_dir", cfg.Mock.StateDir)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later with less context.
func Validate(cfg Config) error {
	baseURL := strings.TrimSpace(cfg.Server.BaseURL)
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.base_url must include scheme and host (e.g. http://127.0.0.1:8080)")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https")
	}
	if cfg.Server.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("server.request_timeout_seconds must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Reconnect.Policy)) {
	case reconnect.PolicyFixed:
		if cfg.Reconnect.IntervalMS <= 0 {
			return fmt.Errorf("reconnect.interval_ms must be > 0 for the fixed policy")
		}
	case reconnect.PolicyExponential:
		if cfg.Reconnect.InitialDelayMS <= 0 {
			return fmt.Errorf("reconnect.initial_delay_ms must be > 0")
		}
		if cfg.Reconnect.MaxDelayMS < cfg.Reconnect.InitialDelayMS {
			return fmt.Errorf("reconnect.max_delay_ms must be >= reconnect.initial_delay_ms")
		}
		if cfg.Reconnect.Multiplier < 1 {
			return fmt.Errorf("reconnect.multiplier must be >= 1")
		}
	default:
		return fmt.Errorf("unsupported reconnect.policy %q", cfg.Reconnect.Policy)
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if cfg.Stream.LivenessTimeoutSeconds < 0 {
		return fmt.Errorf("stream.liveness_timeout_seconds must be >= 0")
	}
	if cfg.Stream.HandshakeTimeoutSeconds < 0 {
		return fmt.Errorf("stream.handshake_timeout_seconds must be >= 0")
	}
	if cfg.Stream.ReadLimitBytes < 0 {
		return fmt.Errorf("stream.read_limit_bytes must be >= 0")
	}
	if cfg.Mock.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("mock.heartbeat_interval_seconds must be > 0")
	}
	if cfg.Mock.CommandIntervalSeconds < 0 {
		return fmt.Errorf("mock.command_interval_seconds must be >= 0")
	}
	if cfg.Mock.HistoryLimit < 0 {
		return fmt.Errorf("mock.history_limit must be >= 0")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Server.BaseURL = expandEnv(cfg.Server.BaseURL)
	cfg.Mock.Addr = expandEnv(cfg.Mock.Addr)
	cfg.Mock.SandboxID = expandEnv(cfg.Mock.SandboxID)
	cfg.Mock.StateDir = expandEnv(cfg.Mock.StateDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
