package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the session context handed to the engine's constructors.
// Nothing in the engine reads ambient globals; everything flows from
// here.
type Config struct {
	BackendURL string `mapstructure:"backend_url" yaml:"backend_url"`
	PushPath   string `mapstructure:"push_path" yaml:"push_path"`
	Token      string `mapstructure:"token" yaml:"token"`

	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	TaskTimeout          time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	TokenRefreshInterval time.Duration `mapstructure:"token_refresh_interval" yaml:"token_refresh_interval"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`

	HistoryFile string `mapstructure:"history_file" yaml:"history_file"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// Defaults returns the reference configuration: 3 s poll interval,
// 15 min task timeout, 60 s token refresh check, one bounded reconnect.
func Defaults() Config {
	return Config{
		BackendURL:           "http://127.0.0.1:8080",
		PushPath:             "/ws",
		PollInterval:         3 * time.Second,
		TaskTimeout:          15 * time.Minute,
		TokenRefreshInterval: time.Minute,
		ReconnectAttempts:    1,
		ReconnectBackoff:     2 * time.Second,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load reads configuration from an optional YAML file and RAGLINE_*
// environment variables layered over Defaults.
func Load(path string) (Config, error) {
	defaults := Defaults()

	v := viper.New()
	v.SetDefault("backend_url", defaults.BackendURL)
	v.SetDefault("push_path", defaults.PushPath)
	v.SetDefault("token", defaults.Token)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("task_timeout", defaults.TaskTimeout)
	v.SetDefault("token_refresh_interval", defaults.TokenRefreshInterval)
	v.SetDefault("reconnect_attempts", defaults.ReconnectAttempts)
	v.SetDefault("reconnect_backoff", defaults.ReconnectBackoff)
	v.SetDefault("history_file", defaults.HistoryFile)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	v.SetEnvPrefix("ragline")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(".ragline")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %s", c.TaskTimeout)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative, got %d", c.ReconnectAttempts)
	}
	return nil
}

// PushURL derives the websocket endpoint from the backend URL.
func (c Config) PushURL() string {
	url := strings.TrimRight(c.BackendURL, "/")
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	path := c.PushPath
	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return url + path
}

// Save writes the configuration as YAML.
func Save(cfg Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
