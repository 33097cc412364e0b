// Package syncconfig loads the client configuration from
// ~/.config/runlog/config.json, overridden by RUNLOG_* environment variables.
package syncconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the client config stored at ~/.config/runlog/config.json.
type Config struct {
	ServerURL    string `json:"server_url"`
	Workspace    string `json:"workspace,omitempty"`
	Project      string `json:"project,omitempty"`
	Mode         string `json:"mode,omitempty"`          // async (default), sync, offline
	BaseDir      string `json:"base_dir,omitempty"`      // directory holding .runlog; default cwd
	PollInterval string `json:"poll_interval,omitempty"` // duration string, default "5s"
	BatchSize    int    `json:"batch_size,omitempty"`    // ops per request, default 100
	OnError      string `json:"on_error,omitempty"`      // halt (default) or skip
}

const (
	defaultServerURL    = "http://localhost:8080"
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 100
)

var keys = []string{"server_url", "workspace", "project", "mode", "base_dir", "poll_interval", "batch_size", "on_error"}

// ConfigDir returns ~/.config/runlog, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "runlog")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the config file location.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("RUNLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", defaultServerURL)
	v.SetDefault("workspace", "default")
	v.SetDefault("project", "")
	v.SetDefault("mode", "async")
	v.SetDefault("base_dir", "")
	v.SetDefault("poll_interval", defaultPollInterval.String())
	v.SetDefault("batch_size", defaultBatchSize)
	v.SetDefault("on_error", "halt")

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return v, nil
}

// Load returns the effective configuration.
// Priority: RUNLOG_* env > config.json > defaults.
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return &Config{
		ServerURL:    strings.TrimRight(v.GetString("server_url"), "/"),
		Workspace:    v.GetString("workspace"),
		Project:      v.GetString("project"),
		Mode:         v.GetString("mode"),
		BaseDir:      v.GetString("base_dir"),
		PollInterval: v.GetString("poll_interval"),
		BatchSize:    v.GetInt("batch_size"),
		OnError:      v.GetString("on_error"),
	}, nil
}

// LoadFile reads only config.json, without env overrides or defaults.
// Used by `runlog init` to prefill its form.
func LoadFile() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config to ~/.config/runlog/config.json.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get returns a single effective value by key, for `runlog config get`.
func Get(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	v, err := newViper()
	if err != nil {
		return "", err
	}
	return v.GetString(key), nil
}

// Keys lists the recognised config keys.
func Keys() []string {
	return append([]string(nil), keys...)
}

func validKey(key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// GetPollInterval parses PollInterval, falling back to 5s.
func (c *Config) GetPollInterval() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	return defaultPollInterval
}

// GetBatchSize returns BatchSize, falling back to 100.
func (c *Config) GetBatchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return defaultBatchSize
}

// SkipOnError reports whether rejected operations are skipped rather than
// halting the sync engine.
func (c *Config) SkipOnError() bool {
	return strings.EqualFold(c.OnError, "skip")
}
