package api

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration, loaded from RUNLOG_SERVER_* environment variables.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	ProjectDataDir  string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	MaxBatchOps   int   // operations per POST /ops (default: 1000)
	MaxBodyBytes  int64 // request body limit (default: 64 MiB)
	RateLimitOps  int   // /ops per client IP per minute (default: 600)
	RateLimitRead int   // everything else per client IP per minute (default: 1200)

	CORSAllowedOrigins []string // allowed origins for read endpoints; empty = disabled
}

// LoadConfig reads configuration from the environment with sensible defaults.
func LoadConfig() Config {
	v := viper.New()
	v.SetEnvPrefix("RUNLOG_SERVER")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "./data/server.db")
	v.SetDefault("data_dir", "./data/projects")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_batch_ops", 1000)
	v.SetDefault("max_body_bytes", int64(64<<20))
	v.SetDefault("rate_limit_ops", 600)
	v.SetDefault("rate_limit_read", 1200)
	v.SetDefault("cors_allowed_origins", "")

	cfg := Config{
		ListenAddr:      v.GetString("listen_addr"),
		ServerDBPath:    v.GetString("db_path"),
		ProjectDataDir:  v.GetString("data_dir"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		LogFormat:       v.GetString("log_format"),
		LogLevel:        v.GetString("log_level"),
		MaxBatchOps:     v.GetInt("max_batch_ops"),
		MaxBodyBytes:    v.GetInt64("max_body_bytes"),
		RateLimitOps:    v.GetInt("rate_limit_ops"),
		RateLimitRead:   v.GetInt("rate_limit_read"),
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxBatchOps <= 0 {
		cfg.MaxBatchOps = 1000
	}

	for _, o := range strings.Split(v.GetString("cors_allowed_origins"), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg
}
