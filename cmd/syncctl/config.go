package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/unkn0wn-root/syncstore"
)

// Config is read from SYNCCTL_* environment variables.
type Config struct {
	APIURL      string `env:"API_URL" envDefault:"http://localhost:8000/api"`
	TokenPath   string `env:"TOKEN_PATH" envDefault:"/auth/token/"`
	RefreshPath string `env:"REFRESH_PATH" envDefault:"/auth/refresh/"`

	// Credentials is "file" or "redis".
	Credentials     string `env:"CREDENTIALS" envDefault:"file"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`

	// Cache is one of memory, ristretto, bigcache or redis.
	Cache          string `env:"CACHE" envDefault:"memory"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Namespace      string `env:"NAMESPACE" envDefault:"projects"`
	Codec          string `env:"CODEC" envDefault:"json"`
	MaxRecordBytes int    `env:"MAX_RECORD_BYTES" envDefault:"8388608"`

	Inflight      syncstore.InflightPolicy `env:"INFLIGHT" envDefault:"return-cached"`
	Freshness     time.Duration            `env:"FRESHNESS" envDefault:"5m"`
	Retention     time.Duration            `env:"RETENTION" envDefault:"24h"`
	HTTPTimeout   time.Duration            `env:"HTTP_TIMEOUT" envDefault:"30s"`
	RefreshLeeway time.Duration            `env:"REFRESH_LEEWAY" envDefault:"30s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"warn"`
}

// loadConfig parses environ, or the process environment when environ is nil.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SYNCCTL_", Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.CredentialsFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return Config{}, fmt.Errorf("locate config dir: %w", err)
		}
		cfg.CredentialsFile = filepath.Join(dir, "syncctl", "credentials.yaml")
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Cache {
	case "memory", "ristretto", "bigcache", "redis":
	default:
		return fmt.Errorf("SYNCCTL_CACHE: unknown cache %q", c.Cache)
	}
	switch c.Credentials {
	case "file", "redis":
	default:
		return fmt.Errorf("SYNCCTL_CREDENTIALS: unknown store %q", c.Credentials)
	}
	if c.APIURL == "" {
		return fmt.Errorf("SYNCCTL_API_URL is required")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("SYNCCTL_HTTP_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) usesRedis() bool { return c.Cache == "redis" || c.Credentials == "redis" }
