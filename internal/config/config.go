// Package config loads stravad configuration from environment variables.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for stravad.
type Config struct {
	// Service flags. At least one must be true.
	EnableBroker  bool `env:"ENABLE_BROKER" envDefault:"false"`
	EnableFeed    bool `env:"ENABLE_FEED" envDefault:"true"`
	EnableSession bool `env:"ENABLE_SESSION" envDefault:"false"`

	// Strava application credentials (required for the broker and feed
	// services; the session variant talks to a broker instead). The
	// secret is held server-side only and never logged or returned to
	// callers.
	ClientID     string `env:"STRAVA_CLIENT_ID"`
	ClientSecret string `env:"STRAVA_CLIENT_SECRET"`

	// Owner refresh token (required when the feed is enabled). Static
	// configuration, not rotated state; the token cache warns when the
	// upstream rotates it.
	RefreshToken string `env:"STRAVA_REFRESH_TOKEN"`

	// Listen addresses, one per enabled service.
	BrokerListenAddr  string `env:"BROKER_LISTEN_ADDR" envDefault:":8080"`
	FeedListenAddr    string `env:"FEED_LISTEN_ADDR" envDefault:":8081"`
	SessionListenAddr string `env:"SESSION_LISTEN_ADDR" envDefault:":8082"`

	// Broker base URL the session variant exchanges and refreshes
	// through.
	BrokerURL string `env:"BROKER_URL" envDefault:"http://localhost:8080"`

	// Response cache backend for the feed: memory or redis.
	CacheBackend  string `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Directory for the client-variant state database. Empty means
	// ~/.stravaproxy.
	StateDir string `env:"STATE_DIR"`

	// Environment controls log format; LogLevel the verbosity floor.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the client secret to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableBroker && !c.EnableFeed && !c.EnableSession {
		return fmt.Errorf("at least one of ENABLE_BROKER, ENABLE_FEED, or ENABLE_SESSION must be true")
	}

	if c.EnableBroker || c.EnableFeed {
		if c.ClientID == "" {
			return fmt.Errorf("STRAVA_CLIENT_ID is required")
		}

		if c.ClientSecret == "" {
			return fmt.Errorf("STRAVA_CLIENT_SECRET is required")
		}
	}

	if c.EnableFeed && c.RefreshToken == "" {
		return fmt.Errorf("STRAVA_REFRESH_TOKEN is required when the feed is enabled")
	}

	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend)
	}

	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND is redis")
	}

	if c.EnableSession && c.BrokerURL == "" {
		return fmt.Errorf("BROKER_URL is required when the session is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
