// Package config loads client configuration from scout-config.json, the
// environment, and command-line flags.
package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds the settings the CLI needs to talk to a backend.
type Config struct {
	// ServerURL is the backend base URL (http/https); the websocket stream
	// endpoint is derived from it.
	ServerURL string `mapstructure:"server_url"`
	// UserID identifies the update channel to subscribe to. Generated when
	// unset.
	UserID string `mapstructure:"user_id"`
	// SourceCacheSize bounds the parsed-payload memo used by source
	// aggregation. Zero selects the default.
	SourceCacheSize int `mapstructure:"source_cache_size"`
	// ReconnectMaxDelaySeconds caps the websocket reconnect backoff.
	ReconnectMaxDelaySeconds int `mapstructure:"reconnect_max_delay_seconds"`
}

// Defaults returns the configuration used when nothing else is specified.
func Defaults() Config {
	return Config{
		ServerURL:                "http://localhost:8000",
		SourceCacheSize:          256,
		ReconnectMaxDelaySeconds: 30,
	}
}

// Load reads scout-config.json from the home directory or the working
// directory, layered under SCOUT_* environment variables. A missing config
// file is not an error.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("scout-config")
	v.SetConfigType("json")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	v.SetEnvPrefix("scout")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("server_url", defaults.ServerURL)
	// Registered so the SCOUT_USER_ID environment variable is picked up.
	v.SetDefault("user_id", "")
	v.SetDefault("source_cache_size", defaults.SourceCacheSize)
	v.SetDefault("reconnect_max_delay_seconds", defaults.ReconnectMaxDelaySeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	return cfg, nil
}
