// Package config loads browserchannel-server's configuration from BCS_*
// environment variables, a YAML file, and built-in defaults, in that order
// of decreasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is browserchannel-server's full configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (BCS_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// No configuration key is read from command-line flags.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Channel ChannelConfig `mapstructure:"channel" yaml:"channel"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls the zap logger's verbosity and encoding.
type LoggingConfig struct {
	// Level is the minimum level to emit: debug, info, warn, or error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is either "console" (development, human-readable) or "json"
	// (production, machine-parseable).
	Format string `mapstructure:"format" yaml:"format"`
}

// ServerConfig controls the HTTP listener and graceful shutdown.
type ServerConfig struct {
	// Addr is the address the HTTP server listens on, e.g. ":8080".
	Addr string `mapstructure:"addr" yaml:"addr"`
	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight requests -- including hanging back-channel GETs -- to
	// drain before the process exits anyway.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ChannelConfig mirrors browserchannel.Config, exposed as a config-file
// surface rather than Go literals.
type ChannelConfig struct {
	Base                   string        `mapstructure:"base" yaml:"base"`
	HostPrefixes           []string      `mapstructure:"host_prefixes" yaml:"host_prefixes"`
	KeepAliveInterval      time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
	SessionTimeoutInterval time.Duration `mapstructure:"session_timeout_interval" yaml:"session_timeout_interval"`
	MaxBufferedOffsets     int           `mapstructure:"max_buffered_offsets" yaml:"max_buffered_offsets"`
	NewSessionRateLimit    float64       `mapstructure:"new_session_rate_limit" yaml:"new_session_rate_limit"`
	NewSessionBurst        int           `mapstructure:"new_session_burst" yaml:"new_session_burst"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Load loads configuration from file, environment, and defaults, then
// validates the result.
//
// Parameters:
//   - configPath: path to a config file (empty string looks for
//     browserchannel-server.yaml in the working directory); a missing
//     file is not an error, and environment + defaults still apply
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BCS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("browserchannel-server")
		v.SetConfigType("yaml")
	}

	applyViperDefaults(v)
}

// applyViperDefaults registers defaultConfig()'s values with viper so that
// v.Unmarshal produces them even when neither a config file nor an
// environment variable sets a given key.
func applyViperDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("channel.base", d.Channel.Base)
	v.SetDefault("channel.host_prefixes", d.Channel.HostPrefixes)
	v.SetDefault("channel.keep_alive_interval", d.Channel.KeepAliveInterval)
	v.SetDefault("channel.session_timeout_interval", d.Channel.SessionTimeoutInterval)
	v.SetDefault("channel.max_buffered_offsets", d.Channel.MaxBufferedOffsets)
	v.SetDefault("channel.new_session_rate_limit", d.Channel.NewSessionRateLimit)
	v.SetDefault("channel.new_session_burst", d.Channel.NewSessionBurst)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Channel: ChannelConfig{
			Base:                   "/channel",
			KeepAliveInterval:      20 * time.Second,
			SessionTimeoutInterval: 30 * time.Second,
			MaxBufferedOffsets:     100,
			NewSessionRateLimit:    50,
			NewSessionBurst:        100,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Validate checks field-level invariants that viper's loose unmarshaling
// can't enforce on its own. Unlike dittofs's configuration surface, this
// server has few enough knobs that hand-written checks read more clearly
// than a struct-tag validation layer would.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format)
	}
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if cfg.Channel.Base == "" {
		return fmt.Errorf("channel.base must not be empty")
	}
	if cfg.Channel.KeepAliveInterval <= 0 {
		return fmt.Errorf("channel.keep_alive_interval must be positive")
	}
	if cfg.Channel.SessionTimeoutInterval <= cfg.Channel.KeepAliveInterval {
		return fmt.Errorf("channel.session_timeout_interval must exceed channel.keep_alive_interval")
	}
	if cfg.Channel.MaxBufferedOffsets <= 0 {
		return fmt.Errorf("channel.max_buffered_offsets must be positive")
	}
	return nil
}
