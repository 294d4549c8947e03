// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/ratelimit"
)

// Config holds all configuration for the realtime gateway.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Auth      AuthConfig       `yaml:"auth"`
	Camera    CameraConfig     `yaml:"camera"`
	Command   CommandConfig    `yaml:"command"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Session event queue depth. A full queue drops events rather than
	// buffering without bound under slow clients.
	SessionQueueSize int `yaml:"session_queue_size"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	Type string `yaml:"type"` // redis, memory

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	Algorithm    string `yaml:"algorithm"` // HS256, RS256
	SecretKey    string `yaml:"secret_key"`
	PublicKeyPEM string `yaml:"public_key_pem"`
}

// CameraConfig holds frame optimizer defaults negotiated per subscription.
type CameraConfig struct {
	DefaultMaxFPS        int    `yaml:"default_max_fps"`
	DefaultQuality       string `yaml:"default_quality"`   // high, medium, low
	DefaultTransport     string `yaml:"default_transport"` // binary, json
	AdaptiveQuality      bool   `yaml:"adaptive_quality"`
	DecompressionEnabled bool   `yaml:"decompression_enabled"`
}

// CommandConfig holds outbound drone command settings.
type CommandConfig struct {
	// AuditDir is the Badger directory for the critical-command audit log.
	AuditDir string `yaml:"audit_dir"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for command publishing.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSAddr:           ":4005",
			WSPath:           "/telemetry",
			HealthAddr:       ":4006",
			HealthEnabled:    true,
			MetricsAddr:      "localhost:4317",
			MetricsEnabled:   false,
			ShutdownTimeout:  30 * time.Second,
			SessionQueueSize: 256,

			OtelServiceName:     "realtime-gateway",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Store: StoreConfig{
			Type: "redis",
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				DB:          0,
				DialTimeout: 5 * time.Second,
				ReadTimeout: 3 * time.Second,
			},
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
		},
		Camera: CameraConfig{
			DefaultMaxFPS:        30,
			DefaultQuality:       "high",
			DefaultTransport:     "binary",
			AdaptiveQuality:      true,
			DecompressionEnabled: true,
		},
		Command: CommandConfig{
			AuditDir: "/tmp/flyos/commands",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSPath == "" {
		return fmt.Errorf("server.ws_path cannot be empty")
	}
	if c.Server.SessionQueueSize < 16 {
		return fmt.Errorf("server.session_queue_size must be at least 16")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	validStore := map[string]bool{"redis": true, "memory": true}
	if !validStore[c.Store.Type] {
		return fmt.Errorf("store.type must be one of: redis, memory")
	}
	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr required when type is redis")
	}

	validAlg := map[string]bool{"HS256": true, "RS256": true}
	if !validAlg[c.Auth.Algorithm] {
		return fmt.Errorf("auth.algorithm must be one of: HS256, RS256")
	}

	if c.Camera.DefaultMaxFPS < 1 || c.Camera.DefaultMaxFPS > 120 {
		return fmt.Errorf("camera.default_max_fps must be between 1 and 120")
	}
	validQuality := map[string]bool{"high": true, "medium": true, "low": true}
	if !validQuality[c.Camera.DefaultQuality] {
		return fmt.Errorf("camera.default_quality must be one of: high, medium, low")
	}
	validTransport := map[string]bool{"binary": true, "json": true}
	if !validTransport[c.Camera.DefaultTransport] {
		return fmt.Errorf("camera.default_transport must be one of: binary, json")
	}

	if c.Command.AuditDir == "" {
		return fmt.Errorf("command.audit_dir cannot be empty")
	}
	if c.Command.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("command.breaker.failure_threshold must be at least 1")
	}
	if c.Command.Breaker.ResetTimeout < time.Second {
		return fmt.Errorf("command.breaker.reset_timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.MetricsEnabled && c.Server.OtelServiceName == "" {
		return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
	}
	if c.Server.OtelTraceSampleRate < 0 || c.Server.OtelTraceSampleRate > 1 {
		return fmt.Errorf("server.otel_trace_sample_rate must be between 0 and 1")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
