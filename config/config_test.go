// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Store.Type != "redis" {
		t.Errorf("default store type = %q, want redis", cfg.Store.Type)
	}
	if cfg.Camera.DefaultMaxFPS != 30 {
		t.Errorf("default max fps = %d, want 30", cfg.Camera.DefaultMaxFPS)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.WSAddr != ":4005" {
		t.Errorf("WSAddr = %q, want :4005", cfg.Server.WSAddr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := []byte(`
server:
  ws_addr: ":9001"
  shutdown_timeout: 10s
store:
  type: memory
camera:
  default_max_fps: 15
  default_quality: medium
log:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.WSAddr != ":9001" {
		t.Errorf("WSAddr = %q, want :9001", cfg.Server.WSAddr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("store type = %q, want memory", cfg.Store.Type)
	}
	if cfg.Camera.DefaultMaxFPS != 15 || cfg.Camera.DefaultQuality != "medium" {
		t.Errorf("camera overrides not applied: %+v", cfg.Camera)
	}
	// Untouched sections keep defaults.
	if cfg.Server.WSPath != "/telemetry" {
		t.Errorf("WSPath = %q, want default /telemetry", cfg.Server.WSPath)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty ws addr", func(c *Config) { c.Server.WSAddr = "" }},
		{"unknown store", func(c *Config) { c.Store.Type = "postgres" }},
		{"missing redis addr", func(c *Config) { c.Store.Redis.Addr = "" }},
		{"bad algorithm", func(c *Config) { c.Auth.Algorithm = "none" }},
		{"zero fps", func(c *Config) { c.Camera.DefaultMaxFPS = 0 }},
		{"bad quality", func(c *Config) { c.Camera.DefaultQuality = "ultra" }},
		{"bad transport", func(c *Config) { c.Camera.DefaultTransport = "udp" }},
		{"empty audit dir", func(c *Config) { c.Command.AuditDir = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"tiny queue", func(c *Config) { c.Server.SessionQueueSize = 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	cfg := Default()
	cfg.Server.WSAddr = ":7777"
	cfg.Camera.DefaultQuality = "low"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.WSAddr != ":7777" || loaded.Camera.DefaultQuality != "low" {
		t.Errorf("round trip mismatch: %+v", loaded.Server)
	}
}
