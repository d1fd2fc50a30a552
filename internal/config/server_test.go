package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "config*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Default log level mismatch: got %s, want info", cfg.LogLevel)
	}

	if cfg.MetricsEnabled {
		t.Errorf("Metrics should be disabled by default")
	}

	if cfg.MetricsPort != 9090 {
		t.Errorf("Default metrics port mismatch: got %d, want 9090", cfg.MetricsPort)
	}

	if cfg.Host.Isolation != "thread" {
		t.Errorf("Default isolation mismatch: got %s, want thread", cfg.Host.Isolation)
	}

	if cfg.Host.InitTimeout != 10*time.Minute || cfg.Host.ConvertTimeout != 5*time.Minute {
		t.Errorf("Default timeouts mismatch: got %v / %v", cfg.Host.InitTimeout, cfg.Host.ConvertTimeout)
	}

	if cfg.Pool.Size != 1 || cfg.Pool.RecycleAfter != 0 || cfg.Pool.ReplaceFailed {
		t.Errorf("Default pool mismatch: got %+v", cfg.Pool)
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
metrics_enabled: true
metrics_port: 8080
engine:
  path: /opt/lok
host:
  isolation: process
  convert_timeout: 30s
pool:
  size: 4
  recycle_after: 50
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Log level mismatch: got %s, want debug", cfg.LogLevel)
	}

	if cfg.MetricsPort != 8080 {
		t.Errorf("Metrics port mismatch: got %d, want 8080", cfg.MetricsPort)
	}

	if cfg.Engine.Path != "/opt/lok" {
		t.Errorf("Engine path mismatch: got %s, want /opt/lok", cfg.Engine.Path)
	}

	if cfg.Host.Isolation != "process" {
		t.Errorf("Isolation mismatch: got %s, want process", cfg.Host.Isolation)
	}

	if cfg.Host.ConvertTimeout != 30*time.Second {
		t.Errorf("Convert timeout mismatch: got %v, want 30s", cfg.Host.ConvertTimeout)
	}

	// Unset keys keep their defaults.
	if cfg.Host.InitTimeout != 10*time.Minute {
		t.Errorf("Init timeout mismatch: got %v, want 10m", cfg.Host.InitTimeout)
	}

	if cfg.Pool.Size != 4 || cfg.Pool.RecycleAfter != 50 {
		t.Errorf("Pool mismatch: got %+v", cfg.Pool)
	}
}

func TestLoadServerConfigEnvOverride(t *testing.T) {
	t.Setenv("DOCBRIDGE_POOL_SIZE", "3")
	t.Setenv("DOCBRIDGE_ENGINE_PATH", "/srv/engine")
	t.Setenv("DOCBRIDGE_HOST_DESTROY_TIMEOUT", "2s")

	path := writeConfig(t, "pool:\n  size: 2\n")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Pool.Size != 3 {
		t.Errorf("Env should override file: got pool size %d, want 3", cfg.Pool.Size)
	}

	if cfg.Engine.Path != "/srv/engine" {
		t.Errorf("Engine path mismatch: got %s", cfg.Engine.Path)
	}

	if cfg.Host.DestroyTimeout != 2*time.Second {
		t.Errorf("Destroy timeout mismatch: got %v, want 2s", cfg.Host.DestroyTimeout)
	}
}

func TestLoadServerConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"log level", "log_level: verbose\n", "LogLevel"},
		{"isolation", "host:\n  isolation: vm\n", "Isolation"},
		{"pool size", "pool:\n  size: 0\n", "Size"},
		{"timeout", "host:\n  init_timeout: 0s\n", "InitTimeout"},
		{"engine path", "engine:\n  path: \"\"\n", "Path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServerConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("LoadServerConfig() should fail")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig("/nonexistent/docbridge.yaml"); err == nil {
		t.Fatal("LoadServerConfig() should fail for a missing file")
	}
}
