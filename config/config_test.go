package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", config.LogLevel)
	}
	if config.Listen.Port != 8080 {
		t.Errorf("expected Listen.Port 8080, got %d", config.Listen.Port)
	}
	if config.Tor.ControlAddress != "127.0.0.1:9051" {
		t.Errorf("expected default control address, got %s", config.Tor.ControlAddress)
	}
	if !config.Tor.AutoLaunch {
		t.Error("expected Tor.AutoLaunch on by default")
	}
	if got := config.Obfuscation.MinDelay(); got != 500*time.Millisecond {
		t.Errorf("expected MinDelay 500ms, got %v", got)
	}
	if got := config.Obfuscation.MaxDelay(); got != 3*time.Second {
		t.Errorf("expected MaxDelay 3s, got %v", got)
	}
	if got := config.Dummy.Interval(); got != 20*time.Second {
		t.Errorf("expected Dummy.Interval 20s, got %v", got)
	}
	if config.Metrics.Enabled {
		t.Error("expected metrics off by default")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Listen.Port != 8080 {
		t.Errorf("expected default port, got %d", config.Listen.Port)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
log_level: debug
listen:
  port: 9000
  direct_tcp: true
  host: 0.0.0.0
tor:
  auto_launch: false
  socks_ports: [9150]
obfuscation:
  min_delay_ms: 50
  max_delay_ms: 200
dummy:
  interval_ms: 5000
  jitter_ms: 1000
metrics:
  enabled: true
  listen: 127.0.0.1:9900
`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.LogLevel != "debug" {
		t.Errorf("expected LogLevel debug, got %s", config.LogLevel)
	}
	if config.Listen.Port != 9000 {
		t.Errorf("expected Listen.Port 9000, got %d", config.Listen.Port)
	}
	if !config.Listen.DirectTCP {
		t.Error("expected DirectTCP on")
	}
	if config.Tor.AutoLaunch {
		t.Error("expected AutoLaunch off")
	}
	if len(config.Tor.SocksPorts) != 1 || config.Tor.SocksPorts[0] != 9150 {
		t.Errorf("expected SocksPorts [9150], got %v", config.Tor.SocksPorts)
	}
	if got := config.Obfuscation.MinDelay(); got != 50*time.Millisecond {
		t.Errorf("expected MinDelay 50ms, got %v", got)
	}
	if got := config.Dummy.Jitter(); got != time.Second {
		t.Errorf("expected Jitter 1s, got %v", got)
	}
	if !config.Metrics.Enabled || config.Metrics.Listen != "127.0.0.1:9900" {
		t.Errorf("expected metrics on at 127.0.0.1:9900, got %+v", config.Metrics)
	}
}

func TestLoadUnparseableFile(t *testing.T) {
	path := writeConfigFile(t, "listen: [not: a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Load succeeded on unparseable YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "port zero",
			mutate:  func(c *Config) { c.Listen.Port = 0 },
			wantErr: "listen.port",
		},
		{
			name:    "port too large",
			mutate:  func(c *Config) { c.Listen.Port = 70000 },
			wantErr: "listen.port",
		},
		{
			name: "direct tcp without host",
			mutate: func(c *Config) {
				c.Listen.DirectTCP = true
				c.Listen.Host = ""
			},
			wantErr: "listen.host",
		},
		{
			name:    "missing control address",
			mutate:  func(c *Config) { c.Tor.ControlAddress = "" },
			wantErr: "tor.control_address",
		},
		{
			name: "control address optional in direct tcp mode",
			mutate: func(c *Config) {
				c.Listen.DirectTCP = true
				c.Tor.ControlAddress = ""
			},
			wantErr: "",
		},
		{
			name:    "bad socks port",
			mutate:  func(c *Config) { c.Tor.SocksPorts = []int{9050, 0} },
			wantErr: "socks_ports",
		},
		{
			name:    "zero min delay",
			mutate:  func(c *Config) { c.Obfuscation.MinDelayMS = 0 },
			wantErr: "min_delay_ms",
		},
		{
			name: "max delay below min",
			mutate: func(c *Config) {
				c.Obfuscation.MinDelayMS = 1000
				c.Obfuscation.MaxDelayMS = 100
			},
			wantErr: "max_delay_ms",
		},
		{
			name:    "zero dummy interval",
			mutate:  func(c *Config) { c.Dummy.IntervalMS = 0 },
			wantErr: "interval_ms",
		},
		{
			name:    "negative jitter",
			mutate:  func(c *Config) { c.Dummy.JitterMS = -1 },
			wantErr: "jitter_ms",
		},
		{
			name: "metrics on non-loopback",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = "0.0.0.0:9464"
			},
			wantErr: "loopback",
		},
		{
			name: "metrics listen malformed",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = "no-port"
			},
			wantErr: "metrics.listen",
		},
		{
			name: "metrics on localhost ok",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = "localhost:9464"
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate returned %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate returned nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
