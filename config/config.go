// Package config loads and validates the YAML configuration for the
// messenger. Every field has a working default; an absent file means
// the defaults run as-is.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Silent discards all log output. Useful when every byte written to
	// disk or console is a liability.
	Silent bool `yaml:"silent"`

	Listen      ListenConfig      `yaml:"listen"`
	Tor         TorConfig         `yaml:"tor"`
	Obfuscation ObfuscationConfig `yaml:"obfuscation"`
	Dummy       DummyConfig       `yaml:"dummy"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ListenConfig controls how the relay side accepts peers.
type ListenConfig struct {
	// Port is the service port peers are relayed on.
	Port int `yaml:"port"`

	// DirectTCP serves plain TCP on Host instead of a Tor hidden
	// service. No anonymity; LAN and test use only.
	DirectTCP bool   `yaml:"direct_tcp"`
	Host      string `yaml:"host"`
}

// TorConfig controls how the Tor daemon is reached.
type TorConfig struct {
	ControlAddress  string `yaml:"control_address"`
	ControlPassword string `yaml:"control_password"`

	// AutoLaunch starts a private tor process when no daemon answers on
	// ControlAddress.
	AutoLaunch bool `yaml:"auto_launch"`

	SocksHost  string `yaml:"socks_host"`
	SocksPorts []int  `yaml:"socks_ports"`
}

// ObfuscationConfig overrides the send-delay window. Values are
// milliseconds.
type ObfuscationConfig struct {
	MinDelayMS int `yaml:"min_delay_ms"`
	MaxDelayMS int `yaml:"max_delay_ms"`
}

// MinDelay returns the lower delay bound.
func (o ObfuscationConfig) MinDelay() time.Duration {
	return time.Duration(o.MinDelayMS) * time.Millisecond
}

// MaxDelay returns the upper delay bound.
func (o ObfuscationConfig) MaxDelay() time.Duration {
	return time.Duration(o.MaxDelayMS) * time.Millisecond
}

// DummyConfig overrides the dummy-traffic schedule. Values are
// milliseconds.
type DummyConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	JitterMS   int `yaml:"jitter_ms"`
}

// Interval returns the base wait between dummy broadcasts.
func (d DummyConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMS) * time.Millisecond
}

// Jitter returns the random extra wait added to the interval.
func (d DummyConfig) Jitter() time.Duration {
	return time.Duration(d.JitterMS) * time.Millisecond
}

// MetricsConfig controls the local Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfig returns the configuration used when no file overrides
// anything.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Listen: ListenConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Tor: TorConfig{
			ControlAddress: "127.0.0.1:9051",
			AutoLaunch:     true,
			SocksHost:      "127.0.0.1",
			SocksPorts:     []int{9050, 9051, 9052, 9053, 9054},
		},
		Obfuscation: ObfuscationConfig{
			MinDelayMS: 500,
			MaxDelayMS: 3000,
		},
		Dummy: DummyConfig{
			IntervalMS: 20000,
			JitterMS:   10000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// Load reads the configuration file at path over the defaults. A
// missing file is not an error; an unreadable or invalid one is.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks field ranges and cross-field consistency.
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen.port: %d", c.Listen.Port)
	}
	if c.Listen.DirectTCP && c.Listen.Host == "" {
		return fmt.Errorf("listen.host is required when listen.direct_tcp is set")
	}

	if !c.Listen.DirectTCP && c.Tor.ControlAddress == "" {
		return fmt.Errorf("tor.control_address is required unless listen.direct_tcp is set")
	}
	for _, port := range c.Tor.SocksPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid tor.socks_ports entry: %d", port)
		}
	}

	if c.Obfuscation.MinDelayMS < 1 {
		return fmt.Errorf("obfuscation.min_delay_ms must be at least 1, got %d", c.Obfuscation.MinDelayMS)
	}
	if c.Obfuscation.MaxDelayMS < c.Obfuscation.MinDelayMS {
		return fmt.Errorf("obfuscation.max_delay_ms %d is below min_delay_ms %d",
			c.Obfuscation.MaxDelayMS, c.Obfuscation.MinDelayMS)
	}

	if c.Dummy.IntervalMS < 1 {
		return fmt.Errorf("dummy.interval_ms must be at least 1, got %d", c.Dummy.IntervalMS)
	}
	if c.Dummy.JitterMS < 0 {
		return fmt.Errorf("dummy.jitter_ms must not be negative, got %d", c.Dummy.JitterMS)
	}

	if c.Metrics.Enabled {
		host, _, err := net.SplitHostPort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics.listen must be a loopback address, got %s", c.Metrics.Listen)
		}
	}

	return nil
}

// isLoopbackHost reports whether the host stays on this machine. The
// metrics endpoint must never be reachable from outside.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
