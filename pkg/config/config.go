// Package config carries the tunable parameters of the command engine.
// Values the device protocol does not pin down (retry counts, deadlines,
// keep-alive cadence) default here and may be overridden from a YAML
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RequestConfig tunes correlation and retry behavior.
type RequestConfig struct {
	// Timeout is the per-attempt response deadline.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts caps how many times one request id is sent before it
	// fails with a timeout.
	MaxAttempts int `yaml:"max_attempts"`

	// SweepInterval is the cadence of the overdue-request sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LocalConfig tunes the LAN channel.
type LocalConfig struct {
	// DiscoveryPort is the UDP port discovery probes are broadcast to.
	DiscoveryPort int `yaml:"discovery_port"`

	// CommandPort is the TCP port the persistent command socket uses.
	CommandPort int `yaml:"command_port"`

	// DiscoveryTimeout bounds how long a discovery round waits for a
	// probe response.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// HandshakeTimeout bounds each hello attempt during protocol
	// negotiation.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// KeepAliveInterval is the cadence of keep-alive pings once
	// connected.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// MaxMissedKeepAlives is how many unanswered pings demote the
	// channel to degraded.
	MaxMissedKeepAlives int `yaml:"max_missed_keepalives"`

	// DegradedGrace is how long a degraded channel may linger before
	// it is closed and removed from transport selection.
	DegradedGrace time.Duration `yaml:"degraded_grace"`
}

// CloudConfig tunes the MQTT relay channel.
type CloudConfig struct {
	// ConnectTimeout bounds the initial broker connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration `yaml:"keepalive"`

	// QoS is the publish/subscribe quality of service level.
	QoS byte `yaml:"qos"`
}

// Config is the full engine configuration.
type Config struct {
	Request RequestConfig `yaml:"request"`
	Local   LocalConfig   `yaml:"local"`
	Cloud   CloudConfig   `yaml:"cloud"`

	// ProtocolLogPath, when set, enables frame capture to a CBOR event
	// file for offline diagnostics.
	ProtocolLogPath string `yaml:"protocol_log_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Request: RequestConfig{
			Timeout:       10 * time.Second,
			MaxAttempts:   3, // initial send plus two retries
			SweepInterval: time.Second,
		},
		Local: LocalConfig{
			DiscoveryPort:       58866,
			CommandPort:         58867,
			DiscoveryTimeout:    5 * time.Second,
			HandshakeTimeout:    5 * time.Second,
			KeepAliveInterval:   10 * time.Second,
			MaxMissedKeepAlives: 3,
			DegradedGrace:       30 * time.Second,
		},
		Cloud: CloudConfig{
			ConnectTimeout: 10 * time.Second,
			KeepAlive:      30 * time.Second,
			QoS:            1,
		},
	}
}

// Load reads a YAML file over the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Request.Timeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.Request.Timeout)
	}
	if c.Request.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.Request.MaxAttempts)
	}
	if c.Request.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.Request.SweepInterval)
	}
	if c.Local.DiscoveryPort <= 0 || c.Local.DiscoveryPort > 0xFFFF {
		return fmt.Errorf("invalid discovery port %d", c.Local.DiscoveryPort)
	}
	if c.Local.CommandPort <= 0 || c.Local.CommandPort > 0xFFFF {
		return fmt.Errorf("invalid command port %d", c.Local.CommandPort)
	}
	if c.Local.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %v", c.Local.HandshakeTimeout)
	}
	if c.Local.MaxMissedKeepAlives < 1 {
		return fmt.Errorf("max missed keepalives must be at least 1, got %d", c.Local.MaxMissedKeepAlives)
	}
	return nil
}
