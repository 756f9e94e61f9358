// Package config provides configuration management for the dx daemon.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	Network NetworkConfig     `yaml:"network"`
	Trust   TrustConfig       `yaml:"trust"`
	Status  StatusConfig      `yaml:"status"`
	History HistoryConfig     `yaml:"history"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Peers   map[string]string `yaml:"peers"` // peer ID -> multiaddr
}

// NetworkConfig contains libp2p host settings.
type NetworkConfig struct {
	Listen   []string `yaml:"listen"`
	MaxConns int      `yaml:"max_connections"`
}

// TrustConfig locates the trust store and identity key.
type TrustConfig struct {
	StorePath string `yaml:"store_path"`
	KeyPath   string `yaml:"key_path"`
}

// StatusConfig tunes the status exchange.
type StatusConfig struct {
	Provider         string        `yaml:"provider"` // file:<path>, static:<hex>, random
	Interval         time.Duration `yaml:"interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ExchangeTimeout  time.Duration `yaml:"exchange_timeout"`
	AutoProvision    bool          `yaml:"auto_provision"`
	MaxSessions      int           `yaml:"max_sessions"`
	RedialMax        time.Duration `yaml:"redial_max"`
}

// HistoryConfig locates the exchange history database.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig controls periodic metric snapshots. An empty path
// disables them.
type MetricsConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a default configuration rooted under ~/.dx.
func Default() *Config {
	dir := DefaultDir()

	return &Config{
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4701",
				"/ip4/0.0.0.0/tcp/4702/ws",
			},
			MaxConns: 256,
		},
		Trust: TrustConfig{
			StorePath: filepath.Join(dir, "truststore.bin"),
			KeyPath:   filepath.Join(dir, "node.key"),
		},
		Status: StatusConfig{
			Provider:         "random",
			Interval:         15 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ExchangeTimeout:  20 * time.Second,
			MaxSessions:      64,
			RedialMax:        time.Minute,
		},
		History: HistoryConfig{
			Path: filepath.Join(dir, "history.db"),
		},
		Metrics: MetricsConfig{
			Interval: time.Minute,
		},
		Peers: map[string]string{},
	}
}

// DefaultDir returns the default state directory.
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".dx")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load loads the configuration from a file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
