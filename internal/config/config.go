// Package config loads and saves the daemon's YAML configuration: a
// DefaultConfig constructor, a LoadConfig/Save pair, and ~-expansion of
// storage paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/musig2mesh/internal/election"
)

// Config holds every recognized daemon option, including the network
// settings the overlay needs.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Session  SessionConfig  `yaml:"session"`
}

// IdentityConfig holds the signing/peer identity key location.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	ListenAddrs        []string      `yaml:"listen_addrs"`
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
	EnableMDNS         bool          `yaml:"enable_mdns"`
	EnableDHT          bool          `yaml:"enable_dht"`
	EnableRelay        bool          `yaml:"enable_relay"`
	EnableNAT          bool          `yaml:"enable_nat"`
	EnableHolePunching bool          `yaml:"enable_hole_punching"`
	DHTPrefix          string        `yaml:"dht_prefix"`
	DiscoveryNamespace string        `yaml:"discovery_namespace"`
	ConnMgr            ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig holds the data directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// SessionConfig holds every option governing the coordination layer.
type SessionConfig struct {
	SessionTimeoutMS          int64           `yaml:"session_timeout_ms"`
	StuckTimeoutMS            int64           `yaml:"stuck_timeout_ms"`
	CleanupIntervalMS         int64           `yaml:"cleanup_interval_ms"`
	MaxSequenceGap            uint64          `yaml:"max_sequence_gap"`
	MaxTimestampSkewMS        int64           `yaml:"max_timestamp_skew_ms"`
	MaxInvalidMessagesPerPeer int             `yaml:"max_invalid_messages_per_peer"`
	MaxSigners                int             `yaml:"max_signers"`
	MinSigners                int             `yaml:"min_signers"`
	ElectionMethod            election.Method `yaml:"election_method"`
	EnableFailover            bool            `yaml:"enable_failover"`
}

// SessionTimeout returns SessionTimeoutMS as a time.Duration.
func (s SessionConfig) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMS) * time.Millisecond
}

// StuckTimeout returns StuckTimeoutMS as a time.Duration.
func (s SessionConfig) StuckTimeout() time.Duration {
	return time.Duration(s.StuckTimeoutMS) * time.Millisecond
}

// CleanupInterval returns CleanupIntervalMS as a time.Duration.
func (s SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMS) * time.Millisecond
}

// MaxTimestampSkew returns MaxTimestampSkewMS as a time.Duration.
func (s SessionConfig) MaxTimestampSkew() time.Duration {
	return time.Duration(s.MaxTimestampSkewMS) * time.Millisecond
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{KeyFile: "node.key"},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			DHTPrefix:          "/musig2mesh",
			DiscoveryNamespace: "musig2mesh",
			ConnMgr: ConnMgrConfig{
				LowWater:    100,
				HighWater:   400,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{DataDir: "~/.musig2mesh"},
		Logging: LoggingConfig{Level: "info", File: ""},
		Session: SessionConfig{
			SessionTimeoutMS:          7_200_000,
			StuckTimeoutMS:            600_000,
			CleanupIntervalMS:         60_000,
			MaxSequenceGap:            100,
			MaxTimestampSkewMS:        300_000,
			MaxInvalidMessagesPerPeer: 10,
			MaxSigners:                15,
			MinSigners:                2,
			ElectionMethod:            election.Lexicographic,
			EnableFailover:            true,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from dataDir/config.yaml, creating one
// with default values if it doesn't exist.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# musig2mesh daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
