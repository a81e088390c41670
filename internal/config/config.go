// Package config loads DropSync engine configuration from YAML, with
// environment and CLI overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDownloadDir     = "./downloads"
	DefaultConfigPath      = "./dropsync.yaml"
	DefaultLogLevel        = "info"
	DefaultChunkSizeBytes  = 16 * 1024
	DefaultRelayURL        = "wss://relay.dropsync.example/ws"
	DefaultStatsSampleSecs = 2
)

// ICEServer mirrors a WebRTC ICE server entry: a list of URLs with
// optional TURN credentials.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config defines the DropSync engine configuration.
type Config struct {
	// Session identity
	Room     string `yaml:"room"` // room id; cmd/dropsyncd generates one if empty and --create is set
	LocalID  string `yaml:"local_id"` // used as configured; nothing fills it in when empty
	Password string `yaml:"password,omitempty"`

	// Signaling
	RelayURL string `yaml:"relay_url"`

	// Transport
	ICEServers []ICEServer `yaml:"ice_servers"`

	// File transfer
	ChunkSizeBytes int    `yaml:"chunk_size_bytes"`
	DownloadDir    string `yaml:"download_dir"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error

	// Telemetry sampling interval in cmd/dropsyncd, seconds. The
	// transport's own stats sampler runs on a fixed 2 s ticker.
	StatsSampleIntervalSec int `yaml:"stats_sample_interval_sec"`
}

// DefaultConfig returns a Config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		RelayURL: DefaultRelayURL,
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ChunkSizeBytes:         DefaultChunkSizeBytes,
		DownloadDir:            DefaultDownloadDir,
		LogLevel:               DefaultLogLevel,
		StatsSampleIntervalSec: DefaultStatsSampleSecs,
	}
}

// LoadFromFile loads configuration from a YAML file, falling back to
// defaults if the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // use defaults
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies DROPSYNC_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DROPSYNC_ROOM"); v != "" {
		c.Room = v
	}
	if v := os.Getenv("DROPSYNC_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DROPSYNC_RELAY_URL"); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv("DROPSYNC_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("DROPSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DROPSYNC_CHUNK_SIZE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChunkSizeBytes = n
		}
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.ChunkSizeBytes <= 0 {
		return fmt.Errorf("invalid chunk_size_bytes: %d", c.ChunkSizeBytes)
	}
	if c.RelayURL == "" {
		return fmt.Errorf("relay_url must be set")
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("relay_url must be a ws:// or wss:// URL, got %q", c.RelayURL)
	}
	if len(c.ICEServers) == 0 {
		return fmt.Errorf("at least one ice server is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return nil
}

// SaveToFile writes the config to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
