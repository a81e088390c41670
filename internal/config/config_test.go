package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RelayURL != DefaultRelayURL {
		t.Errorf("RelayURL = %s, want %s", cfg.RelayURL, DefaultRelayURL)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers len = %d, want 1", len(cfg.ICEServers))
	}
	if cfg.ChunkSizeBytes != DefaultChunkSizeBytes {
		t.Errorf("ChunkSizeBytes = %d, want %d", cfg.ChunkSizeBytes, DefaultChunkSizeBytes)
	}
	if cfg.StatsSampleIntervalSec != 2 {
		t.Errorf("StatsSampleIntervalSec = %d, want 2", cfg.StatsSampleIntervalSec)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
}

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("LoadFromFile should return defaults for missing file, got error: %v", err)
	}
	if cfg.ChunkSizeBytes != DefaultChunkSizeBytes {
		t.Errorf("expected default ChunkSizeBytes %d, got %d", DefaultChunkSizeBytes, cfg.ChunkSizeBytes)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dropsync.yaml")

	yamlDoc := `
room: "abc1234"
password: "secret"
relay_url: "wss://relay.example.com/ws"
chunk_size_bytes: 8192
log_level: debug
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Room != "abc1234" {
		t.Errorf("Room = %s, want abc1234", cfg.Room)
	}
	if cfg.Password != "secret" {
		t.Errorf("Password = %s", cfg.Password)
	}
	if cfg.RelayURL != "wss://relay.example.com/ws" {
		t.Errorf("RelayURL = %s", cfg.RelayURL)
	}
	if cfg.ChunkSizeBytes != 8192 {
		t.Errorf("ChunkSizeBytes = %d, want 8192", cfg.ChunkSizeBytes)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte(":::invalid:::"), 0644)

	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("DROPSYNC_ROOM", "env-room")
	t.Setenv("DROPSYNC_PASSWORD", "env-pass")
	t.Setenv("DROPSYNC_RELAY_URL", "wss://env.example.com/ws")
	t.Setenv("DROPSYNC_LOG_LEVEL", "debug")
	t.Setenv("DROPSYNC_CHUNK_SIZE_BYTES", "4096")

	cfg.ApplyEnvOverrides()

	if cfg.Room != "env-room" {
		t.Errorf("Room = %s, want env-room", cfg.Room)
	}
	if cfg.Password != "env-pass" {
		t.Errorf("Password = %s, want env-pass", cfg.Password)
	}
	if cfg.RelayURL != "wss://env.example.com/ws" {
		t.Errorf("RelayURL = %s", cfg.RelayURL)
	}
	if cfg.ChunkSizeBytes != 4096 {
		t.Errorf("ChunkSizeBytes = %d, want 4096", cfg.ChunkSizeBytes)
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate_BadChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSizeBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for chunk_size_bytes 0")
	}
}

func TestValidate_BadRelayURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RelayURL = "http://relay.example.com"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-ws relay_url")
	}
}

func TestValidate_NoICEServers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty ice servers")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")

	orig := DefaultConfig()
	orig.Room = "save-test"
	orig.ChunkSizeBytes = 4242
	orig.Password = "p@ss"

	if err := orig.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if loaded.Room != "save-test" {
		t.Errorf("Room = %s, want save-test", loaded.Room)
	}
	if loaded.ChunkSizeBytes != 4242 {
		t.Errorf("ChunkSizeBytes = %d, want 4242", loaded.ChunkSizeBytes)
	}
	if loaded.Password != "p@ss" {
		t.Errorf("Password = %s, want p@ss", loaded.Password)
	}
}
