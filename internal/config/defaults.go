package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Storage: StorageConfig{
			Driver:      "modernc",
			File:        "tasknexus.db",
			BusyRetries: 5,
			BusyBackoff: 50 * time.Millisecond,
		},
		Sync: SyncConfig{
			MaxAttempts:      3,
			MaxQueueSize:     10000,
			ReplayTimeout:    30 * time.Second,
			PollInterval:     time.Minute,
			ProbeInterval:    15 * time.Second,
			BaseBackoff:      0,
			MaxBackoff:       time.Hour,
			CompletionPolicy: "local",
			ConflictStrategy: "remote_wins",
		},
		Remote: RemoteConfig{
			Mode:        "mock",
			BaseURL:     "http://localhost:8080",
			Timeout:     30 * time.Second,
			MockLatency: 50 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8090",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Stdout:     true,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".tasknexus", "data")
}

// WriteDefault writes the default configuration to path atomically.
func WriteDefault(path string) error {
	return Write(path, DefaultConfig())
}

// Write serializes cfg as YAML and replaces path atomically.
func Write(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := []byte("# TaskNexus configuration\n")
	return atomic.WriteFile(path, bytes.NewReader(append(header, data...)))
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
