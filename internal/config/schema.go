// Package config loads TaskNexus configuration from YAML, environment and defaults.
package config

import "time"

// Config represents the full TaskNexus configuration.
type Config struct {
	// DataDir holds the local database, its lock file and logs.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	Remote  RemoteConfig  `yaml:"remote" mapstructure:"remote"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StorageConfig configures the local store.
type StorageConfig struct {
	// Driver selects the SQLite implementation: "modernc" or "wasm".
	Driver string `yaml:"driver" mapstructure:"driver"`
	File   string `yaml:"file" mapstructure:"file"`

	// BusyRetries and BusyBackoff bound retries of a blocked database.
	BusyRetries int           `yaml:"busy_retries" mapstructure:"busy_retries"`
	BusyBackoff time.Duration `yaml:"busy_backoff" mapstructure:"busy_backoff"`
}

// SyncConfig configures the mutation queue and sync engine.
type SyncConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxQueueSize  int           `yaml:"max_queue_size" mapstructure:"max_queue_size"`
	ReplayTimeout time.Duration `yaml:"replay_timeout" mapstructure:"replay_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	BaseBackoff   time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`

	// CompletionPolicy decides tasks.completed mismatches: "local" or "latest".
	CompletionPolicy string `yaml:"completion_policy" mapstructure:"completion_policy"`

	// ConflictStrategy is "remote_wins" or "last_write_wins".
	ConflictStrategy string `yaml:"conflict_strategy" mapstructure:"conflict_strategy"`
}

// RemoteConfig configures the remote authority client.
type RemoteConfig struct {
	// Mode is "http" or "mock".
	Mode        string        `yaml:"mode" mapstructure:"mode"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Token       string        `yaml:"token" mapstructure:"token"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MockLatency time.Duration `yaml:"mock_latency" mapstructure:"mock_latency"`
}

// ServerConfig configures the local HTTP/WebSocket API.
type ServerConfig struct {
	Addr           string   `yaml:"addr" mapstructure:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Stdout     bool   `yaml:"stdout" mapstructure:"stdout"`
}
