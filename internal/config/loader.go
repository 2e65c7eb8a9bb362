package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKNEXUS_SYNC_MAX_ATTEMPTS.
const EnvPrefix = "TASKNEXUS"

// Loader reads configuration and keeps the viper instance for watching.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader seeded with defaults and environment overrides.
// An empty path searches ./.tasknexus and ~/.tasknexus for config.yaml.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".tasknexus")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tasknexus"))
		}
	}
	return &Loader{v: v}
}

// Load loads and merges configuration from file, environment and defaults.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads the config file (if any) and decodes the merged result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFile returns the file the loader read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch invokes fn with the re-decoded config whenever the file changes.
// Invalid edits are reported through onErr and otherwise ignored.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Validate checks the values the sync core depends on.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "modernc", "wasm":
	default:
		return fmt.Errorf("storage.driver must be modernc or wasm, got %q", c.Storage.Driver)
	}
	switch c.Remote.Mode {
	case "mock", "http":
	default:
		return fmt.Errorf("remote.mode must be mock or http, got %q", c.Remote.Mode)
	}
	if c.Remote.Mode == "http" && c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required when remote.mode is http")
	}
	switch c.Sync.CompletionPolicy {
	case "local", "latest":
	default:
		return fmt.Errorf("sync.completion_policy must be local or latest, got %q", c.Sync.CompletionPolicy)
	}
	switch c.Sync.ConflictStrategy {
	case "remote_wins", "last_write_wins":
	default:
		return fmt.Errorf("sync.conflict_strategy must be remote_wins or last_write_wins, got %q", c.Sync.ConflictStrategy)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.ReplayTimeout <= 0 {
		return fmt.Errorf("sync.replay_timeout must be positive")
	}
	return nil
}

// DBPath returns the absolute database file location.
func (c *Config) DBPath() string {
	if filepath.IsAbs(c.Storage.File) {
		return c.Storage.File
	}
	return filepath.Join(c.DataDir, c.Storage.File)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.file", d.Storage.File)
	v.SetDefault("storage.busy_retries", d.Storage.BusyRetries)
	v.SetDefault("storage.busy_backoff", d.Storage.BusyBackoff)

	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.max_queue_size", d.Sync.MaxQueueSize)
	v.SetDefault("sync.replay_timeout", d.Sync.ReplayTimeout)
	v.SetDefault("sync.poll_interval", d.Sync.PollInterval)
	v.SetDefault("sync.probe_interval", d.Sync.ProbeInterval)
	v.SetDefault("sync.base_backoff", d.Sync.BaseBackoff)
	v.SetDefault("sync.max_backoff", d.Sync.MaxBackoff)
	v.SetDefault("sync.completion_policy", d.Sync.CompletionPolicy)
	v.SetDefault("sync.conflict_strategy", d.Sync.ConflictStrategy)

	v.SetDefault("remote.mode", d.Remote.Mode)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.mock_latency", d.Remote.MockLatency)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.stdout", d.Log.Stdout)
}
