package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	// Remote persistence API
	API APIConfig `json:"api" mapstructure:"api"`

	// Realtime collaboration channel
	Realtime RealtimeConfig `json:"realtime" mapstructure:"realtime"`

	// Durable key-value storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Synchronization queue behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Collaborative locking
	Locks LockConfig `json:"locks" mapstructure:"locks"`

	// Backup and crash recovery
	Backup BackupConfig `json:"backup" mapstructure:"backup"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for the remote persistence API.
type APIConfig struct {
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	UserAgent string        `json:"user_agent" mapstructure:"user_agent"`
	AuthToken string        `json:"auth_token,omitempty" mapstructure:"auth_token"`
}

// RealtimeConfig for the shared pub/sub channel.
type RealtimeConfig struct {
	URL          string        `json:"url" mapstructure:"url"`
	PingInterval time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout  time.Duration `json:"pong_timeout" mapstructure:"pong_timeout"`
}

// StorageConfig for durable key-value storage.
type StorageConfig struct {
	Driver  string `json:"driver" mapstructure:"driver"` // bolt, sqlite, memory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	Path    string `json:"path" mapstructure:"path"` // database file path
}

// SyncConfig for the synchronization queue.
type SyncConfig struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
}

// LockConfig for the collaborative lock manager.
type LockConfig struct {
	ClientName      string        `json:"client_name" mapstructure:"client_name"`
	LeaseTTL        time.Duration `json:"lease_ttl" mapstructure:"lease_ttl"`
	ProtocolTimeout time.Duration `json:"protocol_timeout" mapstructure:"protocol_timeout"`
}

// BackupConfig for snapshotting and crash detection.
type BackupConfig struct {
	MaxBackups         int           `json:"max_backups" mapstructure:"max_backups"`
	MaxAge             time.Duration `json:"max_age" mapstructure:"max_age"`
	AggressiveMaxAge   time.Duration `json:"aggressive_max_age" mapstructure:"aggressive_max_age"`
	HeartbeatThreshold time.Duration `json:"heartbeat_threshold" mapstructure:"heartbeat_threshold"`
	AutoDebounce       time.Duration `json:"auto_debounce" mapstructure:"auto_debounce"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // empty = stdout
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".boardsync"

	return &Config{
		API: APIConfig{
			BaseURL:   "https://api.boardsync.dev",
			Timeout:   30 * time.Second,
			UserAgent: "boardsync-go",
		},
		Realtime: RealtimeConfig{
			URL:          "wss://realtime.boardsync.dev/channel",
			PingInterval: 30 * time.Second,
			PongTimeout:  10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:  "bolt",
			DataDir: dataDir,
			Path:    filepath.Join(dataDir, "boardsync.db"),
		},
		Sync: SyncConfig{
			MaxAttempts: 3,
			RetryDelay:  time.Second,
		},
		Locks: LockConfig{
			LeaseTTL:        30 * time.Second,
			ProtocolTimeout: 5 * time.Second,
		},
		Backup: BackupConfig{
			MaxBackups:         50,
			MaxAge:             30 * 24 * time.Hour,
			AggressiveMaxAge:   7 * 24 * time.Hour,
			HeartbeatThreshold: 5 * time.Minute,
			AutoDebounce:       5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	validDrivers := map[string]bool{"bolt": true, "sqlite": true, "memory": true}
	if !validDrivers[c.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Sync.MaxAttempts <= 0 {
		return errors.New("sync.max_attempts must be positive")
	}

	if c.Sync.RetryDelay <= 0 {
		return errors.New("sync.retry_delay must be positive")
	}

	if c.Locks.LeaseTTL <= 0 {
		return errors.New("locks.lease_ttl must be positive")
	}

	if c.Locks.ProtocolTimeout <= 0 {
		return errors.New("locks.protocol_timeout must be positive")
	}

	if c.Backup.MaxBackups <= 0 {
		return errors.New("backup.max_backups must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}

	if c.Storage.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
