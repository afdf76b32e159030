package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader reads configuration from file and environment.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader. An empty configPath searches the
// default locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "BOARDSYNC",
	}
}

// Load merges defaults, config file, and environment overrides, then
// validates the result. Environment variables use the BOARDSYNC_ prefix
// with underscores for nesting, e.g. BOARDSYNC_LOG_LEVEL=debug.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	// Seed defaults so partial config files work.
	cfg := DefaultConfig()
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)
	v.SetDefault("realtime.url", cfg.Realtime.URL)
	v.SetDefault("realtime.ping_interval", cfg.Realtime.PingInterval)
	v.SetDefault("realtime.pong_timeout", cfg.Realtime.PongTimeout)
	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("sync.max_attempts", cfg.Sync.MaxAttempts)
	v.SetDefault("sync.retry_delay", cfg.Sync.RetryDelay)
	v.SetDefault("locks.client_name", cfg.Locks.ClientName)
	v.SetDefault("locks.lease_ttl", cfg.Locks.LeaseTTL)
	v.SetDefault("locks.protocol_timeout", cfg.Locks.ProtocolTimeout)
	v.SetDefault("backup.max_backups", cfg.Backup.MaxBackups)
	v.SetDefault("backup.max_age", cfg.Backup.MaxAge)
	v.SetDefault("backup.aggressive_max_age", cfg.Backup.AggressiveMaxAge)
	v.SetDefault("backup.heartbeat_threshold", cfg.Backup.HeartbeatThreshold)
	v.SetDefault("backup.auto_debounce", cfg.Backup.AutoDebounce)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
	} else {
		v.SetConfigName("boardsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, dir := range l.defaultDirs() {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file found in search paths; defaults and env apply.
	}

	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return out, nil
}

func (l *Loader) defaultDirs() []string {
	dirs := []string{".boardsync"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, ".config", "boardsync"),
			filepath.Join(home, ".boardsync"),
		)
	}
	return dirs
}
