package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DeviceConfig identifies this client to the server during the settings
// exchange.
type DeviceConfig struct {
	Model string `mapstructure:"model" yaml:"model"`
	OS    string `mapstructure:"os" yaml:"os"`
}

// SyncConfig holds the protocol-engine knobs.
type SyncConfig struct {
	// HeartbeatSec is the idle long-poll interval in seconds.
	HeartbeatSec int `mapstructure:"heartbeat_sec" yaml:"heartbeat_sec"`

	// TimeoutSec bounds each server round trip in seconds.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// NetworkClass is the assumed link quality when no platform signal
	// is available: "slow-cell", "fast-cell" or "wifi".
	NetworkClass string `mapstructure:"network_class" yaml:"network_class"`
}

// LogConfig holds logging output settings.
type LogConfig struct {
	// Dir is where rotated log files land; empty disables file logging.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Level is the subsystem log level ("trace" through "off").
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Device DeviceConfig `mapstructure:"device" yaml:"device"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
}

// DefaultDir returns the default data directory, ~/.mailsync.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".mailsync")
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDir(), "mailsync.yaml")
}

func defaultConfig() *Config {
	dir := DefaultDir()

	return &Config{
		DBPath: filepath.Join(dir, "mailsync.db"),
		Log: LogConfig{
			Dir:   filepath.Join(dir, "logs"),
			Level: "info",
		},
		Device: DeviceConfig{
			Model: "mailsync",
			OS:    "linux",
		},
		Sync: SyncConfig{
			HeartbeatSec: 480,
			TimeoutSec:   30,
			NetworkClass: "wifi",
		},
	}
}

// Load reads configuration from the given YAML file using Viper. A missing
// file yields the defaults rather than an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultConfig()
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("log.dir", def.Log.Dir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("device.model", def.Device.Model)
	v.SetDefault("device.os", def.Device.OS)
	v.SetDefault("sync.heartbeat_sec", def.Sync.HeartbeatSec)
	v.SetDefault("sync.timeout_sec", def.Sync.TimeoutSec)
	v.SetDefault("sync.network_class", def.Sync.NetworkClass)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}

		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
