package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/roasbeef/mailsync/internal/config"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// loadConfig reads the configuration file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}

// openStore opens the database, creating its directory on first run.
func openStore(cfg *config.Config) (*store.Store, error) {
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}

	return store.Open(cfg.DBPath)
}

// speedClass maps the configured network class name onto the planner's
// speed class, defaulting conservatively.
func speedClass(name string) strategy.SpeedClass {
	switch name {
	case "wifi":
		return strategy.WiFi
	case "fast-cell":
		return strategy.FastCell
	default:
		return strategy.SlowCell
	}
}
