package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roasbeef/mailsync/internal/build"
	"github.com/roasbeef/mailsync/internal/engine"
	"github.com/roasbeef/mailsync/internal/strategy"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon for all configured accounts",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Log.Dir != "" {
		rotCfg := build.DefaultLogRotatorConfig()
		rotCfg.LogDir = cfg.Log.Dir
		if err := build.InitLogRotator(rotCfg); err != nil {
			return fmt.Errorf("init log rotator: %w", err)
		}
		defer build.ShutdownLogging()
	}
	if err := build.SetLogLevels(cfg.Log.Level); err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	class := speedClass(cfg.Sync.NetworkClass)
	eng, err := engine.New(engine.Config{
		Store:       st,
		Heartbeat:   time.Duration(cfg.Sync.HeartbeatSec) * time.Second,
		Timeout:     time.Duration(cfg.Sync.TimeoutSec) * time.Second,
		DeviceModel: cfg.Device.Model,
		DeviceOS:    cfg.Device.OS,
		Class:       func() strategy.SpeedClass { return class },
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	eng.Stop()

	return nil
}
