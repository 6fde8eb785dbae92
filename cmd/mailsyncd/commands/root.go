package commands

import (
	"github.com/roasbeef/mailsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML configuration file to load.
	configPath string

	// dbPath overrides the configured database path.
	dbPath string

	// logLevel overrides the configured log level.
	logLevel string
)

// rootCmd is the base command for the daemon.
var rootCmd = &cobra.Command{
	Use:   "mailsyncd",
	Short: "Mail protocol sync daemon",
	Long: `mailsyncd keeps configured mail accounts in sync with their
servers: it discovers endpoints, negotiates protocol options, provisions
device policy, and runs the folder/message sync loop per account.`,
	SilenceUsage: true,
}

// Execute runs the daemon CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", config.DefaultConfigPath(),
		"Path to YAML configuration file",
	)
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to SQLite database (overrides config)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "loglevel", "",
		"Log level: trace, debug, info, warn, error (overrides config)",
	)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
