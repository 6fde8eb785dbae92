package commands

import (
	"fmt"

	"github.com/roasbeef/mailsync/internal/build"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("mailsyncd version %s\n", build.Version())
	},
}
