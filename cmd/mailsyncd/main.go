package main

import (
	"fmt"
	"os"

	"github.com/roasbeef/mailsync/cmd/mailsyncd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailsyncd: %v\n", err)
		os.Exit(1)
	}
}
