// Command tallyctl administers a tally store: migrations, balances,
// manual top-ups and history.
package main

import (
	"os"

	"github.com/xraph/tally/cmd/tallyctl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
