// matchctl administers the cover matching service from the command line:
// cache statistics, cache and session cleanup, and offline one-shot matching.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/infernokun/inferno-comics-match/go/sklog/sklogimpl"
	"github.com/infernokun/inferno-comics-match/go/sklog/stdlogging"
)

// newRootCmd assembles the command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "matchctl",
		Short:        "Administration tool of the cover matching service.",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(getStatsCmd())
	rootCmd.AddCommand(getCleanupCmd())
	rootCmd.AddCommand(getMatchCmd())
	return rootCmd
}

func main() {
	sklogimpl.SetLogger(stdlogging.New(os.Stderr))

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// must panics on flag registration problems, which are programming errors.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
