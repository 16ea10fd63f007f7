package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/fetch"
	"github.com/infernokun/inferno-comics-match/match/go/session"
)

// cleanupEnv provides the environment for the cleanup command.
type cleanupEnv struct {
	dbPath      string
	cacheDir    string
	storageRoot string
	olderThan   int
	retention   int
}

// getCleanupCmd returns the definition of the cleanup command.
func getCleanupCmd() *cobra.Command {
	env := &cleanupEnv{}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale cache entries and expired session artifacts",
		Long: `
Removes cached candidate images (and their feature sets) that have not been
used for --older-than days. When --storage_root is given, session artifacts
older than --session-retention days are removed as well. The running service
performs the same sweeps on its own schedule.
`,
		RunE: env.runCleanupCmd,
	}
	cmd.Flags().StringVar(&env.dbPath, "db_path", config.EnvString(config.EnvDBPath, "/var/lib/match/cache.db"), "Path of the SQLite cache metadata database")
	cmd.Flags().StringVar(&env.cacheDir, "cache_dir", config.EnvString(config.EnvCacheDir, "/var/lib/match/images"), "Directory holding cached candidate images")
	cmd.Flags().StringVar(&env.storageRoot, "storage_root", config.EnvString(config.EnvStorageRoot, ""), "Directory holding session artifacts. Session cleanup is skipped when empty")
	cmd.Flags().IntVar(&env.olderThan, "older-than", cachestore.DefaultMaxAgeDays, "Remove cache entries unused for this many days")
	cmd.Flags().IntVar(&env.retention, "session-retention", session.DefaultRetentionDays, "Remove session artifacts older than this many days")
	return cmd
}

func (c *cleanupEnv) runCleanupCmd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := cachestore.New(ctx, c.dbPath, c.cacheDir)
	if err != nil {
		return skerr.Wrapf(err, "opening cache at %s", c.dbPath)
	}
	defer util.Close(store)

	out := cmd.OutOrStdout()
	n, err := store.Cleanup(ctx, c.olderThan)
	if err != nil {
		return skerr.Wrap(err)
	}
	fmt.Fprintf(out, "Removed %d cache entries unused for %d days\n", n, c.olderThan)

	if c.storageRoot != "" {
		sessions, err := session.New(c.storageRoot, fetch.New(store, 0, 1))
		if err != nil {
			return skerr.Wrapf(err, "opening session storage at %s", c.storageRoot)
		}
		n, err := sessions.Cleanup(ctx, c.retention)
		if err != nil {
			return skerr.Wrap(err)
		}
		fmt.Fprintf(out, "Removed %d sessions older than %d days\n", n, c.retention)
	}
	return nil
}
