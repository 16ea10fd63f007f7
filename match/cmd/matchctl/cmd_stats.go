package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/config"
)

// statsEnv provides the environment for the stats command.
type statsEnv struct {
	dbPath   string
	cacheDir string
}

// getStatsCmd returns the definition of the stats command.
func getStatsCmd() *cobra.Command {
	env := &statsEnv{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print image cache statistics",
		Long: `
Prints the contents of the candidate image cache: how many images and feature
sets are stored and how much disk they occupy. Hit rates are tracked by the
running service and are visible at its /image-matcher/cache/stats endpoint.
`,
		RunE: env.runStatsCmd,
	}
	cmd.Flags().StringVar(&env.dbPath, "db_path", config.EnvString(config.EnvDBPath, "/var/lib/match/cache.db"), "Path of the SQLite cache metadata database")
	cmd.Flags().StringVar(&env.cacheDir, "cache_dir", config.EnvString(config.EnvCacheDir, "/var/lib/match/images"), "Directory holding cached candidate images")
	return cmd
}

func (s *statsEnv) runStatsCmd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := cachestore.New(ctx, s.dbPath, s.cacheDir)
	if err != nil {
		return skerr.Wrapf(err, "opening cache at %s", s.dbPath)
	}
	defer util.Close(store)

	stats, err := store.Stats(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cached images:   %d\n", stats.CachedImages)
	fmt.Fprintf(out, "Cached features: %d\n", stats.CachedFeatures)
	fmt.Fprintf(out, "Disk usage:      %s\n", humanize.Bytes(uint64(stats.DiskBytes)))
	return nil
}
