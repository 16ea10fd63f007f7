package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/fetch"
	"github.com/infernokun/inferno-comics-match/match/go/pipeline"
	"github.com/infernokun/inferno-comics-match/match/go/progress"
	"github.com/infernokun/inferno-comics-match/match/go/session"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// matchEnv provides the environment for the match command.
type matchEnv struct {
	coversFile string
	configFile string
	dbPath     string
	cacheDir   string
	topK       int
	jsonOut    bool
	quiet      bool
}

// getMatchCmd returns the definition of the match command.
func getMatchCmd() *cobra.Command {
	env := &matchEnv{}
	cmd := &cobra.Command{
		Use:   "match IMAGE",
		Short: "Match one photo against candidate covers without a server",
		Long: `
Runs the full matching pipeline on a single photo and prints the ranked
candidates. Candidate downloads go through the shared image cache, so
repeated runs against the same catalog are fast. Session artifacts are
written to a temporary directory and discarded.
`,
		Args: cobra.ExactArgs(1),
		RunE: env.runMatchCmd,
	}
	cmd.Flags().StringVar(&env.coversFile, "covers", "", "Path of the candidate covers JSON document")
	cmd.Flags().StringVar(&env.configFile, "config", config.EnvString(config.EnvConfigFile, ""), "Path of a YAML configuration document. Built-in defaults apply when empty")
	cmd.Flags().StringVar(&env.dbPath, "db_path", config.EnvString(config.EnvDBPath, "/var/lib/match/cache.db"), "Path of the SQLite cache metadata database")
	cmd.Flags().StringVar(&env.cacheDir, "cache_dir", config.EnvString(config.EnvCacheDir, "/var/lib/match/images"), "Directory holding cached candidate images")
	cmd.Flags().IntVar(&env.topK, "top", 0, "Print only the best N candidates. 0 prints the configured result batch")
	cmd.Flags().BoolVar(&env.jsonOut, "json", false, "Print the full result document as JSON")
	cmd.Flags().BoolVarP(&env.quiet, "quiet", "q", false, "Suppress progress output")
	must(cmd.MarkFlagRequired("covers"))
	return cmd
}

func (m *matchEnv) runMatchCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return skerr.Wrapf(err, "reading query image %s", args[0])
	}
	coversDoc, err := os.ReadFile(m.coversFile)
	if err != nil {
		return skerr.Wrapf(err, "reading covers document %s", m.coversFile)
	}
	covers, err := types.ParseCovers(coversDoc)
	if err != nil {
		return skerr.Wrapf(err, "parsing covers document %s", m.coversFile)
	}
	if len(types.FlattenCovers(covers)) == 0 {
		return skerr.Fmt("covers document %s contains no usable URLs", m.coversFile)
	}

	cfg, err := config.Load(m.configFile)
	if err != nil {
		return skerr.Wrap(err)
	}
	cache, err := cachestore.New(ctx, m.dbPath, m.cacheDir)
	if err != nil {
		return skerr.Wrapf(err, "opening cache at %s", m.dbPath)
	}
	defer util.Close(cache)
	fetcher := fetch.New(cache, 0, cfg.MaxWorkers)

	storageRoot, err := os.MkdirTemp("", "matchctl-*")
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.RemoveAll(storageRoot)
	sessions, err := session.New(storageRoot, fetcher)
	if err != nil {
		return skerr.Wrap(err)
	}

	sessionID := uuid.New().String()
	var transports []progress.Transport
	if !m.quiet {
		transports = append(transports, printTransport{})
	}
	sink := progress.NewReporter(sessionID, 0, transports...)

	pl := pipeline.New(config.NewStore(cfg), cache, fetcher, sessions)
	res := pl.MatchBatch(ctx, sessionID, []pipeline.QueryImage{{Name: filepath.Base(args[0]), Data: data}}, covers, sink)
	if res.Error != "" {
		return skerr.Fmt("session failed: %s", res.Error)
	}
	ir := res.Images[0]
	if ir.Error != "" {
		return skerr.Fmt("query image rejected: %s", ir.Error)
	}

	if m.jsonOut {
		b, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return skerr.Wrap(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	}
	return printRanking(cmd.OutOrStdout(), ir, m.topK)
}

// printRanking writes the ranked candidates as a table. Rows that meet the
// similarity threshold are marked with a star.
func printRanking(out io.Writer, ir types.ImageResult, topK int) error {
	top := ir.TopMatches
	if topK > 0 && len(top) > topK {
		top = top[:topK]
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SIMILARITY\tSTATUS\tCOMIC\tISSUE\tURL")
	for _, rr := range top {
		marker := " "
		if rr.MeetsThreshold {
			marker = "*"
		}
		fmt.Fprintf(w, "%.4f%s\t%s\t%s\t%s\t%s\n", rr.Similarity, marker, rr.Status, rr.ComicName, rr.IssueNumber, rr.URL)
	}
	if err := w.Flush(); err != nil {
		return skerr.Wrap(err)
	}
	fmt.Fprintf(out, "%d candidate URLs processed\n", ir.TotalMatches)
	return nil
}

// printTransport writes progress lines to stderr while a match runs.
type printTransport struct{}

func (printTransport) SendEvent(_ context.Context, ev types.ProgressEvent) {
	if ev.Type == types.EventError {
		fmt.Fprintf(os.Stderr, "[%3.0f%%] error: %s\n", ev.Progress, ev.Error)
		return
	}
	fmt.Fprintf(os.Stderr, "[%3.0f%%] %s: %s\n", ev.Progress, ev.Stage, ev.Message)
}

func (printTransport) SendComplete(_ context.Context, ev types.ProgressEvent, _ *types.SessionResult) {
	fmt.Fprintf(os.Stderr, "[100%%] %s\n", ev.Message)
}

func (printTransport) SendProcessedFile(context.Context, progress.ProcessedFile) {}

var _ progress.Transport = printTransport{}
