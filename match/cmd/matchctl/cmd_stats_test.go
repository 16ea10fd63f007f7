package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
)

// runCommand executes the CLI with the given arguments and returns its
// output.
func runCommand(t *testing.T, args ...string) string {
	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return buf.String()
}

// seedCache creates a cache with one stored image and returns its paths.
func seedCache(t *testing.T) (dbPath, cacheDir string) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "cache.db")
	cacheDir = filepath.Join(dir, "images")

	store, err := cachestore.New(ctx, dbPath, cacheDir)
	require.NoError(t, err)
	_, err = store.PutImage(ctx, "https://covers.example.com/a.jpg", []byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	return dbPath, cacheDir
}

func TestStatsCommandPrintsCacheContents(t *testing.T) {
	unittest.MediumTest(t)
	dbPath, cacheDir := seedCache(t)

	out := runCommand(t, "stats", "--db_path", dbPath, "--cache_dir", cacheDir)
	assert.Contains(t, out, "Cached images:   1")
	assert.Contains(t, out, "Cached features: 0")
	assert.Contains(t, out, "4 B")
}

func TestCleanupCommandKeepsFreshEntries(t *testing.T) {
	unittest.MediumTest(t)
	dbPath, cacheDir := seedCache(t)

	out := runCommand(t, "cleanup", "--db_path", dbPath, "--cache_dir", cacheDir, "--older-than", "1")
	assert.Contains(t, out, "Removed 0 cache entries unused for 1 days")
	// No storage root given, so no session sweep ran.
	assert.NotContains(t, out, "sessions")

	sessionRoot := filepath.Join(t.TempDir(), "sessions")
	out = runCommand(t, "cleanup", "--db_path", dbPath, "--cache_dir", cacheDir, "--storage_root", sessionRoot)
	assert.Contains(t, out, "Removed 0 sessions older than 7 days")
}
