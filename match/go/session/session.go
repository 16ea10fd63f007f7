// Package session persists the on-disk artifacts of one matching session:
// uploaded query images, copies of the candidate images chosen for the
// report, and the final result document.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/infernokun/inferno-comics-match/go/fileutil"
	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

const (
	// URLPrefix is the public path segment under which session images are
	// served. Persisted URLs are relative: "stored_images/<session>/<file>".
	URLPrefix = "stored_images"

	resultsDirName = "results"

	// DefaultRetentionDays is how long session artifacts are kept.
	DefaultRetentionDays = 7

	// maxNameLen caps the cover-name component of candidate filenames.
	maxNameLen = 40
)

// ByteFetcher supplies candidate image bytes, from the local cache when
// possible. *fetch.Fetcher implements it.
type ByteFetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// safeComponentRe matches path components that cannot escape their
// directory: no separators, no leading dot.
var safeComponentRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// ValidSessionID reports whether s is usable as a session directory name.
// Handlers reject anything else before any artifact is created.
func ValidSessionID(s string) bool {
	return safeComponentRe.MatchString(s)
}

// unsafeNameRe matches runs of characters stripped from cover names.
var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Store owns a session storage tree:
//
//	<root>/results/<sessionID>.json
//	<root>/stored_images/<sessionID>/query_<sha256>.<ext>
//	<root>/stored_images/<sessionID>/candidate_<name>_<issue>_<hash8>.<ext>
type Store struct {
	root      string
	imagesDir string
	resultDir string
	fetcher   ByteFetcher
}

// New returns a Store rooted at root, creating the layout if needed.
func New(root string, fetcher ByteFetcher) (*Store, error) {
	absRoot, err := fileutil.EnsureDirExists(root)
	if err != nil {
		return nil, skerr.Wrapf(err, "creating storage root %s", root)
	}
	imagesDir, err := fileutil.EnsureDirExists(filepath.Join(absRoot, URLPrefix))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resultDir, err := fileutil.EnsureDirExists(filepath.Join(absRoot, resultsDirName))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Store{
		root:      absRoot,
		imagesDir: imagesDir,
		resultDir: resultDir,
		fetcher:   fetcher,
	}, nil
}

// SaveQueryImage persists the exact uploaded bytes under a content-addressed
// name and returns the relative URL. Re-uploading identical bytes in the same
// session reuses the existing file.
func (s *Store) SaveQueryImage(ctx context.Context, sessionID string, b []byte) (string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	sum := sha256.Sum256(b)
	name := "query_" + hex.EncodeToString(sum[:]) + "." + imgproc.SniffExt(b)
	path := filepath.Join(dir, name)
	if !fileutil.FileExists(path) {
		if err := util.WithWriteFile(path, func(w io.Writer) error {
			_, err := w.Write(b)
			return err
		}); err != nil {
			return "", skerr.Wrapf(err, "persisting query image for session %s", sessionID)
		}
	}
	return relURL(sessionID, name), nil
}

// SaveCandidateImage copies the image at url into the session directory for
// the report, preferring the local image cache over re-downloading, and
// returns the relative URL.
func (s *Store) SaveCandidateImage(ctx context.Context, sessionID, coverName, issueNumber, url string) (string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	b, err := s.fetcher.FetchBytes(ctx, url)
	if err != nil {
		return "", skerr.Wrapf(err, "copying candidate %s", url)
	}
	name := "candidate_" + safeName(coverName) + "_" + safeName(issueNumber) + "_" +
		cachestore.URLHash(url)[:8] + "." + imgproc.SniffExt(b)
	path := filepath.Join(dir, name)
	if !fileutil.FileExists(path) {
		if err := util.WithWriteFile(path, func(w io.Writer) error {
			_, err := w.Write(b)
			return err
		}); err != nil {
			return "", skerr.Wrapf(err, "persisting candidate image for session %s", sessionID)
		}
	}
	return relURL(sessionID, name), nil
}

// WriteResult persists the session result document. It is written once: a
// second write for the same session is ignored. Serialization problems
// degrade to a minimal error document rather than losing the session.
func (s *Store) WriteResult(ctx context.Context, result *types.SessionResult) error {
	path, err := s.resultPath(result.SessionID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if fileutil.FileExists(path) {
		sklog.Warningf("Result document for session %s already exists, keeping the original", result.SessionID)
		return nil
	}
	b, err := marshalSanitized(result)
	if err != nil {
		sklog.Errorf("Serializing result for session %s, writing error document: %s", result.SessionID, err)
		b = errorDocument(ctx, result.SessionID, err)
	}
	if err := util.WithWriteFile(path, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	}); err != nil {
		return skerr.Wrapf(err, "writing result document for session %s", result.SessionID)
	}
	return nil
}

// ReadResult returns the raw bytes of a session's result document.
func (s *Store) ReadResult(sessionID string) ([]byte, error) {
	path, err := s.resultPath(sessionID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading result document for session %s", sessionID)
	}
	return b, nil
}

// ImagePath resolves a stored-image request to an absolute path. Components
// that would escape the session directory are rejected; callers map that to
// 403 and a missing file to 404.
func (s *Store) ImagePath(sessionID, filename string) (string, error) {
	if !safeComponentRe.MatchString(sessionID) {
		return "", skerr.Fmt("invalid session id %q", sessionID)
	}
	if !safeComponentRe.MatchString(filename) {
		return "", skerr.Fmt("invalid filename %q", filename)
	}
	return filepath.Join(s.imagesDir, sessionID, filename), nil
}

// Cleanup removes session directories and result documents older than the
// given number of days, returning how many entries were removed.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 {
		return 0, skerr.Fmt("retention must be at least one day, got %d", olderThanDays)
	}
	cutoff := now.Now(ctx).AddDate(0, 0, -olderThanDays)
	removed := 0

	dirs, err := os.ReadDir(s.imagesDir)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	for _, d := range dirs {
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.imagesDir, d.Name())); err != nil {
			sklog.Errorf("Removing expired session %s: %s", d.Name(), err)
			continue
		}
		removed++
	}

	docs, err := os.ReadDir(s.resultDir)
	if err != nil {
		return removed, skerr.Wrap(err)
	}
	for _, d := range docs {
		info, err := d.Info()
		if err != nil || d.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.resultDir, d.Name())); err != nil {
			sklog.Errorf("Removing expired result %s: %s", d.Name(), err)
			continue
		}
		removed++
	}
	if removed > 0 {
		sklog.Infof("Session cleanup removed %d entries older than %d days", removed, olderThanDays)
	}
	return removed, nil
}

// sessionDir validates the session id and creates its image directory.
func (s *Store) sessionDir(sessionID string) (string, error) {
	if !safeComponentRe.MatchString(sessionID) {
		return "", skerr.Fmt("invalid session id %q", sessionID)
	}
	return fileutil.EnsureDirExists(filepath.Join(s.imagesDir, sessionID))
}

func (s *Store) resultPath(sessionID string) (string, error) {
	if !safeComponentRe.MatchString(sessionID) {
		return "", skerr.Fmt("invalid session id %q", sessionID)
	}
	return filepath.Join(s.resultDir, sessionID+".json"), nil
}

func relURL(sessionID, name string) string {
	return URLPrefix + "/" + sessionID + "/" + name
}

// safeName renders a cover name or issue number usable as a filename part.
func safeName(s string) string {
	s = unsafeNameRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	if s == "" {
		return "unknown"
	}
	return s
}

// errorDocument builds the fallback written when the real result cannot be
// serialized.
func errorDocument(ctx context.Context, sessionID string, cause error) []byte {
	doc := map[string]string{
		"session_id": sessionID,
		"timestamp":  now.Now(ctx).UTC().Format(time.RFC3339),
		"error":      "failed to serialize session result: " + cause.Error(),
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		// Cannot happen for a map of strings.
		return []byte(`{"error":"failed to serialize session result"}`)
	}
	return b
}
