// Package cachestore persists downloaded candidate images and their
// extracted feature sets. Metadata lives in two SQLite tables keyed by the
// MD5 of the URL; image bytes live beside the database as one JPEG per URL.
package cachestore

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/infernokun/inferno-comics-match/go/fileutil"
	"github.com/infernokun/inferno-comics-match/go/metrics2"
	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// DefaultMaxAgeDays is the cleanup cutoff used when none is configured.
const DefaultMaxAgeDays = 30

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cached_images (
		url_hash         TEXT PRIMARY KEY,
		url              TEXT NOT NULL,
		file_path        TEXT NOT NULL,
		byte_size        INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_images_url ON cached_images(url)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_images_last_accessed ON cached_images(last_accessed_at)`,
	`CREATE TABLE IF NOT EXISTS cached_features (
		url_hash                TEXT PRIMARY KEY
		                        REFERENCES cached_images(url_hash) ON DELETE CASCADE,
		url                     TEXT NOT NULL,
		sift_data               BLOB NOT NULL,
		orb_data                BLOB NOT NULL,
		sift_count              INTEGER NOT NULL,
		orb_count               INTEGER NOT NULL,
		processing_time_seconds REAL NOT NULL,
		width                   INTEGER NOT NULL,
		height                  INTEGER NOT NULL,
		was_cropped             INTEGER NOT NULL,
		created_at              INTEGER NOT NULL,
		last_accessed_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_features_last_accessed ON cached_features(last_accessed_at)`,
}

// Store is the two-tier cache. It is safe for concurrent use; SQLite writes
// are serialized by a single mutex.
type Store struct {
	db  *sql.DB
	dir string

	writeMtx sync.Mutex

	countersMtx    sync.Mutex
	imageHits      int64
	imageMisses    int64
	featureHits    int64
	featureMisses  int64
	timeSavedSecs  float64
	mImageHit      metrics2.Counter
	mImageMiss     metrics2.Counter
	mFeatureHit    metrics2.Counter
	mFeatureMiss   metrics2.Counter
}

// Stats is a point-in-time snapshot of cache contents and effectiveness.
// Hit/miss counters are per-process, the rest is read from the database.
type Stats struct {
	CachedImages               int64   `json:"cached_images"`
	CachedFeatures             int64   `json:"cached_features"`
	DiskBytes                  int64   `json:"disk_bytes"`
	ProcessingTimeSavedSeconds float64 `json:"processing_time_saved_seconds"`
	ImageHits                  int64   `json:"image_hits"`
	ImageMisses                int64   `json:"image_misses"`
	FeatureHits                int64   `json:"feature_hits"`
	FeatureMisses              int64   `json:"feature_misses"`
	HitRateImage               float64 `json:"hit_rate_image"`
	HitRateFeature             float64 `json:"hit_rate_feature"`
}

// URLHash returns the hex MD5 of the URL string, the cache key for both
// tables and the image file name.
func URLHash(url string) string {
	h := md5.Sum([]byte(url))
	return hex.EncodeToString(h[:])
}

// New opens (creating if necessary) the cache database at dbPath and the
// image directory at cacheDir.
func New(ctx context.Context, dbPath, cacheDir string) (*Store, error) {
	if _, err := fileutil.EnsureDirExists(cacheDir); err != nil {
		return nil, skerr.Wrapf(err, "creating image cache dir %s", cacheDir)
	}
	if _, err := fileutil.EnsureDirExists(filepath.Dir(dbPath)); err != nil {
		return nil, skerr.Wrapf(err, "creating cache db dir for %s", dbPath)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, skerr.Wrapf(err, "opening cache db %s", dbPath)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			util.Close(db)
			return nil, skerr.Wrapf(err, "initializing cache schema")
		}
	}
	return &Store{
		db:           db,
		dir:          cacheDir,
		mImageHit:    metrics2.GetCounter("match_cache_lookup", map[string]string{"kind": "image", "result": "hit"}),
		mImageMiss:   metrics2.GetCounter("match_cache_lookup", map[string]string{"kind": "image", "result": "miss"}),
		mFeatureHit:  metrics2.GetCounter("match_cache_lookup", map[string]string{"kind": "feature", "result": "hit"}),
		mFeatureMiss: metrics2.GetCounter("match_cache_lookup", map[string]string{"kind": "feature", "result": "miss"}),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return skerr.Wrap(s.db.Close())
}

// GetImage returns the cached bytes for url, or (nil, false) on a miss.
// A row whose backing file has gone missing is dropped and reported as a
// miss. Errors are logged, never returned: a broken cache degrades to
// re-downloading.
func (s *Store) GetImage(ctx context.Context, url string) ([]byte, bool) {
	hash := URLHash(url)
	var filePath string
	err := s.db.QueryRowContext(ctx,
		`SELECT file_path FROM cached_images WHERE url_hash = ?`, hash).Scan(&filePath)
	if err == sql.ErrNoRows {
		s.countImage(false)
		return nil, false
	}
	if err != nil {
		sklog.Warningf("Reading image cache row for %s: %s", url, err)
		s.countImage(false)
		return nil, false
	}
	b, err := os.ReadFile(filePath)
	if err != nil {
		sklog.Warningf("Cached image row for %s has no readable file %s; dropping row: %s", url, filePath, err)
		s.deleteImageRow(ctx, hash)
		s.countImage(false)
		return nil, false
	}
	s.touch(ctx, "cached_images", hash)
	s.countImage(true)
	return b, true
}

// PutImage writes the image bytes (JPEG by fetcher contract) to the cache
// directory and upserts the metadata row. It returns the file path. Calls
// for the same URL are idempotent.
func (s *Store) PutImage(ctx context.Context, url string, b []byte) (string, error) {
	hash := URLHash(url)
	path := filepath.Join(s.dir, hash+".jpg")
	err := util.WithWriteFile(path, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
	if err != nil {
		return "", skerr.Wrapf(err, "writing cached image %s", path)
	}
	ts := now.Now(ctx).UnixMilli()
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cached_images (url_hash, url, file_path, byte_size, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			file_path = excluded.file_path,
			byte_size = excluded.byte_size,
			last_accessed_at = excluded.last_accessed_at`,
		hash, url, path, len(b), ts, ts)
	if err != nil {
		// Keep the file/row pair consistent: without a row the file must go.
		var n int
		if qErr := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_images WHERE url_hash = ?`, hash).Scan(&n); qErr == nil && n == 0 {
			util.Remove(path)
		}
		return "", skerr.Wrapf(err, "upserting image cache row for %s", url)
	}
	return path, nil
}

// GetFeatures returns the cached feature set for url, or a miss. A hit adds
// the recorded extraction time to the running time-saved counter and
// refreshes both the feature and image rows. Undecodable rows are dropped.
func (s *Store) GetFeatures(ctx context.Context, url string) (types.FeatureSet, bool) {
	hash := URLHash(url)
	var siftBlob, orbBlob []byte
	var procSecs float64
	err := s.db.QueryRowContext(ctx, `
		SELECT sift_data, orb_data, processing_time_seconds
		FROM cached_features WHERE url_hash = ?`, hash).
		Scan(&siftBlob, &orbBlob, &procSecs)
	if err == sql.ErrNoRows {
		s.countFeature(false, 0)
		return types.FeatureSet{}, false
	}
	if err != nil {
		sklog.Warningf("Reading feature cache row for %s: %s", url, err)
		s.countFeature(false, 0)
		return types.FeatureSet{}, false
	}

	famS, sift, errS := decodeFamily(siftBlob)
	famO, orb, errO := decodeFamily(orbBlob)
	if errS != nil || errO != nil || famS != familySift || famO != familyOrb {
		sklog.Warningf("Feature cache row for %s does not decode; dropping row: %v %v", url, errS, errO)
		s.deleteFeatureRow(ctx, hash)
		s.countFeature(false, 0)
		return types.FeatureSet{}, false
	}

	s.touch(ctx, "cached_features", hash)
	s.touch(ctx, "cached_images", hash)
	s.countFeature(true, procSecs)
	return types.FeatureSet{Sift: sift, Orb: orb}, true
}

// PutFeatures upserts the feature row for url. The image row must already
// exist; the foreign key rejects orphan feature rows.
func (s *Store) PutFeatures(ctx context.Context, url string, fs types.FeatureSet, processingTime time.Duration, shape types.Shape, wasCropped bool) error {
	hash := URLHash(url)
	ts := now.Now(ctx).UnixMilli()
	cropped := 0
	if wasCropped {
		cropped = 1
	}
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_features (url_hash, url, sift_data, orb_data, sift_count, orb_count,
			processing_time_seconds, width, height, was_cropped, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			sift_data = excluded.sift_data,
			orb_data = excluded.orb_data,
			sift_count = excluded.sift_count,
			orb_count = excluded.orb_count,
			processing_time_seconds = excluded.processing_time_seconds,
			width = excluded.width,
			height = excluded.height,
			was_cropped = excluded.was_cropped,
			last_accessed_at = excluded.last_accessed_at`,
		hash, url,
		encodeFamily(familySift, fs.Sift), encodeFamily(familyOrb, fs.Orb),
		fs.Sift.Count(), fs.Orb.Count(),
		processingTime.Seconds(), shape.Width, shape.Height, cropped, ts, ts)
	if err != nil {
		return skerr.Wrapf(err, "upserting feature cache row for %s (image cached first?)", url)
	}
	return nil
}

// Stats reports cache contents and per-process hit rates.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM cached_images`).
		Scan(&st.CachedImages, &st.DiskBytes)
	if err != nil {
		return Stats{}, skerr.Wrapf(err, "counting cached images")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_features`).Scan(&st.CachedFeatures); err != nil {
		return Stats{}, skerr.Wrapf(err, "counting cached features")
	}

	s.countersMtx.Lock()
	st.ImageHits, st.ImageMisses = s.imageHits, s.imageMisses
	st.FeatureHits, st.FeatureMisses = s.featureHits, s.featureMisses
	st.ProcessingTimeSavedSeconds = s.timeSavedSecs
	s.countersMtx.Unlock()

	if n := st.ImageHits + st.ImageMisses; n > 0 {
		st.HitRateImage = float64(st.ImageHits) / float64(n)
	}
	if n := st.FeatureHits + st.FeatureMisses; n > 0 {
		st.HitRateFeature = float64(st.FeatureHits) / float64(n)
	}
	return st, nil
}

// Cleanup removes image rows (cascading feature rows) whose last access
// predates the cutoff, deleting backing files first. It returns the number
// of image rows removed.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 {
		return 0, skerr.Fmt("cleanup cutoff must be >= 1 day, got %d", olderThanDays)
	}
	cutoff := now.Now(ctx).Add(-time.Duration(olderThanDays) * 24 * time.Hour).UnixMilli()

	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path FROM cached_images WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, skerr.Wrapf(err, "listing expired cache rows")
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			util.Close(rows)
			return 0, skerr.Wrap(err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		util.Close(rows)
		return 0, skerr.Wrap(err)
	}
	util.Close(rows)

	// Files go first: a row without a file self-heals, a file without a row
	// leaks.
	for _, p := range paths {
		util.Remove(p)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_images WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, skerr.Wrapf(err, "deleting expired cache rows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	if n > 0 {
		sklog.Infof("Cache cleanup removed %d images older than %d days", n, olderThanDays)
	}
	return int(n), nil
}

func (s *Store) touch(ctx context.Context, table, hash string) {
	ts := now.Now(ctx).UnixMilli()
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET last_accessed_at = ? WHERE url_hash = ?`, ts, hash); err != nil {
		sklog.Warningf("Touching %s row %s: %s", table, hash, err)
	}
}

func (s *Store) deleteImageRow(ctx context.Context, hash string) {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_images WHERE url_hash = ?`, hash); err != nil {
		sklog.Warningf("Dropping image cache row %s: %s", hash, err)
	}
}

func (s *Store) deleteFeatureRow(ctx context.Context, hash string) {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_features WHERE url_hash = ?`, hash); err != nil {
		sklog.Warningf("Dropping feature cache row %s: %s", hash, err)
	}
}

func (s *Store) countImage(hit bool) {
	s.countersMtx.Lock()
	if hit {
		s.imageHits++
	} else {
		s.imageMisses++
	}
	s.countersMtx.Unlock()
	if hit {
		s.mImageHit.Inc(1)
	} else {
		s.mImageMiss.Inc(1)
	}
}

func (s *Store) countFeature(hit bool, savedSecs float64) {
	s.countersMtx.Lock()
	if hit {
		s.featureHits++
		s.timeSavedSecs += savedSecs
	} else {
		s.featureMisses++
	}
	s.countersMtx.Unlock()
	if hit {
		s.mFeatureHit.Inc(1)
	} else {
		s.mFeatureMiss.Inc(1)
	}
}
