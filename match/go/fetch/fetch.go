// Package fetch downloads candidate cover images with bounded concurrency,
// consulting and feeding the image cache.
package fetch

import (
	"context"
	"image"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/infernokun/inferno-comics-match/go/httputils"
	"github.com/infernokun/inferno-comics-match/go/httputils/progress"
	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/go/workerpool"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
)

const (
	// DefaultTimeout bounds one download including the body read.
	DefaultTimeout = 10 * time.Second

	// DefaultWorkers bounds batch download concurrency.
	DefaultWorkers = 6

	// Some cover hosts reject requests without a browser-ish user agent.
	userAgent = "Mozilla/5.0 (compatible; InfernoComicsMatch/1.0)"

	// maxImageBytes refuses pathological downloads; covers are a few MB.
	maxImageBytes = 32 << 20
)

// Fetcher downloads and decodes candidate images. Safe for concurrent use.
type Fetcher struct {
	client  *http.Client
	store   *cachestore.Store
	workers int
}

// New returns a Fetcher backed by the given cache store. timeout <= 0 and
// workers < 1 fall back to the defaults.
func New(store *cachestore.Store, timeout time.Duration, workers int) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if workers < 1 {
		workers = DefaultWorkers
	}
	client := httputils.DefaultClientConfig().
		WithRequestTimeout(timeout).
		With2xxOnly().
		WithUserAgent(userAgent).
		Client()
	client = progress.InstrumentClient(client, "cover_fetch")
	return &Fetcher{
		client:  client,
		store:   store,
		workers: workers,
	}
}

// Fetch returns the decoded image at url, from cache when possible. On a
// miss the downloaded bytes are normalized to JPEG before caching, so the
// cache directory holds only JPEGs. Cache write failures are logged and do
// not fail the fetch.
func (f *Fetcher) Fetch(ctx context.Context, url string) (image.Image, error) {
	if b, ok := f.store.GetImage(ctx, url); ok {
		img, err := imgproc.Decode(b, false)
		if err == nil {
			return img, nil
		}
		sklog.Warningf("Cached image for %s does not decode, refetching: %s", url, err)
	}
	img, _, err := f.fetchRemote(ctx, url)
	return img, err
}

// FetchBytes returns the normalized JPEG bytes for url, from cache when
// possible, downloading otherwise.
func (f *Fetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	if b, ok := f.store.GetImage(ctx, url); ok {
		return b, nil
	}
	_, b, err := f.fetchRemote(ctx, url)
	return b, err
}

// fetchRemote downloads, validates and normalizes one URL, returning both
// the decoded image and the bytes that were cached.
func (f *Fetcher) fetchRemote(ctx context.Context, url string) (image.Image, []byte, error) {
	resp, err := httputils.GetWithContext(ctx, f.client, url)
	if err != nil {
		return nil, nil, skerr.Wrapf(err, "downloading %s", url)
	}
	defer util.Close(resp.Body)
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, nil, skerr.Wrapf(err, "reading body of %s", url)
	}
	if len(b) > maxImageBytes {
		return nil, nil, skerr.Fmt("image at %s exceeds %d bytes", url, maxImageBytes)
	}

	img, err := imgproc.Decode(b, false)
	if err != nil {
		return nil, nil, skerr.Wrapf(err, "decoding %s", url)
	}
	if !imgproc.IsJPEG(b) {
		if b, err = imgproc.EncodeJPEG(img, imgproc.JPEGQuality); err != nil {
			return nil, nil, skerr.Wrapf(err, "re-encoding %s", url)
		}
	}
	if _, err := f.store.PutImage(ctx, url, b); err != nil {
		sklog.Warningf("Caching image for %s: %s", url, err)
	}
	return img, b, nil
}

// FetchBatch downloads the given URLs on a bounded worker pool and returns a
// map of URL to decoded image. Duplicates are coalesced; a failed URL is
// simply absent from the result, it never aborts the batch.
func (f *Fetcher) FetchBatch(ctx context.Context, urls []string) map[string]image.Image {
	seen := map[string]bool{}
	unique := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		unique = append(unique, u)
	}

	var mtx sync.Mutex
	out := make(map[string]image.Image, len(unique))
	pool := workerpool.New(f.workers)
	for _, url := range unique {
		url := url
		pool.Go(func() {
			img, err := f.Fetch(ctx, url)
			if err != nil {
				sklog.Warningf("Fetching %s: %s", url, err)
				return
			}
			mtx.Lock()
			defer mtx.Unlock()
			out[url] = img
		})
	}
	pool.Wait()
	return out
}
