package fetch

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
)

func newTestStore(t *testing.T) *cachestore.Store {
	dir := t.TempDir()
	s, err := cachestore.New(context.Background(), filepath.Join(dir, "cache.db"), filepath.Join(dir, "images"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func testPNG(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 24, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 7), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testJPEG(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 24, 36))
	b, err := imgproc.EncodeJPEG(img, imgproc.JPEGQuality)
	require.NoError(t, err)
	return b
}

// coverServer serves fixture images and records per-path hit counts and the
// observed user agent.
type coverServer struct {
	*httptest.Server

	mtx       sync.Mutex
	hits      map[string]int
	userAgent string
}

func newCoverServer(t *testing.T) *coverServer {
	pngBytes := testPNG(t)
	jpegBytes := testJPEG(t)
	cs := &coverServer{hits: map[string]int{}}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mtx.Lock()
		cs.hits[r.URL.Path]++
		cs.userAgent = r.Header.Get("User-Agent")
		cs.mtx.Unlock()
		switch r.URL.Path {
		case "/a.png":
			_, _ = w.Write(pngBytes)
		case "/b.jpg":
			_, _ = w.Write(jpegBytes)
		case "/garbage":
			_, _ = w.Write([]byte("definitely not an image"))
		case "/slow.png":
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write(pngBytes)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *coverServer) hitCount(path string) int {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.hits[path]
}

func TestFetchNormalizesAndCaches(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	store := newTestStore(t)
	srv := newCoverServer(t)
	f := New(store, 5*time.Second, 2)

	url := srv.URL + "/a.png"
	img, err := f.Fetch(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, 24, img.Bounds().Dx())
	assert.Equal(t, 36, img.Bounds().Dy())
	assert.Equal(t, 1, srv.hitCount("/a.png"))
	assert.Equal(t, userAgent, srv.userAgent)

	// The cached copy is a JPEG even though the server sent a PNG.
	cached, ok := store.GetImage(ctx, url)
	require.True(t, ok)
	assert.True(t, imgproc.IsJPEG(cached))

	// Second fetch is served from the cache.
	_, err = f.Fetch(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.hitCount("/a.png"))
}

func TestFetchKeepsJPEGBytes(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	store := newTestStore(t)
	srv := newCoverServer(t)
	f := New(store, 5*time.Second, 2)

	url := srv.URL + "/b.jpg"
	_, err := f.Fetch(ctx, url)
	require.NoError(t, err)

	cached, ok := store.GetImage(ctx, url)
	require.True(t, ok)
	assert.Equal(t, testJPEG(t), cached)
}

func TestFetchErrors(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	store := newTestStore(t)
	srv := newCoverServer(t)
	f := New(store, 5*time.Second, 2)

	_, err := f.Fetch(ctx, srv.URL+"/nope.jpg")
	require.Error(t, err)

	_, err = f.Fetch(ctx, srv.URL+"/garbage")
	require.Error(t, err)

	// Nothing was cached.
	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.CachedImages)
}

func TestFetchTimeout(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	store := newTestStore(t)
	srv := newCoverServer(t)
	f := New(store, 50*time.Millisecond, 2)

	_, err := f.Fetch(ctx, srv.URL+"/slow.png")
	require.Error(t, err)
}

func TestFetchBatchDedupesAndToleratesFailures(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	store := newTestStore(t)
	srv := newCoverServer(t)
	f := New(store, 5*time.Second, 3)

	aURL := srv.URL + "/a.png"
	bURL := srv.URL + "/b.jpg"
	badURL := srv.URL + "/nope.jpg"
	got := f.FetchBatch(ctx, []string{aURL, bURL, aURL, "", badURL, aURL})

	require.Len(t, got, 2)
	assert.NotNil(t, got[aURL])
	assert.NotNil(t, got[bURL])
	assert.Equal(t, 1, srv.hitCount("/a.png"))
	assert.Equal(t, 1, srv.hitCount("/b.jpg"))
}

func TestFetchBytesPrefersCache(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	store := newTestStore(t)
	srv := newCoverServer(t)
	f := New(store, 5*time.Second, 2)

	url := srv.URL + "/a.png"
	first, err := f.FetchBytes(ctx, url)
	require.NoError(t, err)
	assert.True(t, imgproc.IsJPEG(first))
	assert.Equal(t, 1, srv.hitCount("/a.png"))

	// The second call is served from the cache byte for byte.
	second, err := f.FetchBytes(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, srv.hitCount("/a.png"))
}
