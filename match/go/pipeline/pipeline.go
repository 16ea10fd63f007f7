// Package pipeline orchestrates a full match session: it validates the
// input, extracts features from the query images, compares every candidate
// cover URL against every query on a worker pool and persists the ranked
// session result.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infernokun/inferno-comics-match/go/metrics2"
	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/rtcache"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/go/workerpool"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/detect"
	"github.com/infernokun/inferno-comics-match/match/go/feature"
	"github.com/infernokun/inferno-comics-match/match/go/fetch"
	"github.com/infernokun/inferno-comics-match/match/go/imgproc"
	"github.com/infernokun/inferno-comics-match/match/go/matcher"
	"github.com/infernokun/inferno-comics-match/match/go/progress"
	"github.com/infernokun/inferno-comics-match/match/go/session"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// featureCacheSize bounds the in-memory candidate feature cache of one
// session. Entries for the 1000-feature presets run a few hundred KB each.
const featureCacheSize = 256

// QueryImage is one uploaded image to be matched against the candidate
// covers.
type QueryImage struct {
	Name string
	Data []byte
}

// Pipeline runs match sessions. It is safe for concurrent use: every
// MatchBatch call builds its own matcher and feature cache from a
// configuration snapshot taken when the session starts.
type Pipeline struct {
	cfg      *config.Store
	cache    *cachestore.Store
	fetcher  *fetch.Fetcher
	sessions *session.Store

	started   metrics2.Counter
	completed metrics2.Counter
	failed    metrics2.Counter
}

// New returns a Pipeline backed by the given configuration, feature cache,
// image fetcher and session store.
func New(cfg *config.Store, cache *cachestore.Store, fetcher *fetch.Fetcher, sessions *session.Store) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		cache:     cache,
		fetcher:   fetcher,
		sessions:  sessions,
		started:   metrics2.GetCounter("match_pipeline_sessions", map[string]string{"event": "started"}),
		completed: metrics2.GetCounter("match_pipeline_sessions", map[string]string{"event": "completed"}),
		failed:    metrics2.GetCounter("match_pipeline_sessions", map[string]string{"event": "failed"}),
	}
}

// queryState carries one query image through the pipeline stages.
type queryState struct {
	name  string
	url   string // Session-relative path of the persisted upload.
	feats types.FeatureSet
	err   string
}

// candidateEntry is the cached outcome of preparing one candidate URL.
type candidateEntry struct {
	feats  types.FeatureSet
	counts types.FeatureCounts
}

// candidateFailure classifies why a candidate URL could not be prepared. The
// feature cache stores it as the cached error, so repeated lookups of a bad
// URL keep their classification.
type candidateFailure struct {
	status types.Status
	cause  error
}

func (f candidateFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.status, f.cause)
}

// failureStatus maps a feature cache error to the status recorded on the
// ranked result.
func failureStatus(err error) types.Status {
	var cf candidateFailure
	if errors.As(err, &cf) {
		return cf.status
	}
	return types.StatusFailedDownload
}

// MatchBatch matches the query images against the candidate covers and
// writes the session result document. It always returns a result, carrying
// an Error field when the session could not run; errors on individual
// queries or candidates are recorded inside the result instead. sink must
// not be nil.
func (p *Pipeline) MatchBatch(ctx context.Context, sessionID string, queries []QueryImage, covers []types.Cover, sink progress.Sink) (res *types.SessionResult) {
	defer metrics2.NewTimer("match_pipeline_duration").Stop()
	p.started.Inc(1)

	cfg := p.cfg.Get()
	res = &types.SessionResult{
		SessionID: sessionID,
		Timestamp: now.Now(ctx).UTC().Format(time.RFC3339),
		Threshold: float64(cfg.SimilarityThreshold),
	}
	defer func() {
		if r := recover(); r != nil {
			sklog.Errorf("Session %s: pipeline panic: %v\n%s", sessionID, r, debug.Stack())
			res.Error = fmt.Sprintf("internal error: %v", r)
			sink.Error(ctx, res.Error)
			if err := p.sessions.WriteResult(ctx, res); err != nil {
				sklog.Errorf("Session %s: writing error document: %s", sessionID, err)
			}
			p.failed.Inc(1)
		}
	}()

	// processing_data: 12 -> 20.
	sink.Update(ctx, types.StageProcessingData, 12,
		fmt.Sprintf("Validating %d query images and %d covers", len(queries), len(covers)))
	if len(queries) == 0 {
		return p.abort(ctx, sink, res, "no query images provided")
	}
	candidates := types.FlattenCovers(covers)
	if len(candidates) == 0 {
		return p.abort(ctx, sink, res, "no candidate URLs in the provided covers")
	}
	sink.Update(ctx, types.StageProcessingData, 20,
		fmt.Sprintf("Prepared %d candidate URLs from %d covers", len(candidates), len(covers)))

	// initializing_matcher: 20 -> 25.
	sink.Update(ctx, types.StageInitializingMatcher, 20,
		fmt.Sprintf("Initializing matcher with %d workers", cfg.MaxWorkers))
	m := matcher.New(cfg.RatioTest, cfg.FeatureWeights, cfg.Options.UseAdvancedMatching)
	extractor := feature.NewExtractor(cfg.Detectors)
	features, err := p.newFeatureCache(ctx, cfg, extractor)
	if err != nil {
		return p.abort(ctx, sink, res, fmt.Sprintf("initializing feature cache: %s", err))
	}
	defer features.Shutdown()
	sink.Update(ctx, types.StageInitializingMatcher, 25, "Matcher ready")

	// extracting_features: 25 -> 35. Query images are persisted and
	// extracted concurrently; failures are recorded per query.
	n := len(queries)
	states := make([]queryState, n)
	var eg errgroup.Group
	eg.SetLimit(cfg.MaxWorkers)
	for i := range queries {
		i := i
		q := queries[i]
		st := &states[i]
		st.name = q.Name
		if st.name == "" {
			st.name = fmt.Sprintf("image-%d", i+1)
		}
		sink.Update(ctx, types.StageExtractingFeatures, 25+10*float64(i)/float64(n),
			fmt.Sprintf("Image %d/%d: %s", i+1, n, st.name))
		eg.Go(func() error {
			p.prepareQuery(ctx, sessionID, i, n, q.Data, cfg, extractor, st, sink)
			return nil
		})
	}
	_ = eg.Wait()
	sink.Update(ctx, types.StageExtractingFeatures, 35, "Query feature extraction complete")

	// comparing_images: 35 -> 85, split into one equal sub-band per query.
	rankedAll := make([][]types.RankedResult, n)
	for i := range states {
		st := &states[i]
		bandStart := 35 + 50*float64(i)/float64(n)
		bandEnd := 35 + 50*float64(i+1)/float64(n)
		if st.err != "" {
			sink.Update(ctx, types.StageComparingImages, bandEnd,
				fmt.Sprintf("Image %d/%d failed: %s", i+1, n, st.name))
			continue
		}
		rankedAll[i] = p.compareCandidates(ctx, cfg, m, features, st.feats, i, candidates, bandStart, bandEnd, sink)
		above := 0
		for _, rr := range rankedAll[i] {
			if rr.MeetsThreshold {
				above++
			}
		}
		sink.Update(ctx, types.StageComparingImages, bandEnd,
			fmt.Sprintf("Image %d/%d complete: %d of %d candidates met the threshold", i+1, n, above, len(candidates)))
	}

	// processing_results: 85 -> 95. Attach cover metadata and rank.
	// TotalMatches counts every candidate processed for the query; a query
	// with no successful comparison at all reports an empty ranking.
	sink.Update(ctx, types.StageProcessingResults, 85, "Enhancing results with cover metadata")
	images := make([]types.ImageResult, n)
	for i := range states {
		st := &states[i]
		ir := types.ImageResult{Index: i, QueryImageURL: st.url, TopMatches: []types.RankedResult{}}
		if st.err != "" {
			ir.Error = st.err
			images[i] = ir
			continue
		}
		ranked := rankedAll[i]
		ir.TotalMatches = len(ranked)
		succeeded := 0
		for j := range ranked {
			rr := &ranked[j]
			cover := candidates[j].Cover
			rr.ComicName = cover.Name
			rr.IssueNumber = cover.IssueNumber
			rr.ComicVineID = cover.ComicVineID
			rr.ParentComicVineID = cover.ParentComicVineID
			if rr.Status == types.StatusSuccess {
				succeeded++
			}
		}
		sort.SliceStable(ranked, func(a, b int) bool {
			return ranked[a].Similarity > ranked[b].Similarity
		})
		if succeeded > 0 {
			ir.TopMatches = ranked
		}
		images[i] = ir
	}
	sink.Update(ctx, types.StageProcessingResults, 95, "Results ranked by similarity")

	// finalizing: 95 -> 100. Truncate to top-K, copy the kept candidate
	// images into the session directory and write the result document.
	sink.Update(ctx, types.StageFinalizing, 95,
		fmt.Sprintf("Selecting top %d matches per image", cfg.ResultBatch))
	summary := types.Summary{
		TotalImagesProcessed: n,
		TotalCoversProcessed: len(covers),
		TotalURLsProcessed:   len(candidates),
	}
	for i := range images {
		ir := &images[i]
		if ir.Error != "" {
			summary.FailedImages++
			continue
		}
		summary.SuccessfulImages++
		summary.TotalMatchesAllImages += ir.TotalMatches
		if len(ir.TopMatches) > cfg.ResultBatch {
			ir.TopMatches = ir.TopMatches[:cfg.ResultBatch]
		}
		for j := range ir.TopMatches {
			rr := &ir.TopMatches[j]
			if rr.Status != types.StatusSuccess {
				continue
			}
			rel, err := p.sessions.SaveCandidateImage(ctx, sessionID, rr.ComicName, rr.IssueNumber, rr.URL)
			if err != nil {
				sklog.Warningf("Session %s: copying candidate image %s: %s", sessionID, rr.URL, err)
				continue
			}
			rr.CachedImageURL = rel
		}
	}
	res.Images = images
	res.Summary = summary
	if err := p.sessions.WriteResult(ctx, res); err != nil {
		sklog.Errorf("Session %s: writing result document: %s", sessionID, err)
	}
	p.completed.Inc(1)
	sink.Complete(ctx, res)
	return res
}

// abort finishes a session that cannot proceed: it emits the error event and
// persists an error document.
func (p *Pipeline) abort(ctx context.Context, sink progress.Sink, res *types.SessionResult, msg string) *types.SessionResult {
	sklog.Errorf("Session %s: %s", res.SessionID, msg)
	res.Error = msg
	sink.Error(ctx, msg)
	if err := p.sessions.WriteResult(ctx, res); err != nil {
		sklog.Errorf("Session %s: writing error document: %s", res.SessionID, err)
	}
	p.failed.Inc(1)
	return res
}

// prepareQuery persists one query upload and extracts its features,
// recording the outcome in st.
func (p *Pipeline) prepareQuery(ctx context.Context, sessionID string, idx, total int, data []byte, cfg config.Config, extractor *feature.Extractor, st *queryState, sink progress.Sink) {
	rel, err := p.sessions.SaveQueryImage(ctx, sessionID, data)
	if err != nil {
		sklog.Warningf("Session %s: persisting query image %q: %s", sessionID, st.name, err)
	} else {
		st.url = rel
		sum := sha256.Sum256(data)
		sink.ReportProcessedFile(ctx, progress.ProcessedFile{
			SessionID: sessionID,
			FileName:  st.name,
			URL:       rel,
			Hash:      hex.EncodeToString(sum[:]),
			Index:     idx + 1,
			Total:     total,
		})
	}
	// Uploads keep their EXIF orientation.
	img, err := imgproc.Decode(data, true)
	if err != nil {
		st.err = fmt.Sprintf("decoding %s: %s", st.name, err)
		return
	}
	fs, _, _ := prepareImage(cfg, extractor, img)
	if fs.Sift.Descriptors.Empty() && fs.Orb.Descriptors.Empty() {
		st.err = fmt.Sprintf("no features extracted from %s", st.name)
		return
	}
	st.feats = fs
}

// compareCandidates scores every candidate URL against one query's features.
// Candidates are submitted in input order; progress within the sub-band
// follows the completion count.
func (p *Pipeline) compareCandidates(ctx context.Context, cfg config.Config, m *matcher.Matcher, features rtcache.ReadThroughCache, query types.FeatureSet, queryIdx int, candidates []types.CandidateURL, bandStart, bandEnd float64, sink progress.Sink) []types.RankedResult {
	ranked := make([]types.RankedResult, len(candidates))
	total := len(candidates)
	var done int64
	pool := workerpool.New(cfg.MaxWorkers)
	for j := range candidates {
		j := j
		url := candidates[j].URL
		pool.Go(func() {
			rr := types.RankedResult{URL: url}
			v, err := features.Get(rtcache.PriorityTimeCombined(int64(queryIdx)), url)
			if err != nil {
				rr.Status = failureStatus(err)
			} else {
				entry := v.(candidateEntry)
				sim, det := m.Compare(query, entry.feats)
				rr.Status = types.StatusSuccess
				rr.Similarity = sim
				rr.MeetsThreshold = sim >= float64(cfg.SimilarityThreshold)
				rr.MatchDetails = det
				rr.CandidateFeatures = entry.counts
			}
			ranked[j] = rr
			k := atomic.AddInt64(&done, 1)
			sink.Update(ctx, types.StageComparingImages,
				bandStart+(bandEnd-bandStart)*float64(k)/float64(total),
				fmt.Sprintf("Comparing candidate %d/%d", k, total))
		})
	}
	pool.Wait()
	return ranked
}

// newFeatureCache builds the read-through cache that prepares candidate
// features: persistent cache lookup first, then fetch and extract on a miss.
// Concurrent requests for the same URL are coalesced and failures are cached
// with their classification.
func (p *Pipeline) newFeatureCache(ctx context.Context, cfg config.Config, extractor *feature.Extractor) (rtcache.ReadThroughCache, error) {
	worker := func(priority int64, url string) (interface{}, error) {
		if fs, ok := p.cache.GetFeatures(ctx, url); ok {
			return candidateEntry{feats: fs, counts: countsOf(fs)}, nil
		}
		if cfg.Options.CacheOnly {
			return nil, candidateFailure{
				status: types.StatusFailedDownload,
				cause:  fmt.Errorf("features for %s not cached and cache_only is set", url),
			}
		}
		img, err := p.fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, candidateFailure{status: types.StatusFailedDownload, cause: err}
		}
		start := time.Now()
		fs, shape, cropped := prepareImage(cfg, extractor, img)
		if fs.Sift.Descriptors.Empty() && fs.Orb.Descriptors.Empty() {
			return nil, candidateFailure{
				status: types.StatusFailedFeatures,
				cause:  fmt.Errorf("no features extracted from %s", url),
			}
		}
		if err := p.cache.PutFeatures(ctx, url, fs, time.Since(start), shape, cropped); err != nil {
			sklog.Warningf("Caching features for %s: %s", url, err)
		}
		return candidateEntry{feats: fs, counts: countsOf(fs)}, nil
	}
	return rtcache.New(worker, featureCacheSize, cfg.MaxWorkers)
}

// prepareImage runs the shared detect, preprocess and extract sequence,
// reporting whether a comic area was cropped out.
func prepareImage(cfg config.Config, extractor *feature.Extractor, img image.Image) (types.FeatureSet, types.Shape, bool) {
	cropped := false
	if cfg.Options.UseComicDetection {
		img, cropped = detect.ComicArea(img)
	}
	plane := imgproc.Preprocess(img, cfg.ImageSize)
	fs := extractor.Extract(plane)
	return fs, types.Shape{Width: plane.W, Height: plane.H}, cropped
}

func countsOf(fs types.FeatureSet) types.FeatureCounts {
	return types.FeatureCounts{Sift: fs.Sift.Count(), Orb: fs.Orb.Count()}
}
