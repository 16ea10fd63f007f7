// Package progress centralizes session progress reporting. A Reporter is the
// single source of truth for one session's stage machine; it coalesces
// high-frequency updates and fans the surviving events out to transports
// (an external HTTP progress service, a local subscriber broker, or both).
package progress

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

const (
	// DefaultMinInterval is the smallest gap between two rate-limited
	// updates.
	DefaultMinInterval = 200 * time.Millisecond

	// deltaBypass lets any jump of at least this many percentage points
	// through regardless of timing.
	deltaBypass = 3.0

	// warmupCount updates at the start of a session are always sent so
	// subscribers see the early stages.
	warmupCount = 5
)

// Sink is what pipeline code calls to report progress. All methods are safe
// for concurrent use and never fail; delivery problems are logged and
// swallowed.
type Sink interface {
	// Update reports stage and progress (0-100) with a human-readable
	// message. Updates may be coalesced.
	Update(ctx context.Context, stage types.Stage, progress float64, message string)

	// Complete reports successful completion with the final result. It is
	// delivered at most once; later calls are dropped.
	Complete(ctx context.Context, result *types.SessionResult)

	// Error reports a fatal session error. It is delivered at most once.
	Error(ctx context.Context, message string)

	// ReportProcessedFile announces one persisted query image. Not rate
	// limited.
	ReportProcessedFile(ctx context.Context, file ProcessedFile)
}

// Transport delivers admitted events. Implementations must be non-blocking
// or bounded; they must never return control-flow errors to the pipeline.
type Transport interface {
	SendEvent(ctx context.Context, ev types.ProgressEvent)
	SendComplete(ctx context.Context, ev types.ProgressEvent, result *types.SessionResult)
	SendProcessedFile(ctx context.Context, file ProcessedFile)
}

// ProcessedFile describes one persisted query image.
type ProcessedFile struct {
	SessionID string `json:"sessionId"`
	FileName  string `json:"fileName"`
	URL       string `json:"url"`
	Hash      string `json:"hash,omitempty"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
}

// Message patterns the reporter understands. The pipeline phrases its
// per-image and per-candidate messages to match.
var (
	imageStartRe    = regexp.MustCompile(`^Image (\d+)/(\d+): (.+)$`)
	imageCompleteRe = regexp.MustCompile(`^Image (\d+)/(\d+) complete`)
	imageFailedRe   = regexp.MustCompile(`^Image (\d+)/(\d+) failed`)
	candidateRe     = regexp.MustCompile(`(?i)candidate (\d+)/(\d+)`)
)

// stageLabels are the human-readable forms used in Stats.CurrentStage.
var stageLabels = map[types.Stage]string{
	types.StageProcessingData:      "Processing data",
	types.StageInitializingMatcher: "Initializing matcher",
	types.StageExtractingFeatures:  "Extracting features",
	types.StageComparingImages:     "Comparing images",
	types.StageProcessingResults:   "Processing results",
	types.StageFinalizing:          "Finalizing",
	types.StageComplete:            "Complete",
	types.StageError:               "Error",
}

// Reporter implements Sink for one session.
type Reporter struct {
	sessionID   string
	transports  []Transport
	minInterval time.Duration

	mtx             sync.Mutex
	done            bool
	sentCount       int
	lastSentAt      time.Time
	lastStage       types.Stage
	lastProgress    float64
	stats           types.Stats
	imageCountsSeen bool
}

// NewReporter returns a Reporter for sessionID delivering to the given
// transports. minInterval <= 0 selects DefaultMinInterval.
func NewReporter(sessionID string, minInterval time.Duration, transports ...Transport) *Reporter {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Reporter{
		sessionID:   sessionID,
		transports:  transports,
		minInterval: minInterval,
	}
}

// SessionID returns the session this reporter serves.
func (r *Reporter) SessionID() string {
	return r.sessionID
}

// Update implements Sink. The event is dropped when the session is already
// terminal, and coalesced unless a bypass class applies: stage transition,
// progress jump >= 3 points, progress >= 100, a per-image message, or one of
// the first five updates of the session.
func (r *Reporter) Update(ctx context.Context, stage types.Stage, progress float64, message string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.done {
		return
	}

	// Progress never moves backwards.
	if progress < r.lastProgress {
		progress = r.lastProgress
	}
	r.extractStats(stage, message)

	ts := now.Now(ctx)
	bypass := stage != r.lastStage ||
		progress-r.lastProgress >= deltaBypass ||
		progress >= 100 ||
		isPerImageMessage(message) ||
		r.sentCount < warmupCount
	if !bypass && ts.Sub(r.lastSentAt) < r.minInterval {
		return
	}

	r.emitLocked(ctx, types.ProgressEvent{
		Type:      types.EventProgress,
		SessionID: r.sessionID,
		Stage:     stage,
		Progress:  progress,
		Message:   message,
	}, ts)
}

// Complete implements Sink.
func (r *Reporter) Complete(ctx context.Context, result *types.SessionResult) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.done {
		return
	}
	r.done = true

	ts := now.Now(ctx)
	stats := r.statsSnapshot(types.StageComplete)
	ev := types.ProgressEvent{
		Type:            types.EventComplete,
		SessionID:       r.sessionID,
		Stage:           types.StageComplete,
		Progress:        100,
		Message:         "Processing complete",
		Stats:           &stats,
		TimestampMillis: ts.UnixMilli(),
	}
	r.lastStage = types.StageComplete
	r.lastProgress = 100
	r.lastSentAt = ts
	r.sentCount++
	for _, t := range r.transports {
		t.SendComplete(ctx, ev, result)
	}
}

// Error implements Sink.
func (r *Reporter) Error(ctx context.Context, message string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.done {
		return
	}
	r.done = true

	ts := now.Now(ctx)
	stats := r.statsSnapshot(types.StageError)
	ev := types.ProgressEvent{
		Type:            types.EventError,
		SessionID:       r.sessionID,
		Stage:           types.StageError,
		Progress:        r.lastProgress,
		Error:           message,
		Message:         message,
		Stats:           &stats,
		TimestampMillis: ts.UnixMilli(),
	}
	r.lastStage = types.StageError
	r.lastSentAt = ts
	r.sentCount++
	for _, t := range r.transports {
		t.SendEvent(ctx, ev)
	}
}

// ReportProcessedFile implements Sink.
func (r *Reporter) ReportProcessedFile(ctx context.Context, file ProcessedFile) {
	r.mtx.Lock()
	done := r.done
	r.mtx.Unlock()
	if done {
		return
	}
	file.SessionID = r.sessionID
	for _, t := range r.transports {
		t.SendProcessedFile(ctx, file)
	}
}

// Stats returns a snapshot of the extracted counters.
func (r *Reporter) Stats() types.Stats {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.stats
}

// emitLocked finalizes and delivers an event. Caller holds r.mtx.
func (r *Reporter) emitLocked(ctx context.Context, ev types.ProgressEvent, ts time.Time) {
	stats := r.statsSnapshot(ev.Stage)
	ev.Stats = &stats
	ev.TimestampMillis = ts.UnixMilli()
	r.lastStage = ev.Stage
	r.lastProgress = ev.Progress
	r.lastSentAt = ts
	r.sentCount++
	for _, t := range r.transports {
		t.SendEvent(ctx, ev)
	}
}

// statsSnapshot copies the counters with the stage label filled in. Caller
// holds r.mtx.
func (r *Reporter) statsSnapshot(stage types.Stage) types.Stats {
	s := r.stats
	if label, ok := stageLabels[stage]; ok && s.CurrentStage == "" {
		s.CurrentStage = label
	}
	return s
}

// extractStats updates the counters from a structured message. Image-level
// counts win over candidate-level counts once seen: a multi-image session
// reports images, a single-image session reports candidates. Caller holds
// r.mtx.
func (r *Reporter) extractStats(stage types.Stage, message string) {
	label := stageLabels[stage]

	if m := imageStartRe.FindStringSubmatch(message); m != nil {
		i, n := mustAtoi(m[1]), mustAtoi(m[2])
		r.rebaseTotals(n)
		r.imageCountsSeen = true
		r.bumpProcessed(i - 1)
		r.stats.CurrentStage = "Processing image " + m[1] + " of " + m[2] + ": " + m[3]
		return
	}
	if m := imageCompleteRe.FindStringSubmatch(message); m != nil {
		i, n := mustAtoi(m[1]), mustAtoi(m[2])
		r.rebaseTotals(n)
		r.imageCountsSeen = true
		r.bumpProcessed(i)
		r.stats.SuccessfulItems++
		r.stats.CurrentStage = label
		return
	}
	if m := imageFailedRe.FindStringSubmatch(message); m != nil {
		i, n := mustAtoi(m[1]), mustAtoi(m[2])
		r.rebaseTotals(n)
		r.imageCountsSeen = true
		r.bumpProcessed(i)
		r.stats.FailedItems++
		r.stats.CurrentStage = label
		return
	}
	if m := candidateRe.FindStringSubmatch(message); m != nil {
		if !r.imageCountsSeen {
			i, n := mustAtoi(m[1]), mustAtoi(m[2])
			r.rebaseTotals(n)
			r.bumpProcessed(i)
		}
		r.stats.CurrentStage = message
		return
	}
	if label != "" {
		r.stats.CurrentStage = label
	}
}

// rebaseTotals resets the monotonic floor when the unit of counting changes
// (e.g. candidate counts giving way to image counts).
func (r *Reporter) rebaseTotals(total int) {
	if r.stats.TotalItems != total {
		r.stats.TotalItems = total
		r.stats.ProcessedItems = 0
	}
}

// bumpProcessed raises ProcessedItems, never lowering it.
func (r *Reporter) bumpProcessed(n int) {
	if n > r.stats.ProcessedItems {
		r.stats.ProcessedItems = n
	}
}

func isPerImageMessage(message string) bool {
	return imageStartRe.MatchString(message) ||
		imageCompleteRe.MatchString(message) ||
		imageFailedRe.MatchString(message)
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		// Unreachable: the regexps only capture digit runs.
		sklog.Errorf("Parsing %q as int: %s", s, err)
		return 0
	}
	return n
}

var _ Sink = (*Reporter)(nil)
