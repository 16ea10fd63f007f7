package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/infernokun/inferno-comics-match/go/httputils"
	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/match/go/progress"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

const (
	// sessionStatusTTL is how long a session's in-memory state survives
	// after its last progress event.
	sessionStatusTTL = 2 * time.Hour

	// statusSweepInterval is how often expired entries are collected.
	statusSweepInterval = 10 * time.Minute
)

// Session states reported by the status endpoint.
const (
	StateRunning  = "running"
	StateComplete = "complete"
	StateError    = "error"
)

// Status is one session's liveness document.
type Status struct {
	SessionID string      `json:"sessionId"`
	State     string      `json:"state"`
	Stage     types.Stage `json:"stage"`
	Progress  float64     `json:"progress"`
	Message   string      `json:"message,omitempty"`
	StartedAt string      `json:"startedAt"`
	UpdatedAt string      `json:"updatedAt"`
}

// statusRegistry tracks session liveness in memory. It implements
// progress.Transport so reporters keep it current, and expires entries that
// have seen no event for sessionStatusTTL.
type statusRegistry struct {
	entries *gocache.Cache
}

func newStatusRegistry(onExpire func(sessionID string)) *statusRegistry {
	c := gocache.New(sessionStatusTTL, statusSweepInterval)
	c.OnEvicted(func(sessionID string, _ interface{}) {
		onExpire(sessionID)
	})
	return &statusRegistry{entries: c}
}

// seed installs the initial running entry for a session.
func (sr *statusRegistry) seed(ctx context.Context, sessionID string) {
	sr.update(ctx, sessionID, StateRunning, types.StageProcessingData, 0, "Session accepted")
}

func (sr *statusRegistry) get(sessionID string) (Status, bool) {
	v, ok := sr.entries.Get(sessionID)
	if !ok {
		return Status{}, false
	}
	return v.(Status), true
}

// SendEvent implements progress.Transport.
func (sr *statusRegistry) SendEvent(ctx context.Context, ev types.ProgressEvent) {
	state := StateRunning
	if ev.Type == types.EventError {
		state = StateError
	}
	sr.update(ctx, ev.SessionID, state, ev.Stage, ev.Progress, ev.Message)
}

// SendComplete implements progress.Transport.
func (sr *statusRegistry) SendComplete(ctx context.Context, ev types.ProgressEvent, _ *types.SessionResult) {
	sr.update(ctx, ev.SessionID, StateComplete, ev.Stage, 100, ev.Message)
}

// SendProcessedFile implements progress.Transport.
func (sr *statusRegistry) SendProcessedFile(context.Context, progress.ProcessedFile) {}

// update upserts the entry, refreshing its TTL. StartedAt is preserved across
// updates of the same session.
func (sr *statusRegistry) update(ctx context.Context, sessionID, state string, stage types.Stage, prog float64, message string) {
	ts := now.Now(ctx).UTC().Format(time.RFC3339)
	entry := Status{
		SessionID: sessionID,
		State:     state,
		Stage:     stage,
		Progress:  prog,
		Message:   message,
		StartedAt: ts,
		UpdatedAt: ts,
	}
	if prev, ok := sr.get(sessionID); ok {
		entry.StartedAt = prev.StartedAt
	}
	sr.entries.Set(sessionID, entry, gocache.DefaultExpiration)
}

var _ progress.Transport = (*statusRegistry)(nil)

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httputils.ReportError(w, skerr.Fmt("missing sessionId"), "A sessionId is required.", http.StatusBadRequest)
		return
	}
	st, ok := s.statuses.get(sessionID)
	if !ok {
		httputils.ReportError(w, skerr.Fmt("unknown session %q", sessionID), "Unknown or expired session.", http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}
