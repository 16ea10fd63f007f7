// Package web exposes the matching service over HTTP: synchronous and
// asynchronous matching, progress streaming via server-sent events, session
// artifacts and the configuration document.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/infernokun/inferno-comics-match/go/httputils"
	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/go/sser"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/pipeline"
	"github.com/infernokun/inferno-comics-match/match/go/progress"
	"github.com/infernokun/inferno-comics-match/match/go/session"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

const (
	// maxUploadBytes caps the multipart form size of one request.
	maxUploadBytes = 32 << 20

	// heartbeatInterval is how often an SSE stream of a running session
	// receives a keepalive frame.
	heartbeatInterval = 15 * time.Second
)

// BatchMatcher runs one matching session end to end. *pipeline.Pipeline
// implements it.
type BatchMatcher interface {
	MatchBatch(ctx context.Context, sessionID string, queries []pipeline.QueryImage, covers []types.Cover, sink progress.Sink) *types.SessionResult
}

// Server wires the matching pipeline to the HTTP API.
type Server struct {
	cfg      *config.Store
	matcher  BatchMatcher
	sessions *session.Store
	cache    *cachestore.Store
	events   sser.Server
	broker   *progress.Broker

	// outbound is nil when the external progress service failed its
	// startup health probe; events are then delivered locally only.
	outbound progress.Transport

	statuses *statusRegistry
	version  string

	// newTicker drives SSE heartbeats; tests swap it for a mock.
	newTicker now.NewTimeTickerFunc

	// baseCtx outlives individual requests; asynchronous sessions and
	// stream pumps run under it and stop on server shutdown.
	baseCtx context.Context

	// running counts asynchronous sessions for Shutdown.
	running sync.WaitGroup
}

// New returns a Server. The events server must already be started; outbound
// may be nil to disable external progress reporting.
func New(ctx context.Context, cfg *config.Store, matcher BatchMatcher, sessions *session.Store, cache *cachestore.Store, events sser.Server, outbound progress.Transport, version string) *Server {
	s := &Server{
		cfg:       cfg,
		matcher:   matcher,
		sessions:  sessions,
		cache:     cache,
		events:    events,
		broker:    progress.NewBroker(0),
		outbound:  outbound,
		version:   version,
		newTicker: now.NewTimeTicker,
		baseCtx:   ctx,
	}
	s.statuses = newStatusRegistry(func(sessionID string) {
		// Expired sessions drop their buffered SSE stream with them.
		events.RemoveStream(sessionID)
	})
	return s
}

// RegisterHandlers registers the API routes.
func (s *Server) RegisterHandlers(router *chi.Mux) {
	router.Post("/image-matcher", s.matchSingleHandler)
	router.Post("/image-matcher-multiple", s.matchMultipleHandler)
	router.Post("/image-matcher/start", s.startHandler)
	router.Get("/image-matcher/progress", s.progressHandler)
	router.Get("/image-matcher/status", s.statusHandler)
	router.Get("/image-matcher/cache/stats", s.cacheStatsHandler)
	router.Get("/image-matcher/{sessionID}/data", s.sessionDataHandler)
	router.Get("/stored_images/{sessionID}/{filename}", s.storedImageHandler)
	router.Get("/health", s.healthHandler)
	router.Get("/config", s.getConfigHandler)
	router.Post("/config", s.setConfigHandler)
}

// singleMatchResponse is the body of POST /image-matcher.
type singleMatchResponse struct {
	TopMatches           []types.RankedResult `json:"top_matches"`
	TotalMatches         int                  `json:"total_matches"`
	TotalCoversProcessed int                  `json:"total_covers_processed"`
	TotalURLsProcessed   int                  `json:"total_urls_processed"`
	SessionID            string               `json:"session_id"`
}

// batchMatchResponse is the body of POST /image-matcher-multiple.
type batchMatchResponse struct {
	Results   []types.ImageResult `json:"results"`
	Summary   types.Summary       `json:"summary"`
	SessionID string              `json:"session_id"`
}

// startResponse is the body of POST /image-matcher/start.
type startResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) matchSingleHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputils.ReportError(w, err, "Failed to parse the multipart form.", http.StatusBadRequest)
		return
	}
	data, name, err := readFormImage(r, "image")
	if err != nil {
		httputils.ReportError(w, err, "An image upload is required.", http.StatusBadRequest)
		return
	}
	covers, err := coversFromForm(r)
	if err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}
	// A client-supplied session id turns on external progress reporting.
	sessionID := r.FormValue("session_id")
	external := sessionID != ""
	if external && !session.ValidSessionID(sessionID) {
		httputils.ReportError(w, skerr.Fmt("invalid session id %q", sessionID), "Invalid session_id.", http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	s.beginSession(r.Context(), sessionID)
	res := s.matcher.MatchBatch(r.Context(), sessionID, []pipeline.QueryImage{{Name: name, Data: data}}, covers, s.newReporter(sessionID, external))
	if res.Error != "" {
		httputils.ReportError(w, skerr.Fmt("session %s: %s", sessionID, res.Error), res.Error, http.StatusInternalServerError)
		return
	}
	ir := res.Images[0]
	if ir.Error != "" {
		httputils.ReportError(w, skerr.Fmt("session %s: %s", sessionID, ir.Error), ir.Error, http.StatusUnprocessableEntity)
		return
	}
	resp := singleMatchResponse{
		TopMatches:           ir.TopMatches,
		TotalMatches:         ir.TotalMatches,
		TotalCoversProcessed: res.Summary.TotalCoversProcessed,
		TotalURLsProcessed:   res.Summary.TotalURLsProcessed,
		SessionID:            sessionID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}

func (s *Server) matchMultipleHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputils.ReportError(w, err, "Failed to parse the multipart form.", http.StatusBadRequest)
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		httputils.ReportError(w, skerr.Fmt("missing session_id"), "A session_id is required.", http.StatusBadRequest)
		return
	}
	if !session.ValidSessionID(sessionID) {
		httputils.ReportError(w, skerr.Fmt("invalid session id %q", sessionID), "Invalid session_id.", http.StatusBadRequest)
		return
	}
	covers, err := coversFromForm(r)
	if err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}
	queries, err := collectImageUploads(r.MultipartForm)
	if err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}

	s.beginSession(r.Context(), sessionID)
	res := s.matcher.MatchBatch(r.Context(), sessionID, queries, covers, s.newReporter(sessionID, true))
	if res.Error != "" {
		httputils.ReportError(w, skerr.Fmt("session %s: %s", sessionID, res.Error), res.Error, http.StatusInternalServerError)
		return
	}
	resp := batchMatchResponse{
		Results:   res.Images,
		Summary:   res.Summary,
		SessionID: sessionID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputils.ReportError(w, err, "Failed to parse the multipart form.", http.StatusBadRequest)
		return
	}
	data, name, err := readFormImage(r, "image")
	if err != nil {
		httputils.ReportError(w, err, "An image upload is required.", http.StatusBadRequest)
		return
	}
	covers, err := coversFromForm(r)
	if err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := uuid.New().String()
	s.beginSession(r.Context(), sessionID)
	s.running.Add(1)
	go s.runSession(sessionID, []pipeline.QueryImage{{Name: name, Data: data}}, covers)

	if err := json.NewEncoder(w).Encode(startResponse{SessionID: sessionID}); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}

// progressHandler subscribes the caller to a session's SSE stream. Frames are
// "data: <json>\n\n" with event types progress, complete, error and
// heartbeat; buffered events are replayed to late subscribers.
func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httputils.ReportError(w, skerr.Fmt("missing sessionId"), "A sessionId is required.", http.StatusBadRequest)
		return
	}
	if _, ok := s.statuses.get(sessionID); !ok {
		httputils.ReportError(w, skerr.Fmt("unknown session %q", sessionID), "Unknown or expired session.", http.StatusNotFound)
		return
	}
	// The events server keys streams by its own query parameter.
	q := r.URL.Query()
	q.Set(sser.QueryParameterName, sessionID)
	r.URL.RawQuery = q.Encode()
	s.events.ClientConnectionHandler(s.baseCtx)(w, r)
}

// newReporter builds the per-session progress reporter. Local transports are
// always attached; the external service only when the client supplied the
// session id and the startup probe succeeded.
func (s *Server) newReporter(sessionID string, external bool) *progress.Reporter {
	transports := []progress.Transport{s.broker, s.statuses}
	if external && s.outbound != nil {
		transports = append(transports, s.outbound)
	}
	return progress.NewReporter(sessionID, 0, transports...)
}

// beginSession seeds the status registry and starts forwarding the session's
// events to its SSE stream. It must run before the first pipeline event so
// subscribers never miss the session start.
func (s *Server) beginSession(ctx context.Context, sessionID string) {
	s.statuses.seed(ctx, sessionID)
	ch, cancel := s.broker.Subscribe(sessionID)
	go func() {
		defer cancel()
		for ev := range ch {
			b, err := json.Marshal(ev)
			if err != nil {
				sklog.Errorf("Serializing progress event for session %s: %s", sessionID, err)
				continue
			}
			if err := s.events.Send(s.baseCtx, sessionID, string(b)); err != nil {
				sklog.Warningf("Forwarding progress for session %s: %s", sessionID, err)
			}
		}
	}()
}

// runSession executes one asynchronous session with SSE heartbeats.
func (s *Server) runSession(sessionID string, queries []pipeline.QueryImage, covers []types.Cover) {
	defer s.running.Done()
	done := make(chan struct{})
	go s.heartbeat(sessionID, done)
	defer close(done)
	s.matcher.MatchBatch(s.baseCtx, sessionID, queries, covers, s.newReporter(sessionID, false))
}

// Shutdown waits for asynchronous sessions still running, giving up when ctx
// expires. Draining in-flight HTTP requests is the caller's concern.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sklog.Warningf("Shutting down with sessions still running: %s", ctx.Err())
	}
}

// heartbeatFrame is the SSE keepalive payload.
type heartbeatFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) heartbeat(sessionID string, done <-chan struct{}) {
	t := s.newTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.baseCtx.Done():
			return
		case ts := <-t.C():
			b, err := json.Marshal(heartbeatFrame{
				Type:      types.EventHeartbeat,
				SessionID: sessionID,
				Timestamp: ts.UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := s.events.Send(s.baseCtx, sessionID, string(b)); err != nil {
				sklog.Warningf("Sending heartbeat for session %s: %s", sessionID, err)
			}
		}
	}
}

// readFormImage returns the bytes and client filename of the named file
// field.
func readFormImage(r *http.Request, field string) ([]byte, string, error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", skerr.Fmt("an image file is required in field %q", field)
	}
	defer util.Close(f)
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, "", skerr.Wrapf(err, "reading upload %q", header.Filename)
	}
	if len(b) == 0 {
		return nil, "", skerr.Fmt("uploaded file %q is empty", header.Filename)
	}
	return b, path.Base(header.Filename), nil
}

// coversFromForm parses the candidate_covers field, rejecting documents that
// flatten to no usable URLs.
func coversFromForm(r *http.Request) ([]types.Cover, error) {
	raw := r.FormValue("candidate_covers")
	if raw == "" {
		return nil, skerr.Fmt("candidate_covers is required")
	}
	covers, err := types.ParseCovers([]byte(raw))
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing candidate_covers")
	}
	if len(types.FlattenCovers(covers)) == 0 {
		return nil, skerr.Fmt("candidate_covers contains no usable URLs")
	}
	return covers, nil
}

// collectImageUploads gathers the batch images from the "images" field and
// its indexed variants images[0], images[1], ... preserving upload order.
func collectImageUploads(form *multipart.Form) ([]pipeline.QueryImage, error) {
	headers := append([]*multipart.FileHeader{}, form.File["images"]...)
	for i := 0; ; i++ {
		fhs, ok := form.File[fmt.Sprintf("images[%d]", i)]
		if !ok {
			break
		}
		headers = append(headers, fhs...)
	}
	if len(headers) == 0 {
		return nil, skerr.Fmt("at least one image upload is required")
	}
	queries := make([]pipeline.QueryImage, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, skerr.Wrapf(err, "opening upload %q", fh.Filename)
		}
		b, err := io.ReadAll(f)
		util.Close(f)
		if err != nil {
			return nil, skerr.Wrapf(err, "reading upload %q", fh.Filename)
		}
		if len(b) == 0 {
			return nil, skerr.Fmt("uploaded file %q is empty", fh.Filename)
		}
		queries = append(queries, pipeline.QueryImage{Name: path.Base(fh.Filename), Data: b})
	}
	return queries, nil
}
