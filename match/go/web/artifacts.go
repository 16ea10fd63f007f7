package web

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/infernokun/inferno-comics-match/go/httputils"
	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/config"
)

// sessionDataHandler serves the persisted result document of a session.
func (s *Server) sessionDataHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	b, err := s.sessions.ReadResult(sessionID)
	if err != nil {
		httputils.ReportError(w, err, "No result document for this session.", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		sklog.Errorf("Failed to write result document for session %s: %s", sessionID, err)
	}
}

// storedImageHandler serves one stored session image. Names that could
// escape the session directory get 403, missing files 404.
func (s *Server) storedImageHandler(w http.ResponseWriter, r *http.Request) {
	path, err := s.sessions.ImagePath(chi.URLParam(r, "sessionID"), chi.URLParam(r, "filename"))
	if err != nil {
		httputils.ReportError(w, err, "Invalid image path.", http.StatusForbidden)
		return
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			httputils.ReportError(w, err, "No such image.", http.StatusNotFound)
			return
		}
		httputils.ReportError(w, err, "Failed to read the image.", http.StatusInternalServerError)
		return
	}
	http.ServeFile(w, r, path)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: now.Now(r.Context()).UTC().Format(time.RFC3339),
		Version:   s.version,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}

func (s *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	b, err := s.cfg.Get().ToYAML()
	if err != nil {
		httputils.ReportError(w, err, "Failed to render the configuration.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	if _, err := w.Write(b); err != nil {
		sklog.Errorf("Failed to write config response: %s", err)
	}
}

// setConfigHandler replaces the whole configuration document. Sessions
// already running keep the snapshot they started with.
func (s *Server) setConfigHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		httputils.ReportError(w, err, "Failed to read the request body.", http.StatusBadRequest)
		return
	}
	cfg, err := config.FromYAML(body)
	if err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Set(cfg); err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}
	sklog.Infof("Configuration replaced via API, performance level %q", cfg.PerformanceLevel)
	s.getConfigHandler(w, r)
}

// cacheStatsResponse adds a readable size to the raw cache counters.
type cacheStatsResponse struct {
	cachestore.Stats
	DiskHuman string `json:"disk_human"`
}

func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		httputils.ReportError(w, err, "Failed to read cache statistics.", http.StatusInternalServerError)
		return
	}
	resp := cacheStatsResponse{
		Stats:     stats,
		DiskHuman: humanize.Bytes(uint64(stats.DiskBytes)),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}
