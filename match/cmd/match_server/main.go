// match_server is the comic cover matching service: it accepts query photos
// over HTTP, ranks candidate cover URLs by visual similarity and streams
// per-session progress to subscribers.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/infernokun/inferno-comics-match/go/httputils"
	"github.com/infernokun/inferno-comics-match/go/metrics2"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/go/sklog/sklogimpl"
	"github.com/infernokun/inferno-comics-match/go/sklog/stdlogging"
	"github.com/infernokun/inferno-comics-match/go/sser"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/cachestore"
	"github.com/infernokun/inferno-comics-match/match/go/config"
	"github.com/infernokun/inferno-comics-match/match/go/fetch"
	"github.com/infernokun/inferno-comics-match/match/go/pipeline"
	"github.com/infernokun/inferno-comics-match/match/go/progress"
	"github.com/infernokun/inferno-comics-match/match/go/session"
	"github.com/infernokun/inferno-comics-match/match/go/web"
)

// Command line flags. Defaults honor the MATCH_* environment variables so the
// binary runs unflagged in containers.
var (
	host            = flag.String("host", config.EnvString(config.EnvHost, "localhost"), "HTTP service host.")
	port            = flag.String("port", config.EnvString(config.EnvPort, ":8000"), "HTTP service port (e.g., ':8000').")
	promPort        = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000').")
	configFile      = flag.String("config", config.EnvString(config.EnvConfigFile, ""), "Path of a YAML configuration document. Built-in defaults apply when empty.")
	dbPath          = flag.String("db_path", config.EnvString(config.EnvDBPath, "/var/lib/match/cache.db"), "Path of the SQLite cache metadata database.")
	cacheDir        = flag.String("cache_dir", config.EnvString(config.EnvCacheDir, "/var/lib/match/images"), "Directory holding cached candidate images.")
	storageRoot     = flag.String("storage_root", config.EnvString(config.EnvStorageRoot, "/var/lib/match/sessions"), "Directory holding session artifacts.")
	progressURL     = flag.String("progress_url", config.EnvString(config.EnvProgressURL, ""), "Base URL of the external progress service. Progress stays local when empty.")
	updateTimeout   = flag.Duration("progress_update_timeout", config.EnvDuration(config.EnvUpdateTimeout, progress.DefaultUpdateTimeout), "Timeout of one progress update post.")
	completeTimeout = flag.Duration("progress_complete_timeout", config.EnvDuration(config.EnvCompleteTimeout, progress.DefaultTerminalTimeout), "Timeout of completion and error posts.")
)

const (
	version = "1.0.0"

	// sessionSweepPeriod is how often expired session artifacts are removed.
	sessionSweepPeriod = time.Hour

	// cacheSweepPeriod is how often stale cache entries are removed.
	cacheSweepPeriod = 24 * time.Hour

	// drainTimeout bounds the wait for in-flight work on shutdown.
	drainTimeout = 30 * time.Second
)

func main() {
	flag.Parse()
	sklogimpl.SetLogger(stdlogging.New(os.Stderr))
	metrics2.InitPrometheus(*promPort)

	cfg, err := config.Load(*configFile)
	if err != nil {
		sklog.Fatalf("Loading configuration: %s", err)
	}
	cfgStore := config.NewStore(cfg)
	sklog.Infof("Performance level %q: image size %d, %d workers, threshold %.2f", cfg.PerformanceLevel, cfg.ImageSize, cfg.MaxWorkers, float64(cfg.SimilarityThreshold))

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := cachestore.New(baseCtx, *dbPath, *cacheDir)
	if err != nil {
		sklog.Fatalf("Opening the image cache: %s", err)
	}
	fetcher := fetch.New(cache, 0, cfg.MaxWorkers)
	sessions, err := session.New(*storageRoot, fetcher)
	if err != nil {
		sklog.Fatalf("Opening session storage: %s", err)
	}
	events, err := sser.New()
	if err != nil {
		sklog.Fatalf("Creating the SSE server: %s", err)
	}
	if err := events.Start(baseCtx); err != nil {
		sklog.Fatalf("Starting the SSE server: %s", err)
	}

	// The external progress service is optional: a failed startup probe
	// downgrades to local-only reporting instead of refusing to start.
	var outbound progress.Transport
	if *progressURL != "" {
		tr := progress.NewHTTPTransport(*progressURL, *updateTimeout, *completeTimeout)
		if err := tr.CheckHealth(baseCtx); err != nil {
			sklog.Warningf("Progress service failed its health probe, reporting locally only: %s", err)
		} else {
			sklog.Infof("Reporting progress to %s", *progressURL)
			outbound = tr
		}
	}

	matcher := pipeline.New(cfgStore, cache, fetcher, sessions)
	srv := web.New(baseCtx, cfgStore, matcher, sessions, cache, events, outbound, version)
	router := chi.NewRouter()
	srv.RegisterHandlers(router)

	go util.RepeatCtx(sessionSweepPeriod, baseCtx, func() {
		if n, err := sessions.Cleanup(baseCtx, session.DefaultRetentionDays); err != nil {
			sklog.Errorf("Session cleanup: %s", err)
		} else if n > 0 {
			sklog.Infof("Session cleanup removed %d entries", n)
		}
	})
	go util.RepeatCtx(cacheSweepPeriod, baseCtx, func() {
		if n, err := cache.Cleanup(baseCtx, cachestore.DefaultMaxAgeDays); err != nil {
			sklog.Errorf("Cache cleanup: %s", err)
		} else if n > 0 {
			sklog.Infof("Cache cleanup removed %d entries", n)
		}
	})

	h := httputils.LoggingGzipRequestResponse(router)
	h = httputils.Healthz(h)
	httpServer := &http.Server{Addr: *port, Handler: h}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		sklog.Infof("Received %s, draining", sig)

		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		if err := httpServer.Shutdown(drainCtx); err != nil {
			sklog.Warningf("Draining HTTP connections: %s", err)
		}
		srv.Shutdown(drainCtx)
		cancel()
		if err := cache.Close(); err != nil {
			sklog.Errorf("Closing the image cache: %s", err)
		}
	}()

	sklog.Infof("Ready to serve on http://%s%s", *host, *port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		sklog.Fatal(err)
	}
	<-stopped
	sklog.Info("Shutdown complete")
}
