package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/infernokun/inferno-comics-match/go/httputils"
	"github.com/infernokun/inferno-comics-match/go/now"
	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/go/util"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

const (
	// DefaultUpdateTimeout bounds routine update posts.
	DefaultUpdateTimeout = 2 * time.Second

	// DefaultTerminalTimeout bounds complete and error posts, which carry
	// the full result payload.
	DefaultTerminalTimeout = 5 * time.Second

	// updateSuppressAfter consecutive failed update posts stop further
	// update posts for the transport. Terminal events are still attempted.
	updateSuppressAfter = 3

	// reprobeInterval is how often a suppressed transport lets one update
	// through to see whether the progress service is back.
	reprobeInterval = 30 * time.Second
)

// HTTPTransport posts events to an external progress service. Delivery is
// best-effort: every failure is logged and swallowed so the pipeline is
// never aborted by a progress outage.
type HTTPTransport struct {
	baseURL        string
	client         *http.Client
	terminalClient *http.Client
	retryClient    *http.Client

	mtx        sync.Mutex
	failures   int
	suppressed bool
	lastProbe  time.Time
}

// updateBody is the flattened update payload the progress service consumes.
// The extracted stats ride at the top level next to the event fields.
type updateBody struct {
	SessionID       string      `json:"sessionId"`
	Stage           types.Stage `json:"stage"`
	Progress        float64     `json:"progress"`
	Message         string      `json:"message,omitempty"`
	StatusMessage   string      `json:"statusMessage,omitempty"`
	TotalItems      int         `json:"totalItems,omitempty"`
	ProcessedItems  int         `json:"processedItems,omitempty"`
	SuccessfulItems int         `json:"successfulItems,omitempty"`
	FailedItems     int         `json:"failedItems,omitempty"`
	CurrentStage    string      `json:"currentStage,omitempty"`
}

func newUpdateBody(ev types.ProgressEvent) updateBody {
	b := updateBody{
		SessionID:     ev.SessionID,
		Stage:         ev.Stage,
		Progress:      ev.Progress,
		Message:       ev.Message,
		StatusMessage: ev.Message,
	}
	if ev.Stats != nil {
		b.TotalItems = ev.Stats.TotalItems
		b.ProcessedItems = ev.Stats.ProcessedItems
		b.SuccessfulItems = ev.Stats.SuccessfulItems
		b.FailedItems = ev.Stats.FailedItems
		b.CurrentStage = ev.Stats.CurrentStage
	}
	return b
}

// completeBody is the terminal completion payload, carrying the full session
// result.
type completeBody struct {
	SessionID          string               `json:"sessionId"`
	Result             *types.SessionResult `json:"result,omitempty"`
	PercentageComplete float64              `json:"percentageComplete"`
	CurrentStage       string               `json:"currentStage"`
	StatusMessage      string               `json:"statusMessage,omitempty"`
	TotalItems         int                  `json:"totalItems,omitempty"`
	ProcessedItems     int                  `json:"processedItems,omitempty"`
	SuccessfulItems    int                  `json:"successfulItems,omitempty"`
	FailedItems        int                  `json:"failedItems,omitempty"`
}

// errorBody is the terminal error payload.
type errorBody struct {
	SessionID          string  `json:"sessionId"`
	Error              string  `json:"error"`
	PercentageComplete float64 `json:"percentageComplete"`
	CurrentStage       string  `json:"currentStage"`
	ErrorMessage       string  `json:"errorMessage,omitempty"`
	StatusMessage      string  `json:"statusMessage,omitempty"`
}

// processedFileBody announces one persisted query image.
type processedFileBody struct {
	FileHash         string `json:"file_hash"`
	StoredFileName   string `json:"stored_file_name"`
	OriginalFileName string `json:"original_file_name"`
	SessionID        string `json:"session_id"`
}

// NewHTTPTransport returns a transport posting to the progress service
// rooted at baseURL (e.g. "http://progress:8080"); event posts go to
// <baseURL>/progress/<kind>. Zero timeouts select the defaults.
func NewHTTPTransport(baseURL string, updateTimeout, terminalTimeout time.Duration) *HTTPTransport {
	if updateTimeout <= 0 {
		updateTimeout = DefaultUpdateTimeout
	}
	if terminalTimeout <= 0 {
		terminalTimeout = DefaultTerminalTimeout
	}
	// No transport-level retries: updates are fire-and-forget and
	// SendComplete does its own single retry.
	return &HTTPTransport{
		baseURL:        baseURL,
		client:         httputils.DefaultClientConfig().WithoutRetries().WithRequestTimeout(updateTimeout).With2xxOnly().Client(),
		terminalClient: httputils.DefaultClientConfig().WithoutRetries().WithRequestTimeout(terminalTimeout).With2xxOnly().Client(),
		retryClient:    httputils.DefaultClientConfig().WithoutRetries().WithRequestTimeout(2 * terminalTimeout).With2xxOnly().Client(),
	}
}

// SendEvent implements Transport. Error events use the terminal client and
// the error endpoint; everything else goes to the update endpoint.
func (h *HTTPTransport) SendEvent(ctx context.Context, ev types.ProgressEvent) {
	if ev.Type == types.EventError {
		body := errorBody{
			SessionID:          ev.SessionID,
			Error:              ev.Error,
			PercentageComplete: ev.Progress,
			CurrentStage:       "Error",
			ErrorMessage:       ev.Error,
			StatusMessage:      ev.Message,
		}
		if err := h.post(ctx, h.terminalClient, "/progress/error", body); err != nil {
			sklog.Warningf("Posting error event for session %s: %s", ev.SessionID, err)
		}
		return
	}
	if h.skipUpdate(ctx) {
		return
	}
	if err := h.post(ctx, h.client, "/progress/update", newUpdateBody(ev)); err != nil {
		h.recordFailure(ctx, ev.SessionID, err)
		return
	}
	h.recordSuccess()
}

// SendComplete implements Transport. The completion post retries once with a
// doubled timeout because losing it strands clients at 99%.
func (h *HTTPTransport) SendComplete(ctx context.Context, ev types.ProgressEvent, result *types.SessionResult) {
	body := completeBody{
		SessionID:          ev.SessionID,
		Result:             result,
		PercentageComplete: 100,
		CurrentStage:       "Completed",
		StatusMessage:      ev.Message,
	}
	if ev.Stats != nil {
		body.TotalItems = ev.Stats.TotalItems
		body.ProcessedItems = ev.Stats.ProcessedItems
		body.SuccessfulItems = ev.Stats.SuccessfulItems
		body.FailedItems = ev.Stats.FailedItems
	}

	err := h.post(ctx, h.terminalClient, "/progress/complete", body)
	if err == nil {
		return
	}
	sklog.Warningf("Posting completion for session %s failed, retrying: %s", ev.SessionID, err)
	if err := h.post(ctx, h.retryClient, "/progress/complete", body); err != nil {
		sklog.Errorf("Completion for session %s lost after retry: %s", ev.SessionID, err)
	}
}

// SendProcessedFile implements Transport.
func (h *HTTPTransport) SendProcessedFile(ctx context.Context, file ProcessedFile) {
	if h.skipUpdate(ctx) {
		return
	}
	body := processedFileBody{
		FileHash:         file.Hash,
		StoredFileName:   path.Base(file.URL),
		OriginalFileName: file.FileName,
		SessionID:        file.SessionID,
	}
	if err := h.post(ctx, h.client, "/progress/processed-file", body); err != nil {
		sklog.Warningf("Posting processed file for session %s: %s", file.SessionID, err)
	}
}

// CheckHealth probes the progress service's health endpoint once. Servers
// run it at startup and leave the transport out when the probe fails, so
// progress is only delivered to local subscribers.
func (h *HTTPTransport) CheckHealth(ctx context.Context) error {
	resp, err := httputils.GetWithContext(ctx, h.client, h.baseURL+"/health")
	if err != nil {
		return skerr.Wrapf(err, "probing progress service at %s", h.baseURL)
	}
	defer util.Close(resp.Body)
	return nil
}

func (h *HTTPTransport) post(ctx context.Context, client *http.Client, path string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httputils.PostWithContext(ctx, client, h.baseURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer util.Close(resp.Body)
	return nil
}

// skipUpdate reports whether routine posts should be skipped. While
// suppressed, one post per reprobeInterval is let through as a probe.
func (h *HTTPTransport) skipUpdate(ctx context.Context) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !h.suppressed {
		return false
	}
	ts := now.Now(ctx)
	if ts.Sub(h.lastProbe) >= reprobeInterval {
		h.lastProbe = ts
		return false
	}
	return true
}

func (h *HTTPTransport) recordFailure(ctx context.Context, sessionID string, err error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.failures++
	h.lastProbe = now.Now(ctx)
	if h.suppressed {
		return
	}
	if h.failures >= updateSuppressAfter {
		h.suppressed = true
		sklog.Warningf("Progress service unreachable after %d attempts, suppressing update posts (session %s): %s", h.failures, sessionID, err)
		return
	}
	sklog.Warningf("Posting update for session %s: %s", sessionID, err)
}

func (h *HTTPTransport) recordSuccess() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.failures = 0
	h.suppressed = false
}

var _ Transport = (*HTTPTransport)(nil)
