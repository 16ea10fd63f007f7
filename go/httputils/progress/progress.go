// Package progress instruments an http.Client so the bytes it transfers are
// counted in metrics. The cover fetcher wraps its client with it to account
// for candidate image downloads.
package progress

import (
	"io"
	"net/http"

	"github.com/infernokun/inferno-comics-match/go/metrics2"
)

// readCloser pairs an io.Reader and an io.Closer to form an io.ReadCloser.
type readCloser struct {
	io.Reader
	io.Closer
}

var _ io.ReadCloser = readCloser{}

// countingReader is an io.Reader which adds every byte it reads to a counter.
type countingReader struct {
	io.Reader
	counter metrics2.Counter
}

// Read implements io.Reader.
func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.counter.Inc(int64(n))
	}
	return n, err
}

var _ io.Reader = (*countingReader)(nil)

// RoundTripper is an http.RoundTripper which wraps another http.RoundTripper
// and counts the request and response body bytes it carries.
type RoundTripper struct {
	http.RoundTripper
	sent     metrics2.Counter
	received metrics2.Counter
}

// RoundTrip implements http.RoundTripper.
func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body = readCloser{
			Reader: &countingReader{Reader: req.Body, counter: t.sent},
			Closer: req.Body,
		}
	}
	resp, err := t.RoundTripper.RoundTrip(req)
	if resp != nil && resp.Body != nil {
		resp.Body = readCloser{
			Reader: &countingReader{Reader: resp.Body, counter: t.received},
			Closer: resp.Body,
		}
	}
	return resp, err
}

var _ http.RoundTripper = (*RoundTripper)(nil)

// NewRoundTripper returns an http.RoundTripper which wraps the given one and
// counts transferred body bytes under the metrics <name>_sent_bytes and
// <name>_received_bytes. A nil wrap means http.DefaultTransport.
func NewRoundTripper(wrap http.RoundTripper, name string) *RoundTripper {
	if wrap == nil {
		wrap = http.DefaultTransport
	}
	return &RoundTripper{
		RoundTripper: wrap,
		sent:         metrics2.GetCounter(name + "_sent_bytes"),
		received:     metrics2.GetCounter(name + "_received_bytes"),
	}
}

// InstrumentClient returns a copy of the given http.Client whose transport
// counts transferred bytes under the given metric name prefix.
func InstrumentClient(client *http.Client, name string) *http.Client {
	return &http.Client{
		Transport:     NewRoundTripper(client.Transport, name),
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
		Timeout:       client.Timeout,
	}
}
