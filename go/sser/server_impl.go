package sser

import (
	"context"
	"errors"
	"net/http"

	sse "github.com/r3labs/sse/v2"

	"github.com/infernokun/inferno-comics-match/go/httputils"
	"github.com/infernokun/inferno-comics-match/go/metrics2"
)

const (
	// 100 was picked as a rough guess.
	serverSendChannelSize = 100

	clientConnectionsMetricName = "sser_server_client_connections"
)

var (
	ErrStreamNameRequired = errors.New("a stream name is required as part of the query parameters")

	// ErrOnlySendNoneEmptyMessages because if you send an empty string, the client may mistake that as being no message.
	ErrOnlySendNoneEmptyMessages = errors.New("you cannot send the empty string as a message over SSE")
)

// Event carries one message from Send into the go routine that runs from
// Start.
type Event struct {
	Stream string `json:"stream"`
	Msg    string `json:"msg"`
}

// ServerImpl implements Server.
type ServerImpl struct {
	// The SSE server implementation.
	server *sse.Server

	// Carries messages to be sent from Send() into the go routine that runs
	// from Start.
	sendCh chan Event
}

// New returns a new Server.
func New() (*ServerImpl, error) {
	return &ServerImpl{
		server: sse.New(),
		sendCh: make(chan Event, serverSendChannelSize),
	}, nil
}

// Start implements Server.
func (s *ServerImpl) Start(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.sendCh:
				// Create the stream before publishing so that messages sent
				// before the first client connects are buffered and replayed.
				if !s.server.StreamExists(msg.Stream) {
					s.server.CreateStream(msg.Stream)
				}
				s.server.Publish(msg.Stream, &sse.Event{
					Data: []byte(msg.Msg),
				})
			}
		}
	}()
	return nil
}

// ClientConnectionHandler implements Server.
func (s *ServerImpl) ClientConnectionHandler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamName := r.FormValue(QueryParameterName)
		if streamName == "" {
			httputils.ReportError(w, ErrStreamNameRequired, "A stream name must be supplied", http.StatusBadRequest)
			return
		}
		if !s.server.StreamExists(streamName) {
			s.server.CreateStream(streamName)
		}
		c := metrics2.GetCounter(clientConnectionsMetricName, map[string]string{"stream": streamName})
		c.Inc(1)
		s.server.ServeHTTP(w, r)
		c.Dec(1)
	}
}

// Send implements Server.
func (s *ServerImpl) Send(ctx context.Context, stream string, msg string) error {
	if msg == "" {
		return ErrOnlySendNoneEmptyMessages
	}

	select {
	case s.sendCh <- Event{Stream: stream, Msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveStream implements Server.
func (s *ServerImpl) RemoveStream(stream string) {
	if s.server.StreamExists(stream) {
		s.server.RemoveStream(stream)
	}
}

var _ Server = (*ServerImpl)(nil)
