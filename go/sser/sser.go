// Package sser provides a small server for pushing server-sent events (SSE)
// to connected web clients. Clients subscribe to named streams and receive
// every message sent to their stream. Streams replay their buffered events to
// new subscribers, so a client that connects mid-stream still observes
// earlier messages.
package sser

import (
	"context"
	"net/http"
)

// QueryParameterName is the URL query parameter that carries the stream name
// on client connections.
const QueryParameterName = "stream"

// Server sends messages to connected clients subscribed to named streams.
type Server interface {
	// Start begins the background processing of outgoing messages. It must be
	// called before Send.
	Start(ctx context.Context) error

	// ClientConnectionHandler returns an http.HandlerFunc that subscribes a
	// client to the stream named by the QueryParameterName query parameter.
	ClientConnectionHandler(ctx context.Context) http.HandlerFunc

	// Send delivers msg to all clients subscribed to the given stream.
	Send(ctx context.Context, stream string, msg string) error

	// RemoveStream tears down the given stream and disconnects all of its
	// subscribers.
	RemoveStream(stream string)
}
