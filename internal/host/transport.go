package host

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// ErrTransportClosed is returned when sending to an isolated context that
// has already exited.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries protocol messages to and from one isolated context.
type Transport interface {
	// Start launches the isolated context.
	Start(ctx context.Context) error

	// Send delivers a request. It does not wait for the response.
	Send(ctx context.Context, req protocol.Request) error

	// Events yields worker events and is closed once the isolated context
	// has exited.
	Events() <-chan protocol.Event

	// Err reports why the isolated context exited. Valid once Events is
	// closed.
	Err() error

	// Kill stops the isolated context without waiting for it.
	Kill()

	// Kind names the isolation mechanism, for logs and metrics.
	Kind() string
}

// TransportFactory creates the transport of a new host.
type TransportFactory func(hostID string, logger *zap.Logger) Transport
