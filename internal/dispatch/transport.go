package dispatch

import (
	"context"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/outcome"
)

// Handle identifies one transfer inside a transport.
type Handle string

// Completed is emitted by a transport exactly once per started transfer.
type Completed struct {
	Handle   Handle
	Request  delivery.Request
	Response *outcome.Response
	Err      error
}

// Transport moves payload files to the collector in the background.
type Transport interface {
	// Begin starts uploading the file at location with req. It must not wait
	// for the network, and the transfer must be visible to InFlight once
	// Begin returns.
	Begin(ctx context.Context, location string, req delivery.Request) (Handle, error)

	// InFlight lists the requests of transfers that have started and not yet
	// completed, including ones started by an earlier process.
	InFlight(ctx context.Context) ([]delivery.Request, error)

	// Completions delivers one event per finished transfer.
	Completions() <-chan Completed
}
