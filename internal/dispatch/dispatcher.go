// Package dispatch hands stored reports to a transport, guaranteeing at most
// one active transfer per report identifier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/ledger"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
	"github.com/austindbirch/wells/internal/outcome"
)

var (
	// ErrMissingIdentifier is returned by Begin for requests without an upload identifier.
	ErrMissingIdentifier = errors.New("dispatch: request has no upload identifier")

	// ErrStopped is returned once the dispatcher has been stopped.
	ErrStopped = errors.New("dispatch: dispatcher stopped")
)

// Completion is a classified transfer result attributed to a report.
type Completion struct {
	Identifier string
	Request    delivery.Request
	Outcome    outcome.Outcome
}

// Dispatcher serializes every begin decision and every completion on a single
// goroutine. Transfers themselves run concurrently inside the transport.
type Dispatcher struct {
	transport Transport
	logger    *logging.Logger

	handler func(Completion)
	ops     chan func()

	// handles started by this process; only touched on the run goroutine
	started map[Handle]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Dispatcher)

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher over t. Call SetHandler and Start before use.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		logger:    logging.New("wells-dispatch"),
		ops:       make(chan func()),
		started:   make(map[Handle]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetHandler registers the receiver of classified completions. The handler
// runs on the dispatcher goroutine and must not call Begin synchronously.
func (d *Dispatcher) SetHandler(h func(Completion)) {
	d.handler = h
}

// Start launches the dispatcher goroutine. Subsequent calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		go d.run(ctx)
	})
}

// Stop terminates the dispatcher goroutine and waits for it to exit.
// Transfers already started continue inside the transport.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			close(d.done)
			return
		}
		d.cancel()
		<-d.done
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	completions := d.transport.Completions()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-d.ops:
			op()
		case c, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			d.complete(c)
		}
	}
}

// do runs op on the dispatcher goroutine and waits for it to finish.
func (d *Dispatcher) do(ctx context.Context, op func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		op()
	}

	select {
	case d.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrStopped
	}

	// once accepted the op always runs to completion
	<-finished
	return nil
}

// Begin starts a transfer for the report identified in req unless one is
// already in flight. It reports whether a new transfer was started.
func (d *Dispatcher) Begin(ctx context.Context, location string, req delivery.Request) (bool, error) {
	id, ok := ledger.Identifier(req.Header)
	if !ok {
		d.logger.WithContext(ctx).WithLocation(location).Info("unable to determine identifier")
		return false, ErrMissingIdentifier
	}

	var (
		started bool
		err     error
	)
	if doErr := d.do(ctx, func() {
		started, err = d.begin(ctx, location, req, id)
	}); doErr != nil {
		return false, doErr
	}
	return started, err
}

func (d *Dispatcher) begin(ctx context.Context, location string, req delivery.Request, id string) (bool, error) {
	inFlight, err := d.transport.InFlight(ctx)
	if err != nil {
		return false, fmt.Errorf("dispatch: list in-flight transfers: %w", err)
	}

	for _, r := range inFlight {
		if other, ok := ledger.Identifier(r.Header); ok && other == id {
			d.logger.WithContext(ctx).WithReport(id).Info("preexisting transfer found")
			return false, nil
		}
	}

	handle, err := d.transport.Begin(ctx, location, req)
	if err != nil {
		return false, fmt.Errorf("dispatch: begin transfer: %w", err)
	}

	d.started[handle] = struct{}{}
	metrics.TransfersInFlight.Set(float64(len(d.started)))

	d.logger.WithContext(ctx).
		WithReport(id).
		WithAttempt(ledger.AttemptCount(req.Header)).
		WithLocation(location).
		WithField("handle", string(handle)).
		Info("transfer started")
	return true, nil
}

// InFlightIdentifiers returns the report identifiers the transport is
// currently transferring.
func (d *Dispatcher) InFlightIdentifiers(ctx context.Context) (map[string]bool, error) {
	var (
		ids map[string]bool
		err error
	)
	if doErr := d.do(ctx, func() {
		var reqs []delivery.Request
		reqs, err = d.transport.InFlight(ctx)
		if err != nil {
			return
		}
		ids = make(map[string]bool, len(reqs))
		for _, r := range reqs {
			if id, ok := ledger.Identifier(r.Header); ok {
				ids[id] = true
			}
		}
	}); doErr != nil {
		return nil, doErr
	}
	return ids, err
}

func (d *Dispatcher) complete(c Completed) {
	if _, ok := d.started[c.Handle]; ok {
		delete(d.started, c.Handle)
		metrics.TransfersInFlight.Set(float64(len(d.started)))
	}

	id, ok := ledger.Identifier(c.Request.Header)
	if !ok {
		d.logger.Plain().
			WithField("handle", string(c.Handle)).
			WithError(c.Err).
			Error("failed to recover identifier from transfer")
		return
	}

	o := outcome.Classify(c.Response, c.Err)
	metrics.RecordOutcome(o.Kind.String())

	if d.handler == nil {
		d.logger.Plain().WithReport(id).WithField("outcome", o.String()).Warn("no completion handler registered")
		return
	}
	d.handler(Completion{Identifier: id, Request: c.Request, Outcome: o})
}
