// Package direct runs transfers on goroutines inside the daemon process.
package direct

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/dispatch"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/outcome"
	"github.com/austindbirch/wells/internal/tracing"
)

// ErrClosed is returned by Begin after Close.
var ErrClosed = errors.New("direct: transport closed")

// Uploader performs one transfer.
type Uploader interface {
	Upload(ctx context.Context, location string, req delivery.Request) (*outcome.Response, error)
}

type Transport struct {
	uploader    Uploader
	logger      *logging.Logger
	completions chan dispatch.Completed

	// transfers run under ctx, not under the caller's context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[dispatch.Handle]delivery.Request
	closed   bool
}

func New(u Uploader, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.New("wells-transport")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		uploader:    u,
		logger:      logger,
		completions: make(chan dispatch.Completed, 64),
		ctx:         ctx,
		cancel:      cancel,
		inFlight:    make(map[dispatch.Handle]delivery.Request),
	}
}

func (t *Transport) Begin(ctx context.Context, location string, req delivery.Request) (dispatch.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}

	h := dispatch.Handle(uuid.NewString())
	req = req.Clone()
	t.inFlight[h] = req

	// keep the caller's trace but not its cancellation
	runCtx := tracing.ExtractTrace(t.ctx, tracing.PropagateTrace(ctx))

	t.wg.Add(1)
	go t.run(runCtx, h, location, req)
	return h, nil
}

func (t *Transport) run(ctx context.Context, h dispatch.Handle, location string, req delivery.Request) {
	defer t.wg.Done()

	resp, err := t.uploader.Upload(ctx, location, req)

	t.mu.Lock()
	delete(t.inFlight, h)
	t.mu.Unlock()

	select {
	case t.completions <- dispatch.Completed{Handle: h, Request: req, Response: resp, Err: err}:
	case <-t.ctx.Done():
		t.logger.WithContext(ctx).WithLocation(location).WithField("handle", string(h)).Warn("transport closed before completion was delivered")
	}
}

func (t *Transport) InFlight(context.Context) ([]delivery.Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]delivery.Request, 0, len(t.inFlight))
	for _, r := range t.inFlight {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (t *Transport) Completions() <-chan dispatch.Completed {
	return t.completions
}

// Close stops accepting transfers and waits for running ones until ctx is
// done, after which they are cancelled.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		<-done
		return ctx.Err()
	}
}
