package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/dispatch"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/store"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeScheduler holds timers until the test fires them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return &fakeTimerHandle{s: s, t: t}
}

type fakeTimerHandle struct {
	s *fakeScheduler
	t *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.t.stopped || h.t.fired {
		return false
	}
	h.t.stopped = true
	return true
}

// armed returns timers that have neither fired nor been stopped.
func (s *fakeScheduler) armed() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the oldest armed timer on the calling goroutine.
func (s *fakeScheduler) fireNext(t *testing.T) time.Duration {
	t.Helper()
	armed := s.armed()
	if len(armed) == 0 {
		t.Fatal("no armed timer to fire")
	}
	next := armed[0]
	s.mu.Lock()
	next.fired = true
	s.mu.Unlock()
	next.f()
	return next.d
}

type beginCall struct {
	location string
	req      delivery.Request
}

// fakeDispatcher records begins without running transfers.
type fakeDispatcher struct {
	mu       sync.Mutex
	begins   []beginCall
	inFlight map[string]bool
	err      error
	handler  func(dispatch.Completion)
}

func (d *fakeDispatcher) Begin(_ context.Context, location string, req delivery.Request) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	d.begins = append(d.begins, beginCall{location: location, req: req.Clone()})
	return true, nil
}

func (d *fakeDispatcher) InFlightIdentifiers(context.Context) (map[string]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, len(d.inFlight))
	for id := range d.inFlight {
		out[id] = true
	}
	return out, nil
}

func (d *fakeDispatcher) SetHandler(h func(dispatch.Completion)) { d.handler = h }

func (d *fakeDispatcher) beginCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.begins)
}

func (d *fakeDispatcher) lastBegin(t *testing.T) beginCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.begins) == 0 {
		t.Fatal("no transfer was begun")
	}
	return d.begins[len(d.begins)-1]
}

type fakePublisher struct {
	mu      sync.Mutex
	letters []delivery.DeadLetter
}

func (p *fakePublisher) Publish(_ context.Context, dl delivery.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, dl)
	return nil
}

func (p *fakePublisher) reasons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, dl := range p.letters {
		out = append(out, dl.Reason)
	}
	return out
}

type harness struct {
	engine     *Engine
	store      *store.Store
	fs         afero.Fs
	dispatcher *fakeDispatcher
	scheduler  *fakeScheduler
	dead       *fakePublisher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		fs:         afero.NewMemMapFs(),
		dispatcher: &fakeDispatcher{inFlight: map[string]bool{}},
		scheduler:  &fakeScheduler{},
		dead:       &fakePublisher{},
	}
	quiet := logging.NewWithWriter("test", &bytes.Buffer{})
	h.store = store.New("/spool", store.WithFs(h.fs), store.WithLogger(quiet))

	n := 0
	base := []Option{
		WithScheduler(h.scheduler),
		WithDeadLetters(h.dead),
		WithLogger(quiet),
	}
	h.engine = New(h.store, h.dispatcher, append(base, opts...)...)
	h.engine.newID = func() string {
		n++
		return fmt.Sprintf("report-%d", n)
	}
	t.Cleanup(h.engine.Stop)
	return h
}

func collectorRequest() delivery.Request {
	return delivery.NewRequest(http.MethodPost, "https://collector/x")
}
