// Package engine drives each report from submission to a terminal outcome:
// delivered, rejected or expired. Retry state travels in the outgoing request
// headers. The engine itself only remembers which identifiers it owns, from
// submission until a terminal outcome, so the sweep leaves them alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/wells/internal/deadletter"
	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/dispatch"
	"github.com/austindbirch/wells/internal/ledger"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
	"github.com/austindbirch/wells/internal/outcome"
	"github.com/austindbirch/wells/internal/store"
	"github.com/austindbirch/wells/internal/tracing"
)

// Dead letter and expiry reasons.
const (
	ReasonRejected         = "rejected"
	ReasonFailed           = "failed"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonMaxAge           = "max_age"
	ReasonDispatchFailed   = "dispatch_failed"
)

// ReportStore is the payload storage the engine needs.
type ReportStore interface {
	Locate(identifier string) (string, bool)
	Identify(location string) (string, bool)
	Persist(identifier string, payload []byte) (string, error)
	Remove(location string)
	ListExisting() iter.Seq[store.Entry]
}

// Dispatcher starts transfers and reports their completions.
type Dispatcher interface {
	Begin(ctx context.Context, location string, req delivery.Request) (bool, error)
	InFlightIdentifiers(ctx context.Context) (map[string]bool, error)
	SetHandler(h func(dispatch.Completion))
}

// OrphanHandler decides what happens to a stored payload that no transfer
// is working on when the startup sweep runs.
type OrphanHandler func(ctx context.Context, location string, createdAt time.Time)

type Engine struct {
	store       ReportStore
	dispatcher  Dispatcher
	scheduler   Scheduler
	deadLetters deadletter.Publisher
	logger      *logging.Logger
	now         func() time.Time
	newID       func() string

	policy atomic.Pointer[Policy]

	mu        sync.Mutex
	orphans   OrphanHandler
	ctx       context.Context
	cancel    context.CancelFunc
	timers    map[uint64]Timer
	nextTimer uint64
	owned     map[string]struct{}
	stopped   bool
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		p = p.withDefaults()
		e.policy.Store(&p)
	}
}

// WithScheduler replaces the runtime timer, typically with a fake in tests.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithDeadLetters publishes a dead letter for every report that is not delivered.
func WithDeadLetters(p deadletter.Publisher) Option {
	return func(e *Engine) { e.deadLetters = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOrphanHandler replaces the default sweep behavior of expiring old payloads.
func WithOrphanHandler(h OrphanHandler) Option {
	return func(e *Engine) { e.orphans = h }
}

// New creates an engine and registers it as d's completion handler.
func New(s ReportStore, d Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		dispatcher: d,
		scheduler:  SystemScheduler{},
		logger:     logging.New("wells-engine"),
		now:        time.Now,
		newID:      uuid.NewString,
		ctx:        context.Background(),
		timers:     make(map[uint64]Timer),
		owned:      make(map[string]struct{}),
	}
	p := DefaultPolicy()
	e.policy.Store(&p)
	for _, opt := range opts {
		opt(e)
	}
	if e.orphans == nil {
		e.orphans = e.ExpireOrphans
	}
	d.SetHandler(e.HandleCompletion)
	return e
}

// Policy returns the policy currently in effect.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy swaps the retry policy. Retries already scheduled keep their delay.
func (e *Engine) SetPolicy(p Policy) {
	p = p.withDefaults()
	e.policy.Store(&p)
	e.logger.Plain().WithFields(map[string]any{
		"max_attempts":           p.MaxAttempts,
		"default_retry_delay":    p.DefaultRetryDelay.String(),
		"min_retry_delay":        p.MinRetryDelay.String(),
		"max_report_age":         p.MaxReportAge.String(),
		"retry_transport_errors": p.RetryTransportErrors,
	}).Info("retry policy updated")
}

// SetOrphanHandler replaces the handler used by the next sweep.
func (e *Engine) SetOrphanHandler(h OrphanHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orphans = h
}

// Start arms the startup sweep. The dispatcher must already be running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	delay := e.Policy().SweepDelay
	e.schedule(delay, func(ctx context.Context) {
		if _, err := e.Sweep(ctx); err != nil {
			e.logger.WithContext(ctx).WithError(err).Error("startup sweep failed")
		}
	})
	e.logger.Plain().WithField("sweep_delay", delay.String()).Info("delivery engine started")
}

// Stop cancels pending retries and the sweep. Transfers that already began
// continue in the transport and their payloads stay on disk for the next
// start to pick up.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// Pending returns the number of armed retry and sweep timers.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// claim marks identifier as owned by the engine. It reports false when the
// engine already owns it.
func (e *Engine) claim(identifier string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.owned[identifier]; ok {
		return false
	}
	e.owned[identifier] = struct{}{}
	return true
}

func (e *Engine) release(identifier string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.owned, identifier)
}

func (e *Engine) owns(identifier string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.owned[identifier]
	return ok
}

func (e *Engine) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// schedule arms f after d unless the engine is stopped.
func (e *Engine) schedule(d time.Duration, f func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}

	e.nextTimer++
	key := e.nextTimer
	ctx := e.ctx
	// the callback takes e.mu, so it cannot observe the map before the timer is stored
	e.timers[key] = e.scheduler.AfterFunc(d, func() {
		e.mu.Lock()
		_, live := e.timers[key]
		delete(e.timers, key)
		e.mu.Unlock()
		if live {
			f(ctx)
		}
	})
	return true
}

// Submit persists payload and starts delivering it to template's destination.
// Once the payload is stored the report belongs to the engine: a failure to
// start the transfer is logged and the report dropped, not returned.
func (e *Engine) Submit(ctx context.Context, payload []byte, template delivery.Request) error {
	_, err := e.SubmitReport(ctx, payload, template)
	return err
}

// SubmitReport is Submit returning the identifier assigned to the report.
func (e *Engine) SubmitReport(ctx context.Context, payload []byte, template delivery.Request) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.submit", attribute.Int("payload_bytes", len(payload)))
	defer span.End()

	id := e.newID()
	if _, ok := e.store.Locate(id); !ok {
		err := fmt.Errorf("%w: %s", ErrLocationUnavailable, id)
		tracing.SetSpanError(ctx, err)
		return "", err
	}

	// owned before the payload lands so a concurrent sweep never sees it unowned
	e.claim(id)
	location, err := e.store.Persist(id, payload)
	if err != nil {
		e.release(id)
		err = fmt.Errorf("%w: %w", ErrStoreFailed, err)
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	metrics.RecordSubmitted()
	span.SetAttributes(tracing.ReportAttributes(id, 0)...)
	e.logger.WithContext(ctx).WithReport(id).WithLocation(location).Info("report stored")

	if err := e.begin(ctx, location, id, template); err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithReport(id).WithLocation(location).WithError(err).Error("failed to start transfer, dropping report")
		e.store.Remove(location)
		e.release(id)
		e.publishDeadLetter(ctx, id, template, 0, 0, err.Error(), ReasonDispatchFailed)
	}
	return id, nil
}

// SubmitFile starts delivering a payload the caller already stored at
// location under identifier. A report the engine is already delivering or
// waiting to retry is left alone.
func (e *Engine) SubmitFile(ctx context.Context, location, identifier string, template delivery.Request) error {
	if !e.claim(identifier) {
		e.logger.WithContext(ctx).WithReport(identifier).Debug("report already owned by the engine")
		return nil
	}
	if err := e.begin(ctx, location, identifier, template); err != nil {
		e.release(identifier)
		return err
	}
	return nil
}

// begin starts attempt 0 of a report the engine has claimed.
func (e *Engine) begin(ctx context.Context, location, identifier string, template delivery.Request) error {
	req := template.Clone()
	ledger.Encode(req.Header, ledger.State{Identifier: identifier, Attempt: 0})

	started, err := e.dispatcher.Begin(ctx, location, req)
	if err != nil {
		return fmt.Errorf("engine: dispatch report %s: %w", identifier, err)
	}
	if !started {
		e.logger.WithContext(ctx).WithReport(identifier).Debug("transfer already in flight")
	}
	return nil
}

// HandleCompletion applies the retry policy to a classified transfer result.
// It runs on the dispatcher goroutine, so retries are only armed here.
func (e *Engine) HandleCompletion(c dispatch.Completion) {
	attempt := ledger.AttemptCount(c.Request.Header)
	ctx, span := tracing.StartReportSpan(e.baseContext(), "engine.completion", c.Identifier, attempt,
		attribute.String("outcome", c.Outcome.Kind.String()),
	)
	defer span.End()

	location, ok := e.store.Locate(c.Identifier)
	if !ok {
		tracing.SetSpanError(ctx, ErrLocationUnavailable)
		e.logger.WithContext(ctx).WithReport(c.Identifier).WithError(ErrLocationUnavailable).Error("cannot resolve report after transfer")
		e.release(c.Identifier)
		return
	}

	policy := e.Policy()
	switch c.Outcome.Kind {
	case outcome.KindSuccess:
		e.store.Remove(location)
		e.release(c.Identifier)
		tracing.AddSpanEvent(ctx, "report.delivered")
		e.logger.WithContext(ctx).WithReport(c.Identifier).WithAttempt(attempt).WithField("status", c.Outcome.Code).Info("report delivered")
	case outcome.KindRetryable:
		e.retry(ctx, policy, location, attempt, c)
	case outcome.KindFailed:
		if policy.RetryTransportErrors {
			e.retry(ctx, policy, location, attempt, c)
			return
		}
		e.drop(ctx, location, attempt, c, ReasonFailed)
	default:
		e.drop(ctx, location, attempt, c, ReasonRejected)
	}
}

func (e *Engine) retry(ctx context.Context, policy Policy, location string, attempt int, c dispatch.Completion) {
	if policy.Exhausted(attempt) {
		metrics.RecordExpired(ReasonRetriesExhausted)
		e.drop(ctx, location, attempt, c, ReasonRetriesExhausted)
		return
	}

	e.claim(c.Identifier)
	delay := policy.RetryDelay(c.Outcome)
	next := c.Request.Clone()
	ledger.Encode(next.Header, ledger.State{Identifier: c.Identifier, Attempt: attempt + 1})

	if !e.schedule(delay, func(ctx context.Context) {
		e.resubmit(ctx, location, c.Identifier, next)
	}) {
		e.release(c.Identifier)
		e.logger.WithContext(ctx).WithReport(c.Identifier).Info("engine stopped, retry left for next start")
		return
	}

	metrics.RecordRetry(retryReason(c.Outcome), delay)
	tracing.AddSpanEvent(ctx, "report.retry_scheduled",
		attribute.Int("next_attempt", attempt+1),
		attribute.String("delay", delay.String()),
	)
	e.logger.WithContext(ctx).WithReport(c.Identifier).WithAttempt(attempt + 1).WithFields(map[string]any{
		"delay":   delay.String(),
		"outcome": c.Outcome.String(),
	}).Info("retry scheduled")
}

func (e *Engine) resubmit(ctx context.Context, location, identifier string, req delivery.Request) {
	ctx, span := tracing.StartReportSpan(ctx, "engine.resubmit", identifier, ledger.AttemptCount(req.Header))
	defer span.End()

	started, err := e.dispatcher.Begin(ctx, location, req)
	switch {
	case err == nil:
		if !started {
			e.logger.WithContext(ctx).WithReport(identifier).Debug("transfer already in flight")
		}
	case errors.Is(err, dispatch.ErrStopped) || ctx.Err() != nil:
		e.release(identifier)
		e.logger.WithContext(ctx).WithReport(identifier).Info("shutting down, retry left for next start")
	default:
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithReport(identifier).WithError(err).Error("failed to restart transfer, dropping report")
		e.store.Remove(location)
		e.release(identifier)
		e.publishDeadLetter(ctx, identifier, req, ledger.AttemptCount(req.Header), 0, err.Error(), ReasonDispatchFailed)
	}
}

// drop removes a report that will not be delivered.
func (e *Engine) drop(ctx context.Context, location string, attempt int, c dispatch.Completion, reason string) {
	e.store.Remove(location)
	e.release(c.Identifier)

	var lastErr string
	if c.Outcome.Cause != nil {
		lastErr = c.Outcome.Cause.Error()
	}
	tracing.AddSpanEvent(ctx, "report.dropped", attribute.String("reason", reason))
	e.logger.WithContext(ctx).WithReport(c.Identifier).WithAttempt(attempt).WithFields(map[string]any{
		"reason":  reason,
		"outcome": c.Outcome.String(),
	}).Warn("report dropped")

	e.publishDeadLetter(ctx, c.Identifier, c.Request, attempt, c.Outcome.Code, lastErr, reason)
}

func (e *Engine) publishDeadLetter(ctx context.Context, id string, req delivery.Request, attempt, status int, lastErr, reason string) {
	if e.deadLetters == nil {
		return
	}
	dl := delivery.NewDeadLetter(id, req.Clone(), attempt, status, lastErr, reason)
	if err := e.deadLetters.Publish(ctx, dl); err != nil {
		e.logger.WithContext(ctx).WithReport(id).WithError(err).Error("dead letter publish failed")
	}
}
