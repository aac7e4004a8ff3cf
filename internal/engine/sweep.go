package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/metrics"
	"github.com/austindbirch/wells/internal/tracing"
)

// SweepResult summarizes one pass over the store.
type SweepResult struct {
	Examined int
	InFlight int
}

// Sweep hands every stored payload that no transfer is working on to the
// orphan handler. Payloads belonging to in-flight transfers, and reports the
// engine owns while a retry is pending, are counted as in flight and left alone.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.sweep")
	defer span.End()

	var res SweepResult
	ids, err := e.dispatcher.InFlightIdentifiers(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return res, fmt.Errorf("engine: sweep: %w", err)
	}

	busy := make(map[string]bool, len(ids))
	for id := range ids {
		if location, ok := e.store.Locate(id); ok {
			busy[location] = true
		}
	}

	e.mu.Lock()
	handle := e.orphans
	e.mu.Unlock()

	for entry := range e.store.ListExisting() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Examined++
		id, _ := e.store.Identify(entry.Location)
		if busy[entry.Location] || e.owns(id) {
			res.InFlight++
			continue
		}
		handle(ctx, entry.Location, entry.CreatedAt)
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"examined":  res.Examined,
		"in_flight": res.InFlight,
	}).Info("sweep complete")
	return res, nil
}

// ExpireOrphans is the default orphan handler: payloads older than
// MaxReportAge are removed, younger ones are left for a later sweep or a
// manual resubmission.
func (e *Engine) ExpireOrphans(ctx context.Context, location string, createdAt time.Time) {
	e.expireIfOld(ctx, location, createdAt)
}

func (e *Engine) expireIfOld(ctx context.Context, location string, createdAt time.Time) bool {
	age := e.now().Sub(createdAt)
	maxAge := e.Policy().MaxReportAge
	if age <= maxAge {
		e.logger.WithContext(ctx).WithLocation(location).Debugf("orphaned report kept, %s old of %s allowed", age.Round(time.Second), maxAge)
		return false
	}

	e.store.Remove(location)
	metrics.RecordExpired(ReasonMaxAge)

	id, _ := e.store.Identify(location)
	e.logger.WithContext(ctx).WithReport(id).WithLocation(location).WithFields(map[string]any{
		"age":     age.Round(time.Second).String(),
		"max_age": maxAge.String(),
	}).Warn("expired orphaned report")
	e.publishDeadLetter(ctx, id, delivery.Request{}, 0, 0, "", ReasonMaxAge)
	return true
}

// ResubmitOrphans returns an orphan handler that expires old payloads like
// ExpireOrphans and restarts delivery of the rest to template's destination
// with a fresh attempt count.
func (e *Engine) ResubmitOrphans(template delivery.Request) OrphanHandler {
	return func(ctx context.Context, location string, createdAt time.Time) {
		if e.expireIfOld(ctx, location, createdAt) {
			return
		}
		id, ok := e.store.Identify(location)
		if !ok {
			e.logger.WithContext(ctx).WithLocation(location).Warn("cannot derive identifier for orphaned report")
			return
		}
		if err := e.SubmitFile(ctx, location, id, template); err != nil {
			e.logger.WithContext(ctx).WithReport(id).WithLocation(location).WithError(err).Error("orphan resubmission failed")
			return
		}
		e.logger.WithContext(ctx).WithReport(id).WithLocation(location).Info("orphaned report resubmitted")
	}
}
