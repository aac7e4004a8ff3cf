package engine

import (
	"net/http"
	"time"

	"github.com/austindbirch/wells/internal/outcome"
)

const (
	DefaultMaxAttempts   = 5
	DefaultRetryDelay    = 5 * time.Minute
	DefaultMinRetryDelay = 60 * time.Second
	DefaultMaxReportAge  = 48 * time.Hour
	DefaultSweepDelay    = 10 * time.Second
)

// Policy controls retry and expiry decisions.
type Policy struct {
	MaxAttempts       int
	DefaultRetryDelay time.Duration
	MinRetryDelay     time.Duration
	MaxReportAge      time.Duration

	// SweepDelay is how long Start waits before looking for orphaned payloads.
	SweepDelay time.Duration

	// RetryTransportErrors treats failures without any response like
	// retryable responses instead of dropping the report.
	RetryTransportErrors bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		DefaultRetryDelay: DefaultRetryDelay,
		MinRetryDelay:     DefaultMinRetryDelay,
		MaxReportAge:      DefaultMaxReportAge,
		SweepDelay:        DefaultSweepDelay,
	}
}

// withDefaults fills unset fields. A zero SweepDelay is kept.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.DefaultRetryDelay <= 0 {
		p.DefaultRetryDelay = DefaultRetryDelay
	}
	if p.MinRetryDelay <= 0 {
		p.MinRetryDelay = DefaultMinRetryDelay
	}
	if p.MaxReportAge <= 0 {
		p.MaxReportAge = DefaultMaxReportAge
	}
	if p.SweepDelay < 0 {
		p.SweepDelay = 0
	}
	return p
}

// RetryDelay returns how long to wait before resubmitting after o. The
// server's Retry-After hint wins over the default but never goes below
// MinRetryDelay.
func (p Policy) RetryDelay(o outcome.Outcome) time.Duration {
	delay := p.DefaultRetryDelay
	if o.HasRetryAfter {
		delay = o.RetryAfter
	}
	return max(delay, p.MinRetryDelay)
}

// Exhausted reports whether a report that has already been retried attempt
// times may not be retried again.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// retryReason labels a retry for metrics.
func retryReason(o outcome.Outcome) string {
	switch {
	case o.Kind == outcome.KindFailed:
		return "transport"
	case o.Code == http.StatusTooManyRequests:
		return "http_429"
	case o.Code == http.StatusRequestTimeout:
		return "http_408"
	case o.Code >= 500:
		return "http_5xx"
	default:
		return "transient"
	}
}
