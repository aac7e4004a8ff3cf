// Package outcome turns raw transfer results into the four delivery outcomes
// the engine acts on.
package outcome

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/wells/internal/ledger"
)

// Kind is the abstract result of a single transfer.
type Kind int

const (
	// KindSuccess means the collector accepted the report.
	KindSuccess Kind = iota + 1
	// KindRetryable means the collector or transport asked us to come back later.
	KindRetryable
	// KindRejected means the collector refused the report.
	KindRejected
	// KindFailed means no usable response was obtained.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindRejected:
		return "rejected"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrTransient marks a transport error as safe to retry.
	ErrTransient = errors.New("outcome: transient transport condition")

	// ErrNoResponse is the cause recorded when neither a response nor an error was supplied.
	ErrNoResponse = errors.New("outcome: no response or error")
)

// Transient wraps err so that Classify treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Response is the part of a collector reply the classifier looks at.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Outcome is a classified transfer result.
type Outcome struct {
	Kind Kind
	// Code is the HTTP status, when one was received.
	Code int
	// Cause is set for failed outcomes and for retryable transport errors.
	Cause error
	// RetryAfter is the server hint, when present on a retryable response.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("success (%d)", o.Code)
	case KindFailed:
		return fmt.Sprintf("failed (%v)", o.Cause)
	case KindRejected:
		return fmt.Sprintf("rejected (%d)", o.Code)
	default:
		return o.Kind.String()
	}
}

// Terminal reports whether the outcome ends the report's lifecycle by itself.
func (o Outcome) Terminal() bool {
	return o.Kind != KindRetryable
}

// Classify maps a transfer result to an Outcome. It is total: every input
// yields exactly one kind, and status codes it does not know are rejected.
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		if errors.Is(err, ErrTransient) {
			return Outcome{Kind: KindRetryable, Cause: err}
		}
		return Outcome{Kind: KindFailed, Cause: err}
	}

	if resp == nil {
		return Outcome{Kind: KindFailed, Cause: ErrNoResponse}
	}

	code := resp.StatusCode
	switch code {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return Outcome{Kind: KindSuccess, Code: code}
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		o := Outcome{Kind: KindRetryable, Code: code}
		o.RetryAfter, o.HasRetryAfter = ledger.RetryAfter(resp.Header)
		return o
	default:
		// includes 1xx and codes outside 100-599
		return Outcome{Kind: KindRejected, Code: code}
	}
}
