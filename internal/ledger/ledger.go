// Package ledger threads retry bookkeeping through request headers so that it
// survives being handed to a transport and read back on completion.
package ledger

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// AttemptHeader carries the number of retries already scheduled.
	AttemptHeader = "Wells-Attempt"
	// IdentifierHeader carries the report identifier.
	IdentifierHeader = "Wells-Upload-Identifier"
	// RetryAfterHeader is the standard server throttling hint, in seconds.
	RetryAfterHeader = "Retry-After"
)

// State is the bookkeeping carried by a single request.
type State struct {
	Attempt    int
	Identifier string
}

// Decode reads the ledger fields from h. Missing or malformed values decode
// to their zero value.
func Decode(h http.Header) State {
	id, _ := Identifier(h)
	return State{
		Attempt:    AttemptCount(h),
		Identifier: id,
	}
}

// Encode writes both ledger fields into h, replacing prior values. h must be
// non-nil.
func Encode(h http.Header, st State) {
	SetAttemptCount(h, st.Attempt)
	SetIdentifier(h, st.Identifier)
}

// AttemptCount returns the attempt counter, or 0 when absent or unparsable.
func AttemptCount(h http.Header) int {
	v := strings.TrimSpace(h.Get(AttemptHeader))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetAttemptCount overwrites the attempt counter. Negative counts are stored as 0.
func SetAttemptCount(h http.Header, n int) {
	if n < 0 {
		n = 0
	}
	h.Set(AttemptHeader, strconv.Itoa(n))
}

// Identifier returns the report identifier embedded in h.
func Identifier(h http.Header) (string, bool) {
	v := strings.TrimSpace(h.Get(IdentifierHeader))
	if v == "" {
		return "", false
	}
	return v, true
}

// SetIdentifier overwrites the report identifier.
func SetIdentifier(h http.Header, id string) {
	h.Set(IdentifierHeader, id)
}

// RetryAfter parses a Retry-After header expressed in whole seconds.
func RetryAfter(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get(RetryAfterHeader))
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
