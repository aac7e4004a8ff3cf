package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/ledger"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/outcome"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) { return "", errors.New("key missing") }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newTestUploader(t *testing.T, opts ...Option) (*Uploader, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/spool/r1.wellsdata", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	base := []Option{
		WithFs(fs),
		WithLogger(logging.NewWithWriter("test", &bytes.Buffer{})),
		WithBackoffIntervals(time.Millisecond, 5*time.Millisecond),
	}
	return New(append(base, opts...)...), fs
}

func reportRequest(url string) delivery.Request {
	req := delivery.NewRequest(http.MethodPost, url)
	ledger.Encode(req.Header, ledger.State{Identifier: "r1", Attempt: 2})
	return req
}

func TestUploadSendsPayload(t *testing.T) {
	var (
		gotBody   string
		gotHeader http.Header
		gotMethod string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Clone()
		gotMethod = r.Method
		w.Header().Set("X-Receipt", "ok")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ignored"))
	}))
	defer srv.Close()

	u, _ := newTestUploader(t, WithTokenSource(staticToken("tok")))
	resp, err := u.Upload(context.Background(), "/spool/r1.wellsdata", reportRequest(srv.URL))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.Header.Get("X-Receipt") != "ok" {
		t.Error("response headers not returned")
	}
	if gotBody != "abc" {
		t.Errorf("body = %q, want %q", gotBody, "abc")
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q", gotMethod)
	}
	if gotHeader.Get(ledger.AttemptHeader) != "2" || gotHeader.Get(ledger.IdentifierHeader) != "r1" {
		t.Errorf("ledger headers = %q/%q", gotHeader.Get(ledger.AttemptHeader), gotHeader.Get(ledger.IdentifierHeader))
	}
	if gotHeader.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", gotHeader.Get("Authorization"))
	}
}

func TestUploadReturnsRetryHints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ledger.RetryAfterHeader, "90")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u, _ := newTestUploader(t)
	resp, err := u.Upload(context.Background(), "/spool/r1.wellsdata", reportRequest(srv.URL))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	o := outcome.Classify(resp, nil)
	if o.Kind != outcome.KindRetryable || !o.HasRetryAfter || o.RetryAfter != 90*time.Second {
		t.Errorf("Classify() = %+v, want retryable with 90s hint", o)
	}
}

func TestUploadMissingPayload(t *testing.T) {
	u, _ := newTestUploader(t)
	_, err := u.Upload(context.Background(), "/spool/missing.wellsdata", reportRequest("http://127.0.0.1:1"))
	if err == nil {
		t.Fatal("Upload() error = nil for missing payload")
	}
	if errors.Is(err, outcome.ErrTransient) {
		t.Error("missing payload must not be transient")
	}
}

func TestUploadTokenFailure(t *testing.T) {
	u, _ := newTestUploader(t, WithTokenSource(failingToken{}))
	_, err := u.Upload(context.Background(), "/spool/r1.wellsdata", reportRequest("http://127.0.0.1:1"))
	if err == nil {
		t.Fatal("Upload() error = nil when token unavailable")
	}
}

func TestUploadRetriesConnectionErrors(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    r,
		}, nil
	})}

	u, _ := newTestUploader(t, WithHTTPClient(client), WithRetryBudget(time.Second))
	resp, err := u.Upload(context.Background(), "/spool/r1.wellsdata", reportRequest("http://collector.invalid/x"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestUploadGivesUp(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "refused", err: errors.New("connection refused"), wantTransient: false},
		{name: "timeout", err: timeoutError{}, wantTransient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				return nil, tt.err
			})}
			u, _ := newTestUploader(t, WithHTTPClient(client), WithRetryBudget(20*time.Millisecond))

			_, err := u.Upload(context.Background(), "/spool/r1.wellsdata", reportRequest("http://collector.invalid/x"))
			if err == nil {
				t.Fatal("Upload() error = nil")
			}
			if got := errors.Is(err, outcome.ErrTransient); got != tt.wantTransient {
				t.Errorf("transient = %v, want %v (err %v)", got, tt.wantTransient, err)
			}
		})
	}
}

func TestUploadSingleShotWithoutBudget(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}
	u, _ := newTestUploader(t, WithHTTPClient(client), WithRetryBudget(0))

	if _, err := u.Upload(context.Background(), "/spool/r1.wellsdata", reportRequest("http://collector.invalid/x")); err == nil {
		t.Fatal("Upload() error = nil")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}
