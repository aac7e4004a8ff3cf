// Package upload performs a single report transfer: read the payload, send
// it to the collector and hand back the response status and headers.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/ledger"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
	"github.com/austindbirch/wells/internal/outcome"
	"github.com/austindbirch/wells/internal/tracing"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultRetryBudget = 30 * time.Second

	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

// TokenSource supplies a bearer token for each upload.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Uploader struct {
	fs     afero.Fs
	client *http.Client
	tokens TokenSource
	logger *logging.Logger

	budget          time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
}

type Option func(*Uploader)

func WithFs(fs afero.Fs) Option {
	return func(u *Uploader) { u.fs = fs }
}

func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) { u.client = c }
}

func WithTokenSource(ts TokenSource) Option {
	return func(u *Uploader) { u.tokens = ts }
}

// WithRetryBudget bounds how long connection errors are retried. Zero sends once.
func WithRetryBudget(d time.Duration) Option {
	return func(u *Uploader) { u.budget = d }
}

func WithBackoffIntervals(initial, max time.Duration) Option {
	return func(u *Uploader) {
		u.initialInterval = initial
		u.maxInterval = max
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

func New(opts ...Option) *Uploader {
	u := &Uploader{
		fs:              afero.NewOsFs(),
		client:          &http.Client{Timeout: DefaultTimeout},
		logger:          logging.New("wells-upload"),
		budget:          DefaultRetryBudget,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload sends the payload at location using req. Any HTTP response is
// returned as is for classification. Errors mean no response was received;
// timeouts that outlast the retry budget are marked transient.
func (u *Uploader) Upload(ctx context.Context, location string, req delivery.Request) (*outcome.Response, error) {
	st := ledger.Decode(req.Header)
	ctx, span := tracing.StartReportSpan(ctx, "upload.transfer", st.Identifier, st.Attempt,
		attribute.String("http.url", req.URL),
	)
	defer span.End()

	payload, err := afero.ReadFile(u.fs, location)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("upload: read payload: %w", err)
	}

	var token string
	if u.tokens != nil {
		if token, err = u.tokens.Token(ctx); err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, fmt.Errorf("upload: token: %w", err)
		}
	}

	send := func() (*outcome.Response, error) {
		httpReq, err := req.HTTPRequest(ctx, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		tracing.InjectHeaders(ctx, httpReq.Header)

		start := time.Now()
		resp, err := u.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		metrics.RecordTransfer(strconv.Itoa(resp.StatusCode), time.Since(start))
		return &outcome.Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}, nil
	}

	resp, err := backoff.Retry(ctx, send, u.retryOptions(st)...)
	if err != nil {
		if isTimeout(err) {
			err = outcome.Transient(err)
		}
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("upload: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (u *Uploader) retryOptions(st ledger.State) []backoff.RetryOption {
	if u.budget <= 0 {
		return []backoff.RetryOption{backoff.WithMaxTries(1)}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.initialInterval
	b.MaxInterval = u.maxInterval

	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(u.budget),
		backoff.WithNotify(func(err error, wait time.Duration) {
			u.logger.Plain().
				WithReport(st.Identifier).
				WithAttempt(st.Attempt).
				WithError(err).
				WithField("retry_in", wait.String()).
				Warn("collector unreachable, will retry")
		}),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
