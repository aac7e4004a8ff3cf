// Package queue runs transfers through NSQ so they survive a daemon restart.
// Begin publishes a transfer message and records it in a registry; the
// consumer side performs the upload and emits the completion.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/dispatch"
	"github.com/austindbirch/wells/internal/inflight"
	"github.com/austindbirch/wells/internal/ledger"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/outcome"
	"github.com/austindbirch/wells/internal/tracing"
)

const (
	DefaultTopic   = "report_transfers"
	DefaultChannel = "uploaders"
)

var ErrClosed = errors.New("queue: transport closed")

// TransferMessage is the NSQ message body for one transfer.
type TransferMessage struct {
	Handle       string            `json:"handle"`
	Location     string            `json:"location"`
	Request      delivery.Request  `json:"request"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// Publisher is the subset of *nsq.Producer used to enqueue transfers.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Uploader performs one transfer.
type Uploader interface {
	Upload(ctx context.Context, location string, req delivery.Request) (*outcome.Response, error)
}

type Transport struct {
	publisher   Publisher
	topic       string
	registry    inflight.Registry
	uploader    Uploader
	logger      *logging.Logger
	completions chan dispatch.Completed
	done        chan struct{}
	closeOnce   sync.Once
}

func New(p Publisher, topic string, registry inflight.Registry, u Uploader, logger *logging.Logger) *Transport {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = logging.New("wells-transport")
	}
	return &Transport{
		publisher:   p,
		topic:       topic,
		registry:    registry,
		uploader:    u,
		logger:      logger,
		completions: make(chan dispatch.Completed, 64),
		done:        make(chan struct{}),
	}
}

func (t *Transport) Topic() string { return t.topic }

func (t *Transport) Begin(ctx context.Context, location string, req delivery.Request) (dispatch.Handle, error) {
	select {
	case <-t.done:
		return "", ErrClosed
	default:
	}

	msg := TransferMessage{
		Handle:       uuid.NewString(),
		Location:     location,
		Request:      req.Clone(),
		TraceHeaders: tracing.PropagateTrace(ctx),
		EnqueuedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: encode transfer: %w", err)
	}

	// registered first so InFlight never misses a message a consumer may already hold
	if err := t.registry.Add(ctx, inflight.Transfer{
		Handle:    msg.Handle,
		Location:  location,
		Request:   msg.Request,
		StartedAt: msg.EnqueuedAt,
	}); err != nil {
		return "", fmt.Errorf("queue: register transfer: %w", err)
	}

	if err := t.publisher.Publish(t.topic, body); err != nil {
		if rmErr := t.registry.Remove(ctx, msg.Handle); rmErr != nil {
			t.logger.WithContext(ctx).WithError(rmErr).WithField("handle", msg.Handle).Error("failed to unregister unpublished transfer")
		}
		tracing.SetSpanError(ctx, err)
		return "", fmt.Errorf("queue: publish transfer: %w", err)
	}

	tracing.AddSpanEvent(ctx, "nsq.published_transfer", attribute.String("topic", t.topic))
	return dispatch.Handle(msg.Handle), nil
}

func (t *Transport) InFlight(ctx context.Context) ([]delivery.Request, error) {
	transfers, err := t.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list transfers: %w", err)
	}
	out := make([]delivery.Request, 0, len(transfers))
	for _, tr := range transfers {
		out = append(out, tr.Request)
	}
	return out, nil
}

func (t *Transport) Completions() <-chan dispatch.Completed {
	return t.completions
}

// HandleMessage uploads one queued transfer. Every message is finished:
// the completion carries the outcome and retries are the engine's decision.
func (t *Transport) HandleMessage(m *nsq.Message) error {
	var msg TransferMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		t.logger.Plain().WithError(err).Error("bad transfer message")
		return nil
	}
	if msg.Handle == "" || msg.Location == "" {
		t.logger.Plain().WithField("handle", msg.Handle).Error("incomplete transfer message")
		return nil
	}

	st := ledger.Decode(msg.Request.Header)
	ctx := tracing.ExtractTrace(context.Background(), msg.TraceHeaders)
	ctx, span := tracing.StartReportSpan(ctx, "queue.transfer", st.Identifier, st.Attempt,
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	resp, err := t.uploader.Upload(ctx, msg.Location, msg.Request)

	if rmErr := t.registry.Remove(ctx, msg.Handle); rmErr != nil {
		t.logger.WithContext(ctx).WithReport(st.Identifier).WithError(rmErr).Error("failed to unregister transfer")
	}

	select {
	case t.completions <- dispatch.Completed{
		Handle:   dispatch.Handle(msg.Handle),
		Request:  msg.Request,
		Response: resp,
		Err:      err,
	}:
	case <-t.done:
		t.logger.WithContext(ctx).WithReport(st.Identifier).Warn("transport closed before completion was delivered")
	}
	return nil
}

// Close stops accepting transfers and releases handlers waiting to deliver
// completions.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}
