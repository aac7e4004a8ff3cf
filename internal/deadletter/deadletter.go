// Package deadletter publishes records of reports that were dropped without
// being delivered.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
	"github.com/austindbirch/wells/internal/tracing"
)

// DefaultTopic is the NSQ topic dead letters are published to.
const DefaultTopic = "reports_dlq"

// DefaultBuffer is how many dead letters may wait for nsqd.
const DefaultBuffer = 256

var (
	ErrQueueFull = errors.New("deadletter: publish queue full")
	ErrStopped   = errors.New("deadletter: publisher stopped")
)

// Publisher receives a dead letter for each report that ends rejected,
// failed or expired. Publish is called from the dispatcher goroutine and
// must not block on the network.
type Publisher interface {
	Publish(ctx context.Context, dl delivery.DeadLetter) error
}

// Producer is the subset of *nsq.Producer used here.
type Producer interface {
	Publish(topic string, body []byte) error
}

type message struct {
	ctx    context.Context
	report string
	reason string
	body   []byte
}

// NSQPublisher queues dead letters and writes them as JSON to an NSQ topic
// from its own goroutine.
type NSQPublisher struct {
	producer Producer
	topic    string
	logger   *logging.Logger
	stop     func()

	mu      sync.RWMutex
	queue   chan message
	stopped bool
	done    chan struct{}
}

type Option func(*NSQPublisher)

// WithBuffer sets the number of dead letters that may be queued.
func WithBuffer(n int) Option {
	return func(p *NSQPublisher) {
		if n > 0 {
			p.queue = make(chan message, n)
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(p *NSQPublisher) { p.logger = l }
}

// NewNSQPublisher connects a producer to nsqd at addr.
func NewNSQPublisher(addr, topic string, opts ...Option) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("deadletter: create producer: %w", err)
	}
	p := NewPublisher(producer, topic, opts...)
	p.stop = producer.Stop
	return p, nil
}

// NewPublisher wraps an existing producer and starts draining its queue.
func NewPublisher(producer Producer, topic string, opts ...Option) *NSQPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	p := &NSQPublisher{
		producer: producer,
		topic:    topic,
		logger:   logging.New("wells-deadletter"),
		queue:    make(chan message, DefaultBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

func (p *NSQPublisher) Topic() string { return p.topic }

// Publish encodes dl and queues it. It never waits for nsqd: a full queue
// discards the dead letter and returns ErrQueueFull.
func (p *NSQPublisher) Publish(ctx context.Context, dl delivery.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("deadletter: encode: %w", err)
	}
	msg := message{
		ctx:    context.WithoutCancel(ctx),
		report: dl.ReportID,
		reason: dl.Reason,
		body:   body,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- msg:
		tracing.AddSpanEvent(ctx, "dlq.queued", attribute.String("topic", p.topic))
		return nil
	default:
		metrics.RecordDeadLetter("discarded")
		return fmt.Errorf("%w: %s", ErrQueueFull, dl.ReportID)
	}
}

func (p *NSQPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		log := p.logger.WithContext(msg.ctx).
			WithReport(msg.report).
			WithField("topic", p.topic).
			WithField("reason", msg.reason)
		if err := p.producer.Publish(p.topic, msg.body); err != nil {
			metrics.RecordDeadLetter("failed")
			log.WithError(err).Error("dead letter publish failed")
			continue
		}
		metrics.RecordDeadLetter("published")
		log.Info("dead letter published")
	}
}

// Stop publishes what is already queued, then releases the underlying
// producer if this publisher created it.
func (p *NSQPublisher) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()

	<-p.done
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}
