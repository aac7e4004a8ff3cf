package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
)

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	err    error
	block  chan struct{}
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeProducer) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func quiet() Option {
	return WithLogger(logging.NewWithWriter("test", &bytes.Buffer{}))
}

func TestPublish(t *testing.T) {
	producer := &fakeProducer{}
	p := NewPublisher(producer, "", quiet())

	req := delivery.NewRequest(http.MethodPost, "https://collector.example/x")
	dl := delivery.NewDeadLetter("report-1", req, 5, 503, "", "retries exhausted")
	if err := p.Publish(context.Background(), dl); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	p.Stop()

	if producer.published() != 1 {
		t.Fatalf("published = %d, want 1", producer.published())
	}
	if producer.topics[0] != DefaultTopic {
		t.Errorf("topic = %q, want %q", producer.topics[0], DefaultTopic)
	}
	var got delivery.DeadLetter
	if err := json.Unmarshal(producer.bodies[0], &got); err != nil {
		t.Fatalf("published body is not JSON: %v", err)
	}
	if got.ReportID != "report-1" || got.Attempt != 5 || got.HTTPStatus != 503 {
		t.Errorf("published = %+v", got)
	}
	if got.Request.URL != "https://collector.example/x" {
		t.Errorf("Request.URL = %q", got.Request.URL)
	}
}

func TestPublishDoesNotWaitForProducer(t *testing.T) {
	producer := &fakeProducer{block: make(chan struct{})}
	p := NewPublisher(producer, "", quiet(), WithBuffer(4))

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if err := p.Publish(context.Background(), delivery.DeadLetter{ReportID: "r"}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Publish() blocked on a stalled producer")
	}
	if producer.published() != 0 {
		t.Error("producer finished while blocked")
	}

	close(producer.block)
	p.Stop()
	if producer.published() != 3 {
		t.Errorf("published after Stop = %d, want 3", producer.published())
	}
}

func TestPublishQueueFull(t *testing.T) {
	metrics.DeadLettersTotal.Reset()
	producer := &fakeProducer{block: make(chan struct{})}
	p := NewPublisher(producer, "", quiet(), WithBuffer(1))
	defer func() {
		close(producer.block)
		p.Stop()
	}()

	// one letter may sit in the run loop and one in the queue
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = p.Publish(context.Background(), delivery.DeadLetter{ReportID: "r"})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Publish() error = %v, want %v", err, ErrQueueFull)
	}
	if got := testutil.ToFloat64(metrics.DeadLettersTotal.WithLabelValues("discarded")); got != 1 {
		t.Errorf("discarded = %v, want 1", got)
	}
}

func TestPublishFailureIsCounted(t *testing.T) {
	metrics.DeadLettersTotal.Reset()
	p := NewPublisher(&fakeProducer{err: errors.New("nsqd unavailable")}, "custom_dlq", quiet())
	if p.Topic() != "custom_dlq" {
		t.Errorf("Topic() = %q", p.Topic())
	}

	if err := p.Publish(context.Background(), delivery.DeadLetter{ReportID: "r"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	p.Stop()

	if got := testutil.ToFloat64(metrics.DeadLettersTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestPublishAfterStop(t *testing.T) {
	p := NewPublisher(&fakeProducer{}, "", quiet())
	p.Stop()
	p.Stop()

	err := p.Publish(context.Background(), delivery.DeadLetter{ReportID: "r"})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Publish() error = %v, want %v", err, ErrStopped)
	}
}

func TestNewNSQPublisher(t *testing.T) {
	// nsq.NewProducer connects lazily, so an unreachable address still succeeds
	p, err := NewNSQPublisher("127.0.0.1:1", "")
	if err != nil {
		t.Fatalf("NewNSQPublisher() error = %v", err)
	}
	defer p.Stop()
	if p.Topic() != DefaultTopic {
		t.Errorf("Topic() = %q, want %q", p.Topic(), DefaultTopic)
	}
}
