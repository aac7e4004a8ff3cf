package direct

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/ledger"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/outcome"
)

// blockingUploader holds every upload until released.
type blockingUploader struct {
	release chan struct{}
	resp    *outcome.Response
	err     error
}

func (b *blockingUploader) Upload(ctx context.Context, _ string, _ delivery.Request) (*outcome.Response, error) {
	select {
	case <-b.release:
		return b.resp, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter("test", &bytes.Buffer{})
}

func request(id string) delivery.Request {
	req := delivery.NewRequest(http.MethodPost, "https://collector/x")
	ledger.SetIdentifier(req.Header, id)
	return req
}

func TestTransferLifecycle(t *testing.T) {
	up := &blockingUploader{release: make(chan struct{}), resp: &outcome.Response{StatusCode: 202}}
	tr := New(up, quietLogger())
	defer tr.Close(context.Background())

	h, err := tr.Begin(context.Background(), "/spool/a.wellsdata", request("a"))
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	inFlight, _ := tr.InFlight(context.Background())
	if len(inFlight) != 1 {
		t.Fatalf("InFlight() len = %d, want 1", len(inFlight))
	}
	if id, _ := ledger.Identifier(inFlight[0].Header); id != "a" {
		t.Errorf("in-flight identifier = %q", id)
	}

	close(up.release)
	select {
	case c := <-tr.Completions():
		if c.Handle != h {
			t.Errorf("Handle = %q, want %q", c.Handle, h)
		}
		if c.Response == nil || c.Response.StatusCode != 202 {
			t.Errorf("Response = %+v", c.Response)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
	}

	inFlight, _ = tr.InFlight(context.Background())
	if len(inFlight) != 0 {
		t.Errorf("InFlight() after completion = %d, want 0", len(inFlight))
	}
}

func TestBeginIgnoresCallerCancellation(t *testing.T) {
	up := &blockingUploader{release: make(chan struct{}), resp: &outcome.Response{StatusCode: 200}}
	tr := New(up, quietLogger())
	defer tr.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := tr.Begin(ctx, "/spool/a.wellsdata", request("a")); err != nil {
		t.Fatal(err)
	}
	cancel()
	close(up.release)

	c := <-tr.Completions()
	if c.Err != nil {
		t.Errorf("transfer inherited caller cancellation: %v", c.Err)
	}
}

func TestCloseCancelsAfterDeadline(t *testing.T) {
	up := &blockingUploader{release: make(chan struct{})}
	tr := New(up, quietLogger())
	if _, err := tr.Begin(context.Background(), "/spool/a.wellsdata", request("a")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want deadline exceeded", err)
	}

	if _, err := tr.Begin(context.Background(), "/spool/b.wellsdata", request("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("Begin() after Close error = %v, want %v", err, ErrClosed)
	}
}
