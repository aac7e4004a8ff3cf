// Package inflight records which transfers have been handed to a transport
// and not yet completed.
package inflight

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/austindbirch/wells/internal/delivery"
)

// ErrDuplicateHandle is returned when a handle is registered twice.
var ErrDuplicateHandle = errors.New("inflight: duplicate handle")

// Transfer is one registered transfer.
type Transfer struct {
	Handle    string
	Location  string
	Request   delivery.Request
	StartedAt time.Time
}

// Registry stores in-flight transfers. Remove of an unknown handle is not an error.
type Registry interface {
	Add(ctx context.Context, t Transfer) error
	Remove(ctx context.Context, handle string) error
	List(ctx context.Context) ([]Transfer, error)
}

// Memory is a process-local Registry.
type Memory struct {
	mu        sync.Mutex
	transfers map[string]Transfer
}

func NewMemory() *Memory {
	return &Memory{transfers: make(map[string]Transfer)}
}

func (m *Memory) Add(_ context.Context, t Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[t.Handle]; ok {
		return ErrDuplicateHandle
	}
	t.Request = t.Request.Clone()
	m.transfers[t.Handle] = t
	return nil
}

func (m *Memory) Remove(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, handle)
	return nil
}

// List returns transfers oldest first.
func (m *Memory) List(_ context.Context) ([]Transfer, error) {
	m.mu.Lock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		t.Request = t.Request.Clone()
		out = append(out, t)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Transfer) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out, nil
}
