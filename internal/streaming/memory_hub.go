package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/conductor/pkg/schema"
)

const defaultChannelBuffer = 64

// MemoryHubOption configures a MemoryHub.
type MemoryHubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) MemoryHubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

type subscription struct {
	ch     chan schema.Event
	filter EventFilter
}

// MemoryHub is an in-process EventHub. Subscriptions are indexed by run so a
// publish only visits the run's subscribers and the all-runs watchers. A
// subscriber whose buffer is full misses the event.
type MemoryHub struct {
	buffer  int
	nextID  atomic.Uint64
	dropped atomic.Uint64

	mu    sync.RWMutex
	byRun map[string]map[uint64]*subscription // "" holds all-runs watchers
}

// NewMemoryHub creates a MemoryHub.
func NewMemoryHub(opts ...MemoryHubOption) *MemoryHub {
	h := &MemoryHub{
		buffer: defaultChannelBuffer,
		byRun:  make(map[string]map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish never blocks on a subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byRun[event.RunID], event)
	if event.RunID != "" {
		h.deliver(h.byRun[""], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscription, event schema.Event) {
	for _, sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscription. The returned cancel function removes
// it and closes the channel; calling it again is a no-op.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscription{ch: make(chan schema.Event, h.buffer), filter: filter}

	h.mu.Lock()
	bucket := h.byRun[filter.RunID]
	if bucket == nil {
		bucket = make(map[uint64]*subscription)
		h.byRun[filter.RunID] = bucket
	}
	bucket[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(h.byRun, filter.RunID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, bucket := range h.byRun {
		n += len(bucket)
	}
	return n
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
