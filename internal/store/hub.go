package store

import (
	"context"
	"reflect"
	"sync"
)

// Fetcher reads the current value at path. Backends hand their Get to a Hub.
type Fetcher func(ctx context.Context, path string) (any, error)

// Hub fans change notifications out to subscriptions. Backends call Changed
// after each committed write; each subscription then re-reads its path and
// delivers the value if it differs from the last one delivered.
type Hub struct {
	fetch Fetcher

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewHub(fetch Fetcher) *Hub {
	return &Hub{
		fetch: fetch,
		subs:  make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscription on path bound to ctx. The first
// snapshot is delivered as soon as the subscriber reads.
func (h *Hub) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		path:    Clean(path),
		updates: make(chan Snapshot),
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		hub:     h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, context.Canceled
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	sub.poke()
	go sub.run(ctx)
	return sub, nil
}

// Changed wakes every subscription whose value may have been affected by a
// write at path.
func (h *Hub) Changed(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if Related(sub.path, path) {
			sub.poke()
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Subscription is a live view of one path. Intermediate values may be
// coalesced but the latest value is always delivered.
type Subscription struct {
	path    string
	updates chan Snapshot
	wake    chan struct{}
	cancel  context.CancelFunc
	hub     *Hub
	once    sync.Once
}

// Path returns the subscribed path.
func (s *Subscription) Path() string { return s.path }

// Updates is closed once the subscription is cancelled.
func (s *Subscription) Updates() <-chan Snapshot { return s.updates }

// Cancel stops the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.hub.remove(s)
	})
}

func (s *Subscription) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.updates)
	defer s.Cancel()

	var (
		last      any
		delivered bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		value, err := s.hub.fetch(ctx, s.path)
		if err == nil && delivered && reflect.DeepEqual(value, last) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case s.updates <- Snapshot{Path: s.path, Value: value, Err: err}:
			if err == nil {
				last, delivered = value, true
			}
		case <-ctx.Done():
			return
		}
	}
}
