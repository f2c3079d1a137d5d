package conversation

import (
	"context"
)

// Event is one delivery of a feed. Err reports a failure that did not end
// the feed; Value then holds the last good state.
type Event[T any] struct {
	Value T
	Err   error
}

// Feed is a live sequence of values. Events is closed once the feed stops,
// either through Stop, its context, or its session closing.
type Feed[T any] struct {
	events chan Event[T]
	cancel context.CancelFunc
	done   chan struct{}
}

func newFeed[T any](ctx context.Context) (*Feed[T], context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Feed[T]{
		events: make(chan Event[T]),
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

func (f *Feed[T]) Events() <-chan Event[T] { return f.events }

// Stop ends the feed. It may be called any number of times.
func (f *Feed[T]) Stop() { f.cancel() }

// Done is closed after the feed has released its subscription.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }

// emit hands ev to the consumer, waiting for it unless ctx ends first.
func (f *Feed[T]) emit(ctx context.Context, ev Event[T]) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *Feed[T]) finish() {
	f.cancel()
	close(f.events)
	close(f.done)
}

type stopper interface {
	Stop()
	Done() <-chan struct{}
}
