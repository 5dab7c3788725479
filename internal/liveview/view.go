// Package liveview keeps a consumer's copy of a scoped, sorted result set in
// step with the store. Every change delivers the whole re-derived set, never a
// diff, and a feed outage is reported as a stale snapshot of the last good set.
package liveview

import (
	"context"
	"sync"
	"time"

	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/obs"
)

// Source is the part of the store a view needs.
type Source interface {
	Subscribe(ctx context.Context, collection string, q docstore.Query) (*docstore.Subscription, error)
}

// Spec names what a view follows.
type Spec struct {
	Collection string
	Query      docstore.Query
}

// Take limits the number of items per snapshot.
func (s Spec) Take(n int) Spec {
	s.Query = s.Query.Take(n)
	return s
}

// Snapshot is the complete current item set. Stale snapshots carry the last good
// items and the reason they could not be refreshed.
type Snapshot[T any] struct {
	Items []T       `json:"items"`
	Stale bool      `json:"stale"`
	Err   error     `json:"-"`
	At    time.Time `json:"at"`
}

// Handlers receive view updates. Both run on the view's goroutine, one at a time,
// and must not call Cancel.
type Handlers[T any] struct {
	OnSnapshot func(Snapshot[T])
	// OnStatus fires when the view goes stale or recovers.
	OnStatus func(stale bool, err error)
}

// View is one open live subscription.
type View[T any] struct {
	sub      *docstore.Subscription
	cancel   context.CancelFunc
	handlers Handlers[T]
	once     sync.Once
	done     chan struct{}

	mu     sync.Mutex
	latest Snapshot[T]
	stale  bool
}

// Open subscribes and returns once the first snapshot has been handed to
// OnSnapshot.
func Open[T any](ctx context.Context, src Source, spec Spec, h Handlers[T]) (*View[T], error) {
	vctx, cancel := context.WithCancel(ctx)
	sub, err := src.Subscribe(vctx, spec.Collection, spec.Query)
	if err != nil {
		cancel()
		return nil, err
	}
	v := &View[T]{
		sub:      sub,
		cancel:   cancel,
		handlers: h,
		done:     make(chan struct{}),
	}

	select {
	case first, ok := <-sub.C():
		if !ok {
			cancel()
			sub.Cancel()
			return nil, context.Canceled
		}
		v.dispatch(first)
	case <-vctx.Done():
		cancel()
		sub.Cancel()
		return nil, vctx.Err()
	}

	obs.LiveViewOpened()
	go v.run(vctx)
	return v, nil
}

func (v *View[T]) run(ctx context.Context) {
	defer close(v.done)
	defer obs.LiveViewClosed()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-v.sub.C():
			if !ok || ctx.Err() != nil {
				return
			}
			v.dispatch(snap)
		}
	}
}

func (v *View[T]) dispatch(raw docstore.Snapshot) {
	v.mu.Lock()
	prev := v.latest
	wasStale := v.stale
	v.mu.Unlock()

	snap := Snapshot[T]{Stale: raw.Stale, Err: raw.Err, At: raw.At}
	items, err := docstore.DecodeAll[T](raw.Docs)
	switch {
	case err != nil:
		snap.Items = prev.Items
		snap.Stale = true
		snap.Err = err
	default:
		snap.Items = items
	}

	v.mu.Lock()
	v.latest = snap
	v.stale = snap.Stale
	v.mu.Unlock()

	if snap.Stale != wasStale && v.handlers.OnStatus != nil {
		v.handlers.OnStatus(snap.Stale, snap.Err)
	}
	if v.handlers.OnSnapshot != nil {
		v.handlers.OnSnapshot(snap)
	}
}

// Latest returns the most recently delivered snapshot.
func (v *View[T]) Latest() Snapshot[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.latest
}

// Done is closed when the view has stopped, by Cancel or by its context ending.
func (v *View[T]) Done() <-chan struct{} { return v.done }

// Cancel stops delivery and releases the store subscription. No handler runs
// after Cancel returns.
func (v *View[T]) Cancel() {
	v.once.Do(func() {
		v.cancel()
		v.sub.Cancel()
	})
	<-v.done
}
