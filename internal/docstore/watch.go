package docstore

import (
	"context"
	"time"

	"gatehouse.org/internal/stream"
)

// Snapshot is the complete current result set of a subscribed query.
// When Stale is set, Docs holds the last good result and Err says why it could not
// be refreshed.
type Snapshot struct {
	Docs  []Document
	Stale bool
	Err   error
	At    time.Time
}

// Subscription delivers snapshots on C. Only the newest undelivered snapshot is kept.
type Subscription struct {
	c      chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// C yields snapshots until the subscription ends, then is closed.
func (s *Subscription) C() <-chan Snapshot { return s.c }

// Cancel stops the subscription and waits until nothing more will be sent on C.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

const (
	retryMin = 250 * time.Millisecond
	retryMax = 30 * time.Second
)

// Watch re-runs q against r every time hub reports a change in collection and
// delivers the full result. The first snapshot is queued before Watch returns.
func Watch(ctx context.Context, r Reader, hub *stream.Hub, collection string, q Query) (*Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	sub := hub.Subscribe(wctx, func(c stream.Change) bool { return c.Collection == collection })

	docs, err := r.Query(wctx, collection, q)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{
		c:      make(chan Snapshot, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	first := Snapshot{Docs: docs, At: time.Now().UTC()}
	if !hub.Connected() {
		first.Stale = true
		first.Err = ErrUnavailable
	}
	s.c <- first

	go s.run(wctx, r, hub, sub, collection, q, docs)
	return s, nil
}

func (s *Subscription) run(ctx context.Context, r Reader, hub *stream.Hub, sub *stream.Subscriber, collection string, q Query, last []Document) {
	defer close(s.done)
	defer close(s.c)

	var (
		retry   <-chan time.Time
		backoff = retryMin
	)
	refresh := func() {
		if !hub.Connected() {
			s.deliver(ctx, Snapshot{Docs: last, Stale: true, Err: ErrUnavailable, At: time.Now().UTC()})
			retry = nil
			return
		}
		docs, err := r.Query(ctx, collection, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.deliver(ctx, Snapshot{Docs: last, Stale: true, Err: err, At: time.Now().UTC()})
			retry = time.After(backoff)
			backoff = min(backoff*2, retryMax)
			return
		}
		last = docs
		retry = nil
		backoff = retryMin
		s.deliver(ctx, Snapshot{Docs: docs, At: time.Now().UTC()})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Ready():
			if !ok {
				return
			}
			sub.Take()
			refresh()
		case <-retry:
			refresh()
		}
	}
}

// deliver replaces any snapshot the consumer has not picked up yet.
func (s *Subscription) deliver(ctx context.Context, snap Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s.c <- snap:
			return
		default:
		}
		select {
		case <-s.c:
		default:
		}
	}
}
