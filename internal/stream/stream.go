package stream

import (
	"context"
	"sync"
	"time"
)

// Change announces that a document was created or updated.
type Change struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
}

// Pending is what a subscriber has accumulated since its last Take.
type Pending struct {
	Changes       int
	StatusChanged bool
}

// Subscriber receives coalesced change signals. Publishing never blocks on a slow
// subscriber and never loses the fact that something changed.
type Subscriber struct {
	filter func(Change) bool

	mu      sync.Mutex
	pending Pending
	signal  chan struct{}
}

// Ready fires when there is something to Take. It is closed once the subscription ends.
func (s *Subscriber) Ready() <-chan struct{} { return s.signal }

// Take returns and clears the accumulated signals.
func (s *Subscriber) Take() Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = Pending{}
	return p
}

func (s *Subscriber) mark(fn func(*Pending)) {
	s.mu.Lock()
	fn(&s.pending)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
		// A signal is already queued; the next Take sees the merged state.
	}
}

// Hub fans document changes and connectivity transitions out to subscribers.
type Hub struct {
	mu        sync.RWMutex
	subs      map[int]*Subscriber
	next      int
	connected bool
}

// New returns a connected hub with no subscribers.
func New() *Hub {
	return &Hub{
		subs:      make(map[int]*Subscriber),
		connected: true,
	}
}

// Subscribe registers a subscriber for changes matching filter (nil matches all).
// The subscriber is removed and its Ready channel closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, filter func(Change) bool) *Subscriber {
	sub := &Subscriber{filter: filter, signal: make(chan struct{}, 1)}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(sub.signal)
		h.mu.Unlock()
	}()

	return sub
}

// Publish notifies every subscriber whose filter accepts the change.
func (h *Hub) Publish(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(c) {
			continue
		}
		sub.mark(func(p *Pending) { p.Changes++ })
	}
}

// SetConnected records whether the upstream change feed is live. Every transition is
// signalled to all subscribers.
func (h *Hub) SetConnected(ok bool) {
	h.mu.Lock()
	changed := h.connected != ok
	h.connected = ok
	h.mu.Unlock()
	if !changed {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.mark(func(p *Pending) { p.StatusChanged = true })
	}
}

// Connected reports the last state passed to SetConnected.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
