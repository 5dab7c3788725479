package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gatehouse.org/internal/obs"
)

// Queue buffers notifications and drains them to a Sink on one worker goroutine.
// Enqueue never blocks: when the buffer is full the notification is dropped.
type Queue struct {
	sink    Sink
	timeout time.Duration

	mu     sync.RWMutex
	ch     chan Notification
	closed bool
	done   chan struct{}
}

var _ Dispatcher = (*Queue)(nil)

// NewQueue returns a queue holding up to size pending notifications.
func NewQueue(sink Sink, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		sink:    sink,
		timeout: 5 * time.Second,
		ch:      make(chan Notification, size),
		done:    make(chan struct{}),
	}
}

// Start launches the worker.
func (q *Queue) Start() {
	go q.run()
}

// Stop refuses new notifications and waits for the backlog to drain or ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Enqueue(_ context.Context, kind Kind, to Selector, payload map[string]any) {
	n := newNotification(kind, to, payload)

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		obs.ObserveNotification("dropped")
		return
	}
	select {
	case q.ch <- n:
	default:
		obs.ObserveNotification("dropped")
		obs.Logger().Warn("notification queue full", zap.String("kind", string(kind)), zap.String("id", n.ID))
	}
}

func (q *Queue) run() {
	defer close(q.done)
	log := obs.Logger().With(zap.String("component", "notify_queue"))
	for n := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.sink.Deliver(ctx, n)
		cancel()
		if err != nil {
			obs.ObserveNotification("failed")
			log.Warn("notification delivery failed",
				zap.String("id", n.ID),
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
			continue
		}
		obs.ObserveNotification("delivered")
	}
}

// LogSink writes notifications to the process logger. Payload keys that carry
// credentials are redacted.
type LogSink struct{}

var secretKeys = map[string]bool{"token": true, "access_token": true, "password": true}

func redact(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if secretKeys[k] {
			v = "[redacted]"
		}
		out[k] = v
	}
	return out
}

func (LogSink) Deliver(_ context.Context, n Notification) error {
	obs.Logger().Info("notification",
		zap.String("id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("society_id", n.Recipient.SocietyID),
		zap.String("role", string(n.Recipient.Role)),
		zap.String("unit_id", n.Recipient.UnitID),
		zap.String("user_id", n.Recipient.UserID),
		zap.Any("payload", redact(n.Payload)))
	return nil
}
