package pg

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"gatehouse.org/internal/obs"
	"gatehouse.org/internal/stream"
)

// Channel is the NOTIFY channel the documents trigger publishes on.
const Channel = "gatehouse_documents"

// Listener holds a dedicated connection on LISTEN and feeds a hub. While the
// connection is down the hub reports disconnected; reconnecting marks it
// connected again so subscribers re-query whatever they missed.
type Listener struct {
	dsn        string
	hub        *stream.Hub
	minBackoff time.Duration
	maxBackoff time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

// NewListener prepares a listener for dsn feeding hub.
func NewListener(dsn string, hub *stream.Hub) *Listener {
	return &Listener{
		dsn:        dsn,
		hub:        hub,
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 15 * time.Second,
		ready:      make(chan struct{}),
	}
}

// Ready is closed after the first successful LISTEN.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

type notification struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Run blocks until ctx ends.
func (l *Listener) Run(ctx context.Context) {
	log := obs.Logger().With(zap.String("component", "pg_listener"))
	l.hub.SetConnected(false)
	backoff := l.minBackoff
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if l.hub.Connected() {
			backoff = l.minBackoff
		}
		l.hub.SetConnected(false)
		log.Warn("change feed disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "listen "+Channel); err != nil {
		return err
	}
	l.hub.SetConnected(true)
	l.readyOnce.Do(func() { close(l.ready) })

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var payload notification
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			obs.Logger().Warn("malformed change notification", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		l.hub.Publish(stream.Change{Collection: payload.Collection, ID: payload.ID, At: time.Now().UTC()})
	}
}
