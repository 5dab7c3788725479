package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/obs"
)

func TestRedisSinkAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, RedisConfig{Stream: "test:notifications"})
	n := newNotification(VisitorArrived, Unit("soc-1", "A-101"), map[string]any{"visitor_name": "Rahul"})
	require.NoError(t, sink.Deliver(context.Background(), n))

	msgs, err := client.XRange(context.Background(), "test:notifications", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	values := msgs[0].Values
	assert.Equal(t, n.ID, values["id"])
	assert.Equal(t, string(VisitorArrived), values["kind"])
	assert.Equal(t, "soc-1", values["society_id"])
	assert.Equal(t, string(auth.RoleResident), values["role"])
	assert.Equal(t, "A-101", values["unit_id"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &payload))
	assert.Equal(t, "Rahul", payload["visitor_name"])
}

func TestRedisSinkOpensBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	sink := NewRedisSink(client, RedisConfig{FailureThreshold: 2, OpenTimeout: time.Minute})
	mr.Close()

	n := newNotification(PassIssued, User("soc-1", "res-1"), nil)
	for i := 0; i < 2; i++ {
		assert.Error(t, sink.Deliver(context.Background(), n))
	}
	assert.Equal(t, gobreaker.StateOpen, sink.State())
	err := sink.Deliver(context.Background(), n)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState), "expected open-state error, got %v", err)
}

type flakySink struct {
	mu        sync.Mutex
	delivered []Notification
	failKind  Kind
}

func (f *flakySink) Deliver(_ context.Context, n Notification) error {
	if n.Kind == f.failKind {
		return errors.New("push gateway down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, n)
	return nil
}

func TestQueueDrainsInOrderAndSurvivesFailures(t *testing.T) {
	sink := &flakySink{failKind: VisitorDenied}
	q := NewQueue(sink, 16)
	q.Start()

	ctx := context.Background()
	q.Enqueue(ctx, VisitorArrived, Unit("soc-1", "A-101"), nil)
	q.Enqueue(ctx, VisitorDenied, Role("soc-1", auth.RoleGatekeeper), nil)
	q.Enqueue(ctx, VisitorApproved, Role("soc-1", auth.RoleGatekeeper), nil)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))

	require.Len(t, sink.delivered, 2)
	assert.Equal(t, VisitorArrived, sink.delivered[0].Kind)
	assert.Equal(t, VisitorApproved, sink.delivered[1].Kind)

	// Enqueue after Stop must not panic.
	q.Enqueue(ctx, VisitorExited, Unit("soc-1", "A-101"), nil)
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Deliver(ctx context.Context, _ Notification) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestQueueDropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	q := NewQueue(sink, 1)
	q.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			q.Enqueue(context.Background(), BookingCreated, User("soc-1", "res-1"), nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	close(sink.release)
	require.NoError(t, q.Stop(context.Background()))
}

func TestRecorderCopiesPayload(t *testing.T) {
	var r Recorder
	payload := map[string]any{"visitor_name": "Asha"}
	r.Enqueue(context.Background(), PassIssued, User("soc-1", "res-1"), payload)
	payload["visitor_name"] = "Anil"

	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, "Asha", all[0].Payload["visitor_name"])
	assert.Equal(t, []Kind{PassIssued}, r.Kinds())
}

func TestLogSinkRedactsSecrets(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	payload := map[string]any{"pass_id": "p-1", "token": "482913"}
	n := newNotification(PassIssued, User("soc-1", "res-1"), payload)
	require.NoError(t, LogSink{}.Deliver(context.Background(), n))

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	logged, ok := entries[0].ContextMap()["payload"].(map[string]any)
	require.True(t, ok, "payload field is %T", entries[0].ContextMap()["payload"])
	assert.Equal(t, "[redacted]", logged["token"])
	assert.Equal(t, "p-1", logged["pass_id"])
	assert.Equal(t, "482913", payload["token"], "caller payload must not be modified")
}
