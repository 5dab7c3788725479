package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"gatehouse.org/internal/obs"
)

// RedisConfig controls the Redis stream sink.
type RedisConfig struct {
	Stream           string
	MaxLen           int64
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// RedisSink appends notifications to a Redis stream read by the push-delivery
// workers. Calls go through a circuit breaker.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	cb     *gobreaker.CircuitBreaker[string]
}

// NewRedisSink wraps client. Zero config fields take defaults.
func NewRedisSink(client *redis.Client, cfg RedisConfig) *RedisSink {
	if cfg.Stream == "" {
		cfg.Stream = "gatehouse:notifications"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:    "notify-redis",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.Logger().Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &RedisSink{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		cb:     gobreaker.NewCircuitBreaker[string](settings),
	}
}

// Deliver XADDs the notification. Returns gobreaker.ErrOpenState while the breaker is open.
func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	values := map[string]any{
		"id":         n.ID,
		"kind":       string(n.Kind),
		"society_id": n.Recipient.SocietyID,
		"role":       string(n.Recipient.Role),
		"unit_id":    n.Recipient.UnitID,
		"user_id":    n.Recipient.UserID,
		"payload":    string(payload),
		"queued_at":  n.QueuedAt.Format(time.RFC3339Nano),
	}
	_, err = s.cb.Execute(func() (string, error) {
		args := &redis.XAddArgs{Stream: s.stream, Values: values}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		return s.client.XAdd(ctx, args).Result()
	})
	return err
}

// State reports the breaker state, for readiness output.
func (s *RedisSink) State() gobreaker.State {
	return s.cb.State()
}
