package gatepass

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gatehouse.org/internal/obs"
)

// Expirer periodically runs ExpireElapsed until its context ends.
type Expirer struct {
	svc      *Service
	interval time.Duration
}

func NewExpirer(svc *Service, interval time.Duration) *Expirer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Expirer{svc: svc, interval: interval}
}

// Run blocks until ctx is cancelled.
func (x *Expirer) Run(ctx context.Context) {
	log := obs.Logger().With(zap.String("component", "gate_pass_expirer"))
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := x.svc.ExpireElapsed(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("expire sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("expired gate passes", zap.Int("count", n))
			}
		}
	}
}
