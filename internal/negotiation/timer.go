package negotiation

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically rejects negotiations that have gone stale.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new stale-negotiation timer. interval <= 0 means one minute.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	n, err := t.service.ExpireStale(ctx)
	if err != nil {
		t.logger.Warn("stale negotiation sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expired stale negotiations", "count", n)
	}
}
