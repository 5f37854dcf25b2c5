package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/dealbroker/internal/metrics"
)

// Dispatcher decouples publishing from the request path with a bounded
// queue drained by a single worker. When the queue is full events are
// dropped and counted.
type Dispatcher struct {
	sink    Publisher
	name    string
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher in front of sink. name labels metrics.
func NewDispatcher(name string, sink Publisher, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sink:    sink,
		name:    name,
		logger:  logger,
		timeout: 15 * time.Second,
		queue:   make(chan Event, buffer),
	}
}

// Start launches the worker. It exits after Stop once the queue is drained.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.queue {
			d.deliver(ev)
		}
	}()
}

// Publish enqueues ev without blocking. It never returns an error.
func (d *Dispatcher) Publish(_ context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.NotificationsTotal.WithLabelValues(d.name, "dropped").Inc()
		return nil
	}
	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsTotal.WithLabelValues(d.name, "dropped").Inc()
		d.logger.Warn("notification queue full, dropping event", "type", ev.Type, "subject", ev.SubjectID)
	}
	return nil
}

// Stop closes the queue and waits for queued events to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Publish(ctx, ev); err != nil {
		metrics.NotificationsTotal.WithLabelValues(d.name, "error").Inc()
		d.logger.Warn("notification failed", "type", ev.Type, "subject", ev.SubjectID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(d.name, "ok").Inc()
}
