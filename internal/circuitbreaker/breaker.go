// Package circuitbreaker guards calls to external collaborators (catalog,
// payment gateway). Each key trips open after consecutive failures and
// lets a single probe through once the cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: collaborator unavailable")

// State of a single key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealbroker",
		Subsystem: "collaborator",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state changes per collaborator.",
	}, []string{"collaborator", "from", "to"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealbroker",
		Subsystem: "collaborator",
		Name:      "breaker_rejected_total",
		Help:      "Calls short-circuited because the breaker was open.",
	}, []string{"collaborator"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks one circuit per collaborator key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	// ignore reports errors that say nothing about collaborator health,
	// such as a 404 for an unknown listing.
	ignore func(error) bool
}

// New creates a breaker that opens after threshold consecutive failures
// and probes again after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// WithIgnore sets the predicate for errors that count as success.
func (b *Breaker) WithIgnore(fn func(error) bool) *Breaker {
	b.ignore = fn
	return b
}

// Do runs fn unless the circuit for key is open. Context cancellation by
// the caller is not counted against the collaborator.
func (b *Breaker) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !b.Allow(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release(key)
	case b.ignore != nil && b.ignore(err):
		b.RecordSuccess(key)
	default:
		b.RecordFailure(key)
	}
	return err
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.setState(key, c, StateClosed)
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.setState(key, c, StateOpen)
	}
}

// State returns the circuit state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// release returns a half-open circuit to open without a new cool-down
// penalty so the next caller can probe.
func (b *Breaker) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok && c.state == StateHalfOpen {
		c.openedAt = b.now().Add(-b.coolDown)
		b.setState(key, c, StateOpen)
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
