// Package health runs the readiness checks for the stores and brokers the
// server depends on.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Probe reports nil when the dependency is reachable.
type Probe func(ctx context.Context) error

// Registry holds named probes and runs them on demand.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	names  []string
	probes []Probe
}

// NewRegistry creates a registry; each probe gets at most timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a named probe.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	probes := append([]Probe(nil), r.probes...)
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			statuses[i] = Status{Name: names[i], Healthy: true}
			if err := probes[i](pctx); err != nil {
				statuses[i].Healthy = false
				statuses[i].Detail = err.Error()
			}
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}
