package resilience

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// breakerView is the part of a Client the registry reads.
type breakerView interface {
	CircuitBreakerState() gobreaker.State
	CircuitBreakerCounts() gobreaker.Counts
}

// ProviderHealth is a point-in-time view of one upstream.
type ProviderHealth struct {
	Name         string
	CircuitState gobreaker.State

	// Counts are the breaker's counts for its current generation.
	Counts gobreaker.Counts

	// Successes, Failures and Rejected count every outcome since registration.
	// Rejected calls never reached the upstream because the breaker was open.
	Successes int
	Failures  int
	Rejected  int

	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// Healthy reports whether the breaker is closed.
func (h ProviderHealth) Healthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// Registry records the outcomes of the upstream clients of one process so
// they can be reported at the end of a run.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerRecord
	now       func() time.Time
}

type providerRecord struct {
	breaker breakerView
	health  ProviderHealth
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*providerRecord),
		now:       time.Now,
	}
}

// Register adds client under its Name. Registering a name again resets its history.
func (r *Registry) Register(client *Client) {
	r.register(client.Name(), client)
}

func (r *Registry) register(name string, b breakerView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = &providerRecord{breaker: b, health: ProviderHealth{Name: name}}
}

// RecordSuccess records a completed call.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		now := r.now()
		p.health.Successes++
		p.health.LastSuccessAt = &now
	}
}

// RecordFailure records a failed or rejected call.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[name]
	if !ok {
		return
	}
	now := r.now()
	if errors.Is(err, ErrCircuitOpen) {
		p.health.Rejected++
	} else {
		p.health.Failures++
	}
	p.health.LastFailureAt = &now
	if err != nil {
		p.health.LastError = err.Error()
	}
}

// Health returns the current view of one upstream.
func (r *Registry) Health(name string) (ProviderHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return ProviderHealth{}, false
	}
	return p.snapshot(), true
}

// Snapshot returns the view of every upstream, ordered by name.
func (r *Registry) Snapshot() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.snapshot())
	}
	slices.SortFunc(out, func(a, b ProviderHealth) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (p *providerRecord) snapshot() ProviderHealth {
	h := p.health
	h.CircuitState = p.breaker.CircuitBreakerState()
	h.Counts = p.breaker.CircuitBreakerCounts()
	return h
}
