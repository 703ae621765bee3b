// Package resilience guards upstream HTTP calls with circuit breakers and
// timeouts, and bounds the retries of a logical operation.
package resilience

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerConfig configures the breaker in front of one upstream.
type CircuitBreakerConfig struct {
	Name string

	// MaxRequests is how many probes pass while half-open.
	MaxRequests uint32

	// Interval clears the closed-state counts periodically. Zero never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ReadyToTrip decides when a closed breaker opens. Nil means DefaultReadyToTrip.
	ReadyToTrip func(counts gobreaker.Counts) bool

	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitBreakerConfig allows one probe after a minute open.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: DefaultReadyToTrip,
	}
}

func (c CircuitBreakerConfig) settings() gobreaker.Settings {
	trip := c.ReadyToTrip
	if trip == nil {
		trip = DefaultReadyToTrip
	}
	return gobreaker.Settings{
		Name:          c.Name,
		MaxRequests:   c.MaxRequests,
		Interval:      c.Interval,
		Timeout:       c.Timeout,
		ReadyToTrip:   trip,
		OnStateChange: c.OnStateChange,
	}
}

// DefaultReadyToTrip opens once five or more requests have a failure ratio of
// at least one half.
func DefaultReadyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < 5 {
		return false
	}
	return counts.TotalFailures*2 >= counts.Requests
}

// TripAfterConsecutiveFailures opens after n failures in a row.
func TripAfterConsecutiveFailures(n uint32) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= n
	}
}

// LogStateChanges returns an OnStateChange hook that logs every transition.
// Opening is logged at warn level.
func LogStateChanges(logger zerolog.Logger) func(name string, from, to gobreaker.State) {
	return func(name string, from, to gobreaker.State) {
		ev := logger.Info()
		if to == gobreaker.StateOpen {
			ev = logger.Warn()
		}
		ev.Str("provider", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
	}
}

// NewCircuitBreaker builds a breaker for results of type T.
func NewCircuitBreaker[T any](cfg CircuitBreakerConfig) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](cfg.settings())
}
