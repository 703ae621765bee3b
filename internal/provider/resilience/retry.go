package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the attempts of a logical operation.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 4, a first try and three retries
	MaxAttempts int

	// InitialInterval is the first backoff wait.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps a single backoff wait.
	// Default: 10 seconds
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns sensible defaults for upstream calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type retryAfterError struct {
	wait time.Duration
	err  error
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// RetryAfter wraps a retryable err with a server-provided minimum wait.
func RetryAfter(err error, wait time.Duration) error {
	return &retryAfterError{wait: wait, err: err}
}

// hintedBackOff waits at least the last Retry-After hint.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

// Retry runs op until it succeeds, returns a Permanent error, the attempt
// budget is spent or ctx is done. op receives the 1-based attempt number.
// notify, if set, is called before each wait. Retry returns the number of
// attempts made and the last error with any Permanent or RetryAfter wrapping removed.
func Retry(ctx context.Context, p RetryPolicy, op func(attempt int) error, notify func(err error, wait time.Duration)) (int, error) {
	p = p.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by attempts instead

	hinted := &hintedBackOff{BackOff: backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))} //nolint:gosec // MaxAttempts is positive
	policy := backoff.WithContext(hinted, ctx)

	attempts := 0
	operation := func() error {
		attempts++
		err := op(attempts)
		var ra *retryAfterError
		if errors.As(err, &ra) {
			hinted.hint = ra.wait
			return ra.err
		}
		return err
	}

	var notifyFn backoff.Notify
	if notify != nil {
		notifyFn = func(err error, wait time.Duration) { notify(err, wait) }
	}

	err := backoff.RetryNotify(operation, policy, notifyFn)
	return attempts, err
}
