package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies this client for circuit breaker naming and the registry.
	Name string

	// Timeout is the request timeout for individual HTTP calls.
	// Default: 10 seconds
	Timeout time.Duration

	// CircuitBreaker is the circuit breaker configuration.
	// If nil, uses DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig

	// Registry, when set, receives the client and its success/failure outcomes.
	Registry *Registry

	// Transport is the base round tripper. It is always wrapped with otelhttp.
	// Default: http.DefaultTransport
	Transport http.RoundTripper
}

// DefaultClientConfig returns sensible defaults for the resilient client.
func DefaultClientConfig(name string) ClientConfig {
	cbConfig := DefaultCircuitBreakerConfig(name)
	return ClientConfig{
		Name:           name,
		Timeout:        10 * time.Second,
		CircuitBreaker: &cbConfig,
	}
}

// Client is an HTTP client guarded by a circuit breaker. 5xx and 429
// responses count as breaker failures but are still returned to the caller.
type Client struct {
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker[*http.Response]
	config         ClientConfig
}

// NewClient creates a new resilient HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	breakerCfg := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.CircuitBreaker != nil {
		breakerCfg = *cfg.CircuitBreaker
	}
	cb := NewCircuitBreaker[*http.Response](breakerCfg) //nolint:bodyclose // type param, not response

	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		circuitBreaker: cb,
		config:         cfg,
	}

	if cfg.Registry != nil {
		cfg.Registry.Register(c)
	}
	return c
}

// Name returns the client name, which is also its registry key.
func (c *Client) Name() string {
	return c.config.Name
}

// Do executes a single HTTP attempt through the circuit breaker.
// Returns ErrCircuitOpen without calling the server if the breaker is open.
// A non-nil response must be closed by the caller.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

// DoWithContext executes a single HTTP attempt with the given context.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.circuitBreaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller is responsible for closing
		r, err := c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			return nil, err
		}

		// Treat 5xx and 429 as errors for circuit breaker
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, &ServerError{StatusCode: r.StatusCode}
		}

		return r, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.recordFailure(ErrCircuitOpen)
			return nil, ErrCircuitOpen
		}

		c.recordFailure(err)

		var serverErr *ServerError
		if errors.As(err, &serverErr) && resp != nil {
			return resp, nil
		}
		return nil, err
	}

	c.recordSuccess()
	return resp, nil
}

func (c *Client) recordSuccess() {
	if c.config.Registry != nil {
		c.config.Registry.RecordSuccess(c.config.Name)
	}
}

func (c *Client) recordFailure(err error) {
	if c.config.Registry != nil {
		c.config.Registry.RecordFailure(c.config.Name, err)
	}
}

// ServerError represents an HTTP 5xx or 429 response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// CircuitBreakerState returns the current state of the circuit breaker.
func (c *Client) CircuitBreakerState() gobreaker.State {
	return c.circuitBreaker.State()
}

// CircuitBreakerCounts returns the current counts of the circuit breaker.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts {
	return c.circuitBreaker.Counts()
}
