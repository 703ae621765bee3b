// Package rmcab provides a client for the RMCAB station report API.
package rmcab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/provider/resilience"
)

const (
	// ProviderName identifies this provider.
	ProviderName = "rmcab"

	// maxBodyBytes caps a single page body.
	maxBodyBytes = 32 << 20
)

// ClientConfig holds configuration for the RMCAB client.
type ClientConfig struct {
	// BaseURL is the API base URL. Required.
	BaseURL string

	// HTTPClient, when set, serves every station. When nil each station gets
	// its own resilient client and circuit breaker, named rmcab/<station>, so
	// a failing station cannot open the breaker of its siblings.
	HTTPClient HTTPDoer

	// CircuitBreaker is the template for the per-station breakers.
	// Default: resilience.DefaultCircuitBreakerConfig.
	CircuitBreaker *resilience.CircuitBreakerConfig

	// Transport is the base round tripper of the per-station clients.
	Transport http.RoundTripper

	// MaxSpan rejects windows longer than the documented upstream maximum.
	// Zero disables the check.
	MaxSpan time.Duration

	// Timeout for individual API requests (default: 30s).
	Timeout time.Duration

	// Retry bounds the attempts per window.
	Retry resilience.RetryPolicy

	// Fields names the upstream row fields. Default: airquality.DefaultFieldMap().
	Fields airquality.FieldMap

	// Location is the zone of the from/to query parameters. Default: UTC.
	Location *time.Location

	// GranularityMinutes is sent as the report granularity (default: 60).
	GranularityMinutes int

	// PageSize is sent as per_page when positive. Zero leaves the server default.
	PageSize int

	// Registry, when set, tracks the health of every per-station client.
	Registry *resilience.Registry

	Logger zerolog.Logger
}

// HTTPDoer abstracts HTTP request execution.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is an RMCAB API client.
type Client struct {
	baseURL     string
	shared      HTTPDoer
	newDoer     func(station airquality.StationID) HTTPDoer
	mu          sync.Mutex
	doers       map[airquality.StationID]HTTPDoer
	maxSpan     time.Duration
	retry       resilience.RetryPolicy
	fields      airquality.FieldMap
	loc         *time.Location
	granularity int
	pageSize    int
	logger      zerolog.Logger
}

// NewClient creates a new RMCAB client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rmcab: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rmcab: invalid base url: %w", err)
	}

	fields := cfg.Fields
	if fields == (airquality.FieldMap{}) {
		fields = airquality.DefaultFieldMap()
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	granularity := cfg.GranularityMinutes
	if granularity <= 0 {
		granularity = 60
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	breaker := resilience.DefaultCircuitBreakerConfig(ProviderName)
	if cfg.CircuitBreaker != nil {
		breaker = *cfg.CircuitBreaker
	}
	if breaker.OnStateChange == nil {
		breaker.OnStateChange = resilience.LogStateChanges(cfg.Logger)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		shared:  cfg.HTTPClient,
		newDoer: func(station airquality.StationID) HTTPDoer {
			name := StationProviderName(station)
			cb := breaker
			cb.Name = name
			return resilience.NewClient(resilience.ClientConfig{
				Name:           name,
				Timeout:        timeout,
				CircuitBreaker: &cb,
				Registry:       cfg.Registry,
				Transport:      cfg.Transport,
			})
		},
		doers:       make(map[airquality.StationID]HTTPDoer),
		maxSpan:     cfg.MaxSpan,
		retry:       cfg.Retry,
		fields:      fields,
		loc:         loc,
		granularity: granularity,
		pageSize:    cfg.PageSize,
		logger:      cfg.Logger.With().Str("provider", ProviderName).Logger(),
	}, nil
}

// StationProviderName is the breaker and registry name of a station's client.
func StationProviderName(station airquality.StationID) string {
	return ProviderName + "/" + string(station)
}

// doer returns the HTTP client of station, creating it on first use.
func (c *Client) doer(station airquality.StationID) HTTPDoer {
	if c.shared != nil {
		return c.shared
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.doers[station]
	if !ok {
		d = c.newDoer(station)
		c.doers[station] = d
	}
	return d
}

// attemptError classifies the failure of one attempt.
type attemptError struct {
	status    int
	transient bool
	err       error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func transient(status int, err error) error {
	return &attemptError{status: status, transient: true, err: err}
}

func permanent(status int, err error) error {
	return resilience.Permanent(&attemptError{status: status, err: err})
}

// Fetch retrieves every page of a window. A transient failure on any page
// restarts the window from page 1 until the retry budget is spent.
func (c *Client) Fetch(ctx context.Context, w airquality.RequestWindow) (*FetchResult, error) {
	start := time.Now()
	logger := c.logger.With().
		Str("station_id", string(w.StationID)).
		Time("window_start", w.Start).
		Time("window_end", w.End).
		Logger()

	if err := w.Validate(c.maxSpan); err != nil {
		return nil, &airquality.PermanentFetchError{Window: w, Err: err}
	}

	var result *FetchResult
	attempts, err := resilience.Retry(ctx, c.retry, func(attempt int) error {
		res, err := c.fetchWindow(ctx, w)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("window fetch attempt failed")
			return err
		}
		result = res
		return nil
	}, nil)

	if err != nil {
		return nil, c.classify(w, attempts, err)
	}

	result.Attempts = attempts
	result.Duration = time.Since(start)

	if result.Empty() {
		logger.Info().Int("pages", result.Pages).Msg("window returned no measurements")
	} else {
		logger.Debug().
			Int("rows", result.Rows).
			Int("records", len(result.Records)).
			Int("summary_rows", result.SummaryRows).
			Int("pages", result.Pages).
			Int("attempt", attempts).
			Msg("window fetched")
	}
	return result, nil
}

func (c *Client) classify(w airquality.RequestWindow, attempts int, err error) error {
	var ae *attemptError
	if errors.As(err, &ae) {
		if ae.transient {
			return &airquality.TransientFetchError{Window: w, Attempts: attempts, StatusCode: ae.status, Err: ae.err}
		}
		return &airquality.PermanentFetchError{Window: w, Attempts: attempts, StatusCode: ae.status, Err: ae.err}
	}
	// context expiry or anything unclassified is retryable by a later run
	return &airquality.TransientFetchError{Window: w, Attempts: attempts, Err: err}
}

func (c *Client) fetchWindow(ctx context.Context, w airquality.RequestWindow) (*FetchResult, error) {
	res := &FetchResult{Window: w}
	lastPage := 0

	for pageNum := 1; ; pageNum++ {
		p, err := c.fetchPage(ctx, w, pageNum)
		if err != nil {
			return nil, err
		}
		res.Pages++

		for _, row := range p.Rows {
			ts := cellString(row[c.fields.TimestampField])
			if isSummaryRow(ts) {
				res.SummaryRows++
				continue
			}
			res.Records = append(res.Records, explodeRow(w.StationID, c.fields, row, res.Rows)...)
			res.Rows++
		}

		if p.Pagination == nil {
			return res, nil
		}
		if p.Pagination.CurrentPage != pageNum {
			return nil, transient(http.StatusOK, fmt.Errorf("page sequence broken: asked for %d, got %d", pageNum, p.Pagination.CurrentPage))
		}
		if pageNum == 1 {
			lastPage = p.Pagination.LastPage
		} else if p.Pagination.LastPage != lastPage {
			return nil, transient(http.StatusOK, fmt.Errorf("last page changed from %d to %d during pagination", lastPage, p.Pagination.LastPage))
		}
		if pageNum >= lastPage {
			return res, nil
		}
	}
}

func (c *Client) requestURL(w airquality.RequestWindow, pageNum int) string {
	q := url.Values{}
	q.Set("from", airquality.FormatTimestamp(w.Start, c.loc))
	q.Set("to", airquality.FormatTimestamp(w.End, c.loc))
	q.Set("granularity", strconv.Itoa(c.granularity))
	q.Set("page", strconv.Itoa(pageNum))
	if c.pageSize > 0 {
		q.Set("per_page", strconv.Itoa(c.pageSize))
	}
	return fmt.Sprintf("%s/stations/%s/measurements?%s", c.baseURL, url.PathEscape(string(w.StationID)), q.Encode())
}

func (c *Client) fetchPage(ctx context.Context, w airquality.RequestWindow, pageNum int) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(w, pageNum), http.NoBody)
	if err != nil {
		return nil, permanent(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer(w.StationID).Do(req)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			// only this station's breaker is open; waiting it out inside the
			// retry budget would not help
			return nil, resilience.Permanent(&attemptError{transient: true, err: err})
		}
		return nil, transient(0, fmt.Errorf("fetch page %d: %w", pageNum, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		err := transient(resp.StatusCode, fmt.Errorf("rate limited on page %d", pageNum))
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return nil, resilience.RetryAfter(err, wait)
		}
		return nil, err
	case resp.StatusCode >= 500:
		return nil, transient(resp.StatusCode, fmt.Errorf("unexpected status %d on page %d", resp.StatusCode, pageNum))
	default:
		return nil, permanent(resp.StatusCode, fmt.Errorf("unexpected status %d on page %d", resp.StatusCode, pageNum))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transient(resp.StatusCode, fmt.Errorf("read page %d: %w", pageNum, err))
	}

	p, err := decodePage(body)
	if err != nil {
		return nil, transient(resp.StatusCode, fmt.Errorf("decode page %d: %w", pageNum, err))
	}
	return p, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
