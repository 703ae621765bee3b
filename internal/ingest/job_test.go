package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/airquality/rmcab"
	"github.com/breatheroute/aqingest/internal/ingest"
	"github.com/breatheroute/aqingest/internal/provider/resilience"
)

var day0 = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeFetcher serves three hourly PM10 values per window unless a window
// start is listed in fail.
type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[time.Time]error
	extra []airquality.RawRecord
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, w airquality.RequestWindow) (*rmcab.FetchResult, error) {
	f.calls.Add(1)

	f.mu.Lock()
	err := f.fail[w.Start]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := &rmcab.FetchResult{Window: w, Pages: 1, Attempts: 1, SummaryRows: 1}
	for i := range 3 {
		ts := w.Start.Add(time.Duration(i) * time.Hour)
		res.Records = append(res.Records, airquality.RawRecord{
			StationID:  w.StationID,
			MetricCode: "S_4_1",
			Timestamp:  airquality.FormatTimestamp(ts, time.UTC),
			Value:      "12.5",
			Row:        i,
		})
		res.Rows++
	}
	for _, raw := range f.extra {
		raw.StationID = w.StationID
		res.Records = append(res.Records, raw)
	}
	return res, nil
}

type fixture struct {
	repo    *airquality.InMemoryRepository
	fetcher *fakeFetcher
	deps    ingest.JobDeps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	planner, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: []airquality.StationID{"4", "6"},
		Start:    day0,
		End:      day0.Add(48 * time.Hour),
		MaxSpan:  24 * time.Hour,
	})
	require.NoError(t, err)

	catalog, err := airquality.NewMetricCatalog([]airquality.Metric{
		{Code: "S_4_1", ID: "PM10", Name: "PM10", Unit: "µg/m3", Resolution: airquality.ResolutionHour},
	})
	require.NoError(t, err)

	normalizer, err := airquality.NewNormalizer(catalog, time.UTC)
	require.NoError(t, err)

	repo := airquality.NewInMemoryRepository()
	writer, err := airquality.NewWriter(airquality.WriterConfig{
		Repository: repo,
		Policy:     airquality.MergeOverwrite,
		Catalog:    catalog,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	fetcher := &fakeFetcher{fail: map[time.Time]error{}}

	return &fixture{
		repo:    repo,
		fetcher: fetcher,
		deps: ingest.JobDeps{
			RunID:      "run-1",
			Planner:    planner,
			Fetcher:    fetcher,
			Normalizer: normalizer,
			Writer:     writer,
			Store:      repo,
			Logger:     zerolog.Nop(),
		},
	}
}

func (f *fixture) job(t *testing.T) *ingest.Job {
	t.Helper()
	job, err := ingest.NewJob(f.deps)
	require.NoError(t, err)
	return job
}

func (f *fixture) run(t *testing.T) *ingest.RunSummary {
	t.Helper()
	return f.job(t).Run(context.Background())
}

func TestNewJob_RequiresCollaborators(t *testing.T) {
	f := newFixture(t)

	deps := f.deps
	deps.Planner = nil
	_, err := ingest.NewJob(deps)
	assert.Error(t, err)

	deps = f.deps
	deps.Fetcher = nil
	_, err = ingest.NewJob(deps)
	assert.Error(t, err)

	deps = f.deps
	deps.RunID = ""
	_, err = ingest.NewJob(deps)
	assert.Error(t, err)
}

func TestJob_Run_AllWindowsSucceed(t *testing.T) {
	f := newFixture(t)

	summary := f.run(t)

	assert.Equal(t, ingest.StatusSucceeded, summary.Status)
	assert.Equal(t, 0, summary.ExitCode())
	assert.Equal(t, ingest.WindowCounts{Planned: 4, Attempted: 4, Succeeded: 4}, summary.Windows)
	assert.Equal(t, 12, summary.Records.Normalized)
	assert.Equal(t, 12, summary.Rows.Inserted)
	assert.Equal(t, 4, summary.SummaryRows)
	assert.Equal(t, airquality.MergeOverwrite, summary.MergePolicy)
	assert.Equal(t, 12, f.repo.Len())

	require.NotNil(t, summary.Store)
	assert.Equal(t, int64(12), summary.Store.TotalRows)
	assert.Equal(t, int64(2), summary.Store.Stations)

	require.Len(t, summary.Reports, 4)
	assert.Equal(t, airquality.StationID("4"), summary.Reports[0].StationID)
	assert.Equal(t, day0, summary.Reports[0].Start)
	assert.Equal(t, airquality.StationID("6"), summary.Reports[3].StationID)
	assert.Empty(t, summary.Failures())
}

func TestJob_Run_RerunUpdatesInsteadOfDuplicating(t *testing.T) {
	f := newFixture(t)

	f.run(t)
	f.deps.RunID = "run-2"
	summary := f.run(t)

	assert.Equal(t, 0, summary.Rows.Inserted)
	assert.Equal(t, 12, summary.Rows.Updated)
	assert.Equal(t, 12, f.repo.Len())
}

func TestJob_Run_FailedWindowDoesNotAbortSiblings(t *testing.T) {
	f := newFixture(t)
	failing := airquality.RequestWindow{StationID: "4", Start: day0.Add(24 * time.Hour), End: day0.Add(48 * time.Hour)}
	f.fetcher.fail[failing.Start] = &airquality.TransientFetchError{
		Window:     failing,
		Attempts:   3,
		StatusCode: 503,
		Err:        errors.New("unexpected status 503"),
	}

	summary := f.run(t)

	assert.Equal(t, ingest.StatusFailed, summary.Status)
	assert.Equal(t, 1, summary.ExitCode())
	// both stations share the failing start, so two windows fail
	assert.Equal(t, 2, summary.Windows.Failed)
	assert.Equal(t, 2, summary.Windows.Succeeded)
	assert.Equal(t, 6, f.repo.Len())

	failures := summary.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "transient_fetch", failures[0].ErrorClass)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Contains(t, failures[0].Reason, "503")
}

func TestJob_Run_UnhealthyStationDoesNotTripSiblings(t *testing.T) {
	var station4Calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stations/6/measurements" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		station4Calls.Add(1)
		from, err := airquality.ParseTimestamp(r.URL.Query().Get("from"), time.UTC)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pagination": map[string]int{"current_page": 1, "last_page": 1},
			"data": []map[string]string{
				{"datetime": airquality.FormatTimestamp(from, time.UTC), "S_4_1": "11"},
				{"datetime": airquality.FormatTimestamp(from.Add(time.Hour), time.UTC), "S_4_1": "12"},
			},
		})
	}))
	defer server.Close()

	breaker := resilience.DefaultCircuitBreakerConfig("rmcab")
	breaker.ReadyToTrip = resilience.TripAfterConsecutiveFailures(1)
	registry := resilience.NewRegistry()
	client, err := rmcab.NewClient(rmcab.ClientConfig{
		BaseURL:        server.URL,
		Retry:          resilience.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		CircuitBreaker: &breaker,
		Registry:       registry,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	f := newFixture(t)
	f.deps.Fetcher = client
	f.deps.Registry = registry
	f.deps.Config.Concurrency = 1

	summary := f.run(t)

	assert.Equal(t, 2, summary.Windows.Succeeded)
	assert.Equal(t, 2, summary.Windows.Failed)
	assert.Equal(t, int32(2), station4Calls.Load())
	assert.Equal(t, 4, f.repo.Len())
	for _, failure := range summary.Failures() {
		assert.Equal(t, airquality.StationID("6"), failure.StationID)
		assert.Equal(t, "transient_fetch", failure.ErrorClass)
	}

	require.Len(t, summary.Providers, 2)
	assert.Equal(t, "rmcab/4", summary.Providers[0].Name)
	assert.Equal(t, "closed", summary.Providers[0].CircuitState)
	assert.Equal(t, 2, summary.Providers[0].Successes)
	assert.Equal(t, "rmcab/6", summary.Providers[1].Name)
	assert.Equal(t, "open", summary.Providers[1].CircuitState)
}

func TestJob_Run_RejectedRecordsAreSampled(t *testing.T) {
	f := newFixture(t)
	f.fetcher.extra = []airquality.RawRecord{
		{MetricCode: "S_4_1", Timestamp: "2023-13-40", Value: "1", Row: 7},
		{MetricCode: "S_4_1", Timestamp: "01-03-2023 05:00", Value: "no data", Row: 8},
	}
	f.deps.Config = ingest.JobConfig{RejectSample: 2}

	summary := f.run(t)

	assert.Equal(t, ingest.StatusSucceeded, summary.Status)
	assert.Equal(t, 4, summary.Records.Rejected)
	assert.Equal(t, 4, summary.Records.Missing)
	require.Len(t, summary.Rejected, 2)
	assert.Equal(t, "timestamp", summary.Rejected[0].Field)
	assert.Equal(t, "2023-13-40", summary.Rejected[0].Timestamp)
	assert.Equal(t, 7, summary.Rejected[0].Row)
}

func TestJob_Run_CancelledBeforeStartSkipsEverything(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := f.job(t).Run(ctx)

	assert.Equal(t, 4, summary.Windows.Skipped)
	assert.Equal(t, 0, summary.Windows.Attempted)
	assert.Equal(t, int32(0), f.fetcher.calls.Load())
	assert.Equal(t, 1, summary.ExitCode())
	for _, r := range summary.Reports {
		assert.Equal(t, ingest.WindowSkipped, r.Status)
	}
}

// blockingFetcher holds the first window until released.
type blockingFetcher struct {
	*fakeFetcher
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
	innerErr atomic.Value
}

func (b *blockingFetcher) Fetch(ctx context.Context, w airquality.RequestWindow) (*rmcab.FetchResult, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		<-b.release
		if err := ctx.Err(); err != nil {
			b.innerErr.Store(err)
		}
	}
	return b.fakeFetcher.Fetch(ctx, w)
}

func TestJob_Run_StartedWindowCompletesAfterCancel(t *testing.T) {
	f := newFixture(t)
	blocking := &blockingFetcher{
		fakeFetcher: f.fetcher,
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	f.deps.Fetcher = blocking
	f.deps.Config = ingest.JobConfig{Concurrency: 1}

	job := f.job(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *ingest.RunSummary)
	go func() {
		done <- job.Run(ctx)
	}()

	<-blocking.started
	cancel()
	close(blocking.release)

	var summary *ingest.RunSummary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	assert.Nil(t, blocking.innerErr.Load(), "window context must not see run cancellation")
	assert.Equal(t, 1, summary.Windows.Succeeded)
	assert.Equal(t, 3, summary.Windows.Skipped)
	assert.Equal(t, 3, f.repo.Len())
}

type failingApplyRepository struct {
	*airquality.InMemoryRepository
}

func (r *failingApplyRepository) Apply(context.Context, airquality.MergePlan, airquality.ApplyMeta) (airquality.ApplyResult, error) {
	return airquality.ApplyResult{}, errors.New("disk full")
}

func TestJob_Run_StoreFailureIsReportedPerWindow(t *testing.T) {
	f := newFixture(t)
	catalog, err := airquality.NewMetricCatalog([]airquality.Metric{
		{Code: "S_4_1", ID: "PM10", Resolution: airquality.ResolutionHour},
	})
	require.NoError(t, err)
	writer, err := airquality.NewWriter(airquality.WriterConfig{
		Repository: &failingApplyRepository{InMemoryRepository: f.repo},
		Policy:     airquality.MergeKeepFirst,
		Catalog:    catalog,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	f.deps.Writer = writer

	summary := f.run(t)

	assert.Equal(t, 4, summary.Windows.Failed)
	for _, r := range summary.Failures() {
		assert.Equal(t, "store_write", r.ErrorClass)
	}
	assert.Equal(t, airquality.MergeKeepFirst, summary.MergePolicy)
}

func TestJob_Run_RecordsTelemetry(t *testing.T) {
	f := newFixture(t)
	failing := day0.Add(24 * time.Hour)
	f.fetcher.fail[failing] = &airquality.PermanentFetchError{Attempts: 1, StatusCode: 404, Err: errors.New("not found")}

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	metrics, err := ingest.NewMetrics(meterProvider.Meter("test"), tracerProvider.Tracer("test"))
	require.NoError(t, err)
	f.deps.Metrics = metrics

	f.run(t)

	spans := recorder.Ended()
	require.Len(t, spans, 4)
	failed := 0
	for _, span := range spans {
		assert.Equal(t, "ingest.window", span.Name())
		if span.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(4), sums["ingest.windows"])
	assert.Equal(t, int64(6), sums["ingest.rows"])
	assert.Equal(t, int64(6), sums["ingest.records"])
}

func TestRunSummary_WriteFile(t *testing.T) {
	f := newFixture(t)
	summary := f.run(t)

	path := filepath.Join(t.TempDir(), "out", "summary.json")
	require.NoError(t, summary.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "succeeded", decoded["status"])
	assert.Equal(t, "overwrite", decoded["merge_policy"])

	windows, ok := decoded["windows"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(4), windows["succeeded"])
}
