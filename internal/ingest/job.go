package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/airquality/rmcab"
	"github.com/breatheroute/aqingest/internal/provider/resilience"
	"github.com/breatheroute/aqingest/internal/telemetry"
)

// Fetcher retrieves every raw record of one request window.
type Fetcher interface {
	Fetch(ctx context.Context, w airquality.RequestWindow) (*rmcab.FetchResult, error)
}

// StatsReader reports store statistics at the end of a run.
type StatsReader interface {
	Stats(ctx context.Context) (airquality.StoreStats, error)
}

// JobDeps holds the collaborators of a Job.
type JobDeps struct {
	Config     JobConfig
	RunID      string
	Planner    *airquality.Planner
	Fetcher    Fetcher
	Normalizer *airquality.Normalizer
	Writer     *airquality.Writer

	// Store, when set, provides the final statistics of the summary.
	Store StatsReader

	// Registry, when set, provides upstream health for the summary.
	Registry *resilience.Registry

	// Metrics defaults to instruments on the global OpenTelemetry providers.
	Metrics *Metrics

	Logger zerolog.Logger

	// Now is overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// Job runs one ingestion pass over the planned windows.
type Job struct {
	config     JobConfig
	runID      string
	planner    *airquality.Planner
	fetcher    Fetcher
	normalizer *airquality.Normalizer
	writer     *airquality.Writer
	store      StatsReader
	registry   *resilience.Registry
	metrics    *Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// NewJob creates an ingestion job.
func NewJob(deps JobDeps) (*Job, error) {
	switch {
	case deps.Planner == nil:
		return nil, errors.New("ingest: planner is required")
	case deps.Fetcher == nil:
		return nil, errors.New("ingest: fetcher is required")
	case deps.Normalizer == nil:
		return nil, errors.New("ingest: normalizer is required")
	case deps.Writer == nil:
		return nil, errors.New("ingest: writer is required")
	case deps.RunID == "":
		return nil, errors.New("ingest: run id is required")
	}

	metrics := deps.Metrics
	if metrics == nil {
		m, err := NewMetrics(telemetry.Meter(instrumentationName), telemetry.Tracer(instrumentationName))
		if err != nil {
			return nil, err
		}
		metrics = m
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Job{
		config:     deps.Config.withDefaults(),
		runID:      deps.RunID,
		planner:    deps.Planner,
		fetcher:    deps.Fetcher,
		normalizer: deps.Normalizer,
		writer:     deps.Writer,
		store:      deps.Store,
		registry:   deps.Registry,
		metrics:    metrics,
		logger:     deps.Logger.With().Str("run_id", deps.RunID).Logger(),
		now:        now,
	}, nil
}

// Run processes every planned window with a bounded worker pool.
// Cancelling ctx stops workers from starting new windows; those windows are
// reported as skipped. A started window always runs to completion.
func (j *Job) Run(ctx context.Context) *RunSummary {
	total := j.planner.Count()
	summary := newRunSummary(j.runID, j.writer.Policy(), total, j.now())

	j.logger.Info().
		Int("windows", total).
		Int("stations", len(j.planner.Stations())).
		Int("concurrency", j.config.Concurrency).
		Str("merge_policy", string(j.writer.Policy())).
		Msg("starting ingestion run")

	windowsChan := make(chan airquality.RequestWindow, total)
	resultsChan := make(chan WindowReport, total)

	var wg sync.WaitGroup
	for i := 0; i < j.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.worker(ctx, windowsChan, resultsChan)
		}()
	}

	for w := range j.planner.Windows() {
		windowsChan <- w
	}
	close(windowsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for r := range resultsChan {
		summary.add(r, j.config.RejectSample)
	}

	if j.registry != nil {
		summary.setProviders(j.registry.Snapshot())
	}
	if j.store != nil {
		statsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		stats, err := j.store.Stats(statsCtx)
		cancel()
		if err != nil {
			j.logger.Warn().Err(err).Msg("failed to read final store statistics")
		} else {
			summary.Store = &stats
		}
	}

	summary.sortReports()
	summary.finish(j.now())
	return summary
}

func (j *Job) worker(ctx context.Context, windows <-chan airquality.RequestWindow, results chan<- WindowReport) {
	for w := range windows {
		if err := ctx.Err(); err != nil {
			results <- WindowReport{
				StationID: w.StationID,
				Start:     w.Start,
				End:       w.End,
				Status:    WindowSkipped,
				Reason:    "run cancelled before the window started",
			}
			continue
		}
		results <- j.processWindow(ctx, w)
	}
}

// processWindow fetches, normalizes and writes one window. The window runs on
// a context detached from run cancellation and bounded by WindowTimeout.
func (j *Job) processWindow(parent context.Context, w airquality.RequestWindow) WindowReport {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), j.config.WindowTimeout)
	defer cancel()

	ctx, span := j.metrics.startWindow(ctx, j.runID, w)
	defer span.End()

	logger := j.logger.With().
		Str("station_id", string(w.StationID)).
		Time("window_start", w.Start).
		Time("window_end", w.End).
		Logger()

	report := WindowReport{StationID: w.StationID, Start: w.Start, End: w.End}
	finish := func(status string, err error) WindowReport {
		report.Status = status
		report.Duration = time.Since(start)
		if err != nil {
			report.Reason = err.Error()
			report.ErrorClass = airquality.ErrorClass(err)
			logger.Error().Err(err).
				Str("error_class", report.ErrorClass).
				Int("attempts", report.Attempts).
				Msg("window failed")
		}
		j.metrics.recordWindow(ctx, report, span)
		return report
	}

	fetchStart := time.Now()
	fetched, err := j.fetcher.Fetch(ctx, w)
	if err != nil {
		report.Attempts = attemptsOf(err)
		j.metrics.recordFetch(ctx, time.Since(fetchStart).Seconds(), report.Attempts, WindowFailed)
		return finish(WindowFailed, err)
	}
	j.metrics.recordFetch(ctx, time.Since(fetchStart).Seconds(), fetched.Attempts, WindowSucceeded)

	report.Attempts = fetched.Attempts
	report.Pages = fetched.Pages
	report.Rows = fetched.Rows
	report.summaryRows = fetched.SummaryRows

	normalized := j.normalizer.NormalizeAll(w.StationID, fetched.Records)
	report.Records = normalized.Stats
	report.rejected = normalized.Errors
	for _, merr := range normalized.Errors {
		logger.Debug().Err(merr).Str("field", merr.Field).Msg("record rejected")
	}

	written, err := j.writer.Write(ctx, j.runID, normalized.Records)
	if err != nil {
		return finish(WindowFailed, err)
	}
	report.Store = written.Result

	logger.Info().
		Int("rows", report.Rows).
		Int("records", report.Records.Normalized).
		Int("rejected", report.Records.Rejected).
		Int("inserted", report.Store.Inserted).
		Int("updated", report.Store.Updated).
		Int("skipped", report.Store.Skipped).
		Int("attempts", report.Attempts).
		Msg("window ingested")

	return finish(WindowSucceeded, nil)
}

func attemptsOf(err error) int {
	var transient *airquality.TransientFetchError
	if errors.As(err, &transient) {
		return transient.Attempts
	}
	var permanent *airquality.PermanentFetchError
	if errors.As(err, &permanent) {
		return permanent.Attempts
	}
	return 0
}
