// Package main provides the entrypoint for the air-quality ingestion run.
//
// Exit status: 0 when every planned window was ingested, 1 when any window
// failed or was skipped, 2 when the run could not start.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/airquality/rmcab"
	"github.com/breatheroute/aqingest/internal/config"
	"github.com/breatheroute/aqingest/internal/ingest"
	"github.com/breatheroute/aqingest/internal/provider/resilience"
	"github.com/breatheroute/aqingest/internal/store"
	"github.com/breatheroute/aqingest/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	serviceName = "aqingest-ingest"

	exitStartup = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultRunFile, "path of the YAML run file")
	runID := flag.String("run-id", "", "run identifier stored with every row (default: random UUID)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	settings, err := config.SettingsFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}

	log := settings.Logger(serviceName, Version)
	log.Info().
		Str("build_time", BuildTime).
		Str("config", *configPath).
		Msg("starting ingestion")

	runCfg, err := config.LoadRun(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("invalid run file")
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, settings.Telemetry(serviceName, Version))
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize telemetry")
		return exitStartup
	}
	defer func() {
		if err := tp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	repo, err := store.Open(ctx, settings, log)
	if err != nil {
		log.Error().Err(err).Str("driver", settings.StoreDriver).Msg("failed to open store")
		return exitStartup
	}
	defer repo.Close()

	if err := repo.SyncCatalog(ctx, runCfg.Stations(), runCfg.Catalog().Metrics()); err != nil {
		log.Error().Err(err).Msg("failed to sync station and metric catalog")
		return exitStartup
	}

	id := *runID
	if id == "" {
		id = uuid.NewString()
	}

	job, err := newJob(id, runCfg, repo, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to build ingestion job")
		return exitStartup
	}

	summary := job.Run(ctx)
	summary.Log(log)

	if runCfg.SummaryPath != "" {
		if err := summary.WriteFile(runCfg.SummaryPath); err != nil {
			log.Error().Err(err).Str("path", runCfg.SummaryPath).Msg("failed to write run summary")
		} else {
			log.Info().Str("path", runCfg.SummaryPath).Msg("run summary written")
		}
	}

	if settings.PubSubTopic != "" {
		publishSummary(settings, summary, log)
	}

	return summary.ExitCode()
}

func newJob(runID string, runCfg config.Run, repo airquality.Repository, log zerolog.Logger) (*ingest.Job, error) {
	planner, err := airquality.NewPlanner(runCfg.PlannerConfig())
	if err != nil {
		return nil, fmt.Errorf("plan windows: %w", err)
	}

	registry := resilience.NewRegistry()
	client, err := rmcab.NewClient(rmcab.ClientConfig{
		BaseURL:            runCfg.API.BaseURL,
		Timeout:            runCfg.API.Timeout,
		Retry:              runCfg.API.Retry,
		Fields:             runCfg.Fields,
		Location:           runCfg.Location,
		GranularityMinutes: runCfg.API.GranularityMinutes,
		PageSize:           runCfg.API.PageSize,
		MaxSpan:            runCfg.MaxSpan,
		Registry:           registry,
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}

	normalizer, err := airquality.NewNormalizer(runCfg.Catalog(), runCfg.Location)
	if err != nil {
		return nil, err
	}

	writer, err := airquality.NewWriter(airquality.WriterConfig{
		Repository: repo,
		Policy:     runCfg.MergePolicy,
		Catalog:    runCfg.Catalog(),
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	return ingest.NewJob(ingest.JobDeps{
		Config: ingest.JobConfig{
			Concurrency:   runCfg.Concurrency,
			WindowTimeout: runCfg.WindowTimeout,
			RejectSample:  runCfg.RejectSample,
		},
		RunID:      runID,
		Planner:    planner,
		Fetcher:    client,
		Normalizer: normalizer,
		Writer:     writer,
		Store:      repo,
		Registry:   registry,
		Logger:     log,
	})
}

// publishSummary sends the summary to Pub/Sub. The run outcome is already
// decided, so failures are only logged.
func publishSummary(settings config.Settings, summary *ingest.RunSummary, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	publisher, err := ingest.NewPubSubPublisher(ctx, ingest.PubSubConfig{
		ProjectID: settings.PubSubProjectID,
		Topic:     settings.PubSubTopic,
		Logger:    log,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create summary publisher")
		return
	}
	defer publisher.Close()

	if err := publisher.Publish(ctx, summary); err != nil {
		log.Error().Err(err).Str("topic", settings.PubSubTopic).Msg("failed to publish run summary")
	}
}
