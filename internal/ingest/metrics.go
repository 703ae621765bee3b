package ingest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/breatheroute/aqingest/internal/airquality"
)

const instrumentationName = "github.com/breatheroute/aqingest/internal/ingest"

// Metrics holds the OpenTelemetry instruments of an ingestion run.
type Metrics struct {
	tracer trace.Tracer

	windows       metric.Int64Counter
	records       metric.Int64Counter
	rows          metric.Int64Counter
	fetchDuration metric.Float64Histogram
	fetchAttempts metric.Int64Histogram
}

// NewMetrics creates the ingestion instruments.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	windows, err := meter.Int64Counter(
		"ingest.windows",
		metric.WithDescription("Request windows processed, by outcome"),
		metric.WithUnit("{window}"),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Counter(
		"ingest.records",
		metric.WithDescription("Raw records seen by the normalizer, by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	rows, err := meter.Int64Counter(
		"ingest.rows",
		metric.WithDescription("Store rows written, by operation"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	fetchDuration, err := meter.Float64Histogram(
		"ingest.fetch.duration",
		metric.WithDescription("Duration of a window fetch including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	fetchAttempts, err := meter.Int64Histogram(
		"ingest.fetch.attempts",
		metric.WithDescription("Attempts used to fetch a window"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		tracer:        tracer,
		windows:       windows,
		records:       records,
		rows:          rows,
		fetchDuration: fetchDuration,
		fetchAttempts: fetchAttempts,
	}, nil
}

func (m *Metrics) startWindow(ctx context.Context, runID string, w airquality.RequestWindow) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ingest.window",
		trace.WithAttributes(
			attribute.String("ingest.run_id", runID),
			attribute.String("ingest.station_id", string(w.StationID)),
			attribute.String("ingest.window_start", w.Start.Format(time.RFC3339)),
			attribute.String("ingest.window_end", w.End.Format(time.RFC3339)),
		),
	)
}

func (m *Metrics) recordFetch(ctx context.Context, seconds float64, attempts int, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.fetchDuration.Record(ctx, seconds, attrs)
	if attempts > 0 {
		m.fetchAttempts.Record(ctx, int64(attempts), attrs)
	}
}

func (m *Metrics) recordWindow(ctx context.Context, r WindowReport, span trace.Span) {
	m.windows.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", r.Status),
		attribute.String("error_class", r.ErrorClass),
	))

	m.addRecords(ctx, "normalized", r.Records.Normalized)
	m.addRecords(ctx, "rejected", r.Records.Rejected)
	m.addRecords(ctx, "missing", r.Records.Missing)

	m.addRows(ctx, "inserted", r.Store.Inserted)
	m.addRows(ctx, "updated", r.Store.Updated)
	m.addRows(ctx, "skipped", r.Store.Skipped)

	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("ingest.status", r.Status),
		attribute.Int("ingest.attempts", r.Attempts),
		attribute.Int("ingest.rows", r.Rows),
		attribute.Int("ingest.records.rejected", r.Records.Rejected),
		attribute.Int("ingest.store.inserted", r.Store.Inserted),
		attribute.Int("ingest.store.updated", r.Store.Updated),
	)
	if r.Status == WindowFailed {
		span.SetAttributes(attribute.String("ingest.error_class", r.ErrorClass))
		span.SetStatus(codes.Error, r.Reason)
	}
}

func (m *Metrics) addRecords(ctx context.Context, outcome string, n int) {
	if n > 0 {
		m.records.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *Metrics) addRows(ctx context.Context, op string, n int) {
	if n > 0 {
		m.rows.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
	}
}
