package ingest

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/provider/resilience"
)

// Window outcomes.
const (
	WindowSucceeded = "succeeded"
	WindowFailed    = "failed"
	WindowSkipped   = "skipped"
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// WindowReport is the outcome of one request window.
type WindowReport struct {
	StationID  airquality.StationID      `json:"station_id"`
	Start      time.Time                 `json:"start"`
	End        time.Time                 `json:"end"`
	Status     string                    `json:"status"`
	Reason     string                    `json:"reason,omitempty"`
	ErrorClass string                    `json:"error_class,omitempty"`
	Attempts   int                       `json:"attempts,omitempty"`
	Pages      int                       `json:"pages,omitempty"`
	Rows       int                       `json:"rows"`
	Records    airquality.NormalizeStats `json:"records"`
	Store      airquality.ApplyResult    `json:"store"`
	Duration   time.Duration             `json:"duration_ns"`

	rejected    []*airquality.MalformedRecordError
	summaryRows int
}

// WindowCounts tallies window outcomes.
type WindowCounts struct {
	Planned   int `json:"planned"`
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RejectedRecord is a raw payload the normalizer refused.
type RejectedRecord struct {
	StationID  airquality.StationID `json:"station_id"`
	MetricCode string               `json:"metric_code"`
	Timestamp  string               `json:"timestamp"`
	Value      string               `json:"value"`
	Quality    string               `json:"quality,omitempty"`
	Row        int                  `json:"row"`
	Field      string               `json:"field"`
	Reason     string               `json:"reason"`
}

// ProviderStatus is the upstream health at the end of the run.
type ProviderStatus struct {
	Name         string `json:"name"`
	CircuitState string `json:"circuit_state"`
	Successes    int    `json:"successes"`
	Failures     int    `json:"failures"`
	Rejected     int    `json:"rejected"`
	LastError    string `json:"last_error,omitempty"`
}

// RunSummary reports the outcome of an ingestion run.
type RunSummary struct {
	RunID       string                    `json:"run_id"`
	Status      string                    `json:"status"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
	Duration    time.Duration             `json:"duration_ns"`
	MergePolicy airquality.MergePolicy    `json:"merge_policy"`
	Windows     WindowCounts              `json:"windows"`
	Records     airquality.NormalizeStats `json:"records"`
	Rows        airquality.ApplyResult    `json:"rows"`
	SummaryRows int                       `json:"summary_rows"`
	Reports     []WindowReport            `json:"reports"`
	Rejected    []RejectedRecord          `json:"rejected_sample,omitempty"`
	Providers   []ProviderStatus          `json:"providers,omitempty"`
	Store       *airquality.StoreStats    `json:"store,omitempty"`
}

func newRunSummary(runID string, policy airquality.MergePolicy, planned int, startedAt time.Time) *RunSummary {
	return &RunSummary{
		RunID:       runID,
		StartedAt:   startedAt,
		MergePolicy: policy,
		Windows:     WindowCounts{Planned: planned},
		Reports:     make([]WindowReport, 0, planned),
	}
}

// add folds a window report into the summary.
func (s *RunSummary) add(r WindowReport, sample int) {
	switch r.Status {
	case WindowSucceeded:
		s.Windows.Attempted++
		s.Windows.Succeeded++
	case WindowFailed:
		s.Windows.Attempted++
		s.Windows.Failed++
	case WindowSkipped:
		s.Windows.Skipped++
	}

	s.Records.Add(r.Records)
	s.Rows.Add(r.Store)
	s.SummaryRows += r.summaryRows

	for _, merr := range r.rejected {
		if len(s.Rejected) >= sample {
			break
		}
		s.Rejected = append(s.Rejected, RejectedRecord{
			StationID:  merr.Raw.StationID,
			MetricCode: merr.Raw.MetricCode,
			Timestamp:  merr.Raw.Timestamp,
			Value:      merr.Raw.Value,
			Quality:    merr.Raw.Quality,
			Row:        merr.Raw.Row,
			Field:      merr.Field,
			Reason:     merr.Reason,
		})
	}

	s.Reports = append(s.Reports, r)
}

// sortReports orders reports by station, then window start.
func (s *RunSummary) sortReports() {
	slices.SortFunc(s.Reports, func(a, b WindowReport) int {
		if c := cmp.Compare(a.StationID, b.StationID); c != 0 {
			return c
		}
		return a.Start.Compare(b.Start)
	})
}

func (s *RunSummary) finish(finishedAt time.Time) {
	s.FinishedAt = finishedAt
	s.Duration = finishedAt.Sub(s.StartedAt)
	if s.Windows.Succeeded == s.Windows.Planned {
		s.Status = StatusSucceeded
	} else {
		s.Status = StatusFailed
	}
}

func (s *RunSummary) setProviders(health []resilience.ProviderHealth) {
	for _, h := range health {
		s.Providers = append(s.Providers, ProviderStatus{
			Name:         h.Name,
			CircuitState: h.CircuitState.String(),
			Successes:    h.Successes,
			Failures:     h.Failures,
			Rejected:     h.Rejected,
			LastError:    h.LastError,
		})
	}
}

// ExitCode maps the run outcome to the process exit status:
// 0 when every planned window succeeded, 1 otherwise.
func (s *RunSummary) ExitCode() int {
	if s.Status == StatusSucceeded {
		return 0
	}
	return 1
}

// Failures returns the reports of windows that did not succeed.
func (s *RunSummary) Failures() []WindowReport {
	var out []WindowReport
	for _, r := range s.Reports {
		if r.Status != WindowSucceeded {
			out = append(out, r)
		}
	}
	return out
}

// Log emits the summary as a single structured event.
func (s *RunSummary) Log(logger zerolog.Logger) {
	event := logger.Info()
	if s.Status != StatusSucceeded {
		event = logger.Warn()
	}

	event = event.
		Str("run_id", s.RunID).
		Str("status", s.Status).
		Dur("duration", s.Duration).
		Int("windows_planned", s.Windows.Planned).
		Int("windows_succeeded", s.Windows.Succeeded).
		Int("windows_failed", s.Windows.Failed).
		Int("windows_skipped", s.Windows.Skipped).
		Int("records_normalized", s.Records.Normalized).
		Int("records_rejected", s.Records.Rejected).
		Int("records_missing", s.Records.Missing).
		Int("rows_inserted", s.Rows.Inserted).
		Int("rows_updated", s.Rows.Updated).
		Int("rows_skipped", s.Rows.Skipped)

	if s.Store != nil {
		event = event.Int64("store_rows", s.Store.TotalRows)
	}
	event.Msg("ingestion run finished")

	for _, r := range s.Failures() {
		logger.Warn().
			Str("run_id", s.RunID).
			Str("station_id", string(r.StationID)).
			Time("window_start", r.Start).
			Time("window_end", r.End).
			Str("status", r.Status).
			Str("error_class", r.ErrorClass).
			Int("attempts", r.Attempts).
			Str("reason", r.Reason).
			Msg("window not ingested")
	}
}

// JSON encodes the summary.
func (s *RunSummary) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// WriteFile writes the JSON summary to path, creating parent directories.
func (s *RunSummary) WriteFile(path string) error {
	data, err := s.JSON()
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create summary dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil { //nolint:gosec // summary is not secret
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
