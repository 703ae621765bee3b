package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/provider/resilience"
)

// DefaultRunFile is the run file read when no -config flag is given.
const DefaultRunFile = "config/ingest.yaml"

// runFile mirrors the YAML run file.
type runFile struct {
	API            apiFile             `yaml:"api"`
	Range          rangeFile           `yaml:"range"`
	SourceTimezone string              `yaml:"source_timezone"`
	MergePolicy    string              `yaml:"merge_policy" validate:"required"`
	Concurrency    int                 `yaml:"concurrency" validate:"gte=0,lte=64"`
	WindowTimeout  time.Duration       `yaml:"window_timeout" validate:"gte=0"`
	RejectSample   int                 `yaml:"reject_sample" validate:"gte=0"`
	Stations       []stationFile       `yaml:"stations" validate:"required,min=1,dive"`
	Metrics        []metricFile        `yaml:"metrics" validate:"required,min=1,dive"`
	Fields         airquality.FieldMap `yaml:"fields"`
	SummaryPath    string              `yaml:"summary_path"`
}

type apiFile struct {
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=0,lte=10"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
	PageSize        int           `yaml:"page_size" validate:"gte=0,lte=10000"`
}

type rangeFile struct {
	Start              string        `yaml:"start" validate:"required"`
	End                string        `yaml:"end" validate:"required"`
	MaxSpan            time.Duration `yaml:"max_span" validate:"required,gt=0"`
	GranularityMinutes int           `yaml:"granularity_minutes" validate:"gte=0"`
}

type stationFile struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name"`
}

type metricFile struct {
	Code       string `yaml:"code" validate:"required"`
	ID         string `yaml:"id" validate:"required"`
	Name       string `yaml:"name"`
	Unit       string `yaml:"unit"`
	Resolution string `yaml:"resolution" validate:"required,oneof=minute hour"`
}

// APIConfig configures the upstream client.
type APIConfig struct {
	BaseURL            string
	Timeout            time.Duration
	Retry              resilience.RetryPolicy
	GranularityMinutes int
	PageSize           int
}

// Run is the validated run configuration. It is built once by LoadRun and
// passed by value; accessors return copies of its slices.
type Run struct {
	API           APIConfig
	Start         time.Time
	End           time.Time
	MaxSpan       time.Duration
	Location      *time.Location
	MergePolicy   airquality.MergePolicy
	Concurrency   int
	WindowTimeout time.Duration
	RejectSample  int
	Fields        airquality.FieldMap
	SummaryPath   string

	stations []airquality.Station
	catalog  *airquality.MetricCatalog
}

// Stations returns the configured stations in file order.
func (r Run) Stations() []airquality.Station {
	return slices.Clone(r.stations)
}

// StationIDs returns the configured station ids in file order.
func (r Run) StationIDs() []airquality.StationID {
	ids := make([]airquality.StationID, len(r.stations))
	for i, s := range r.stations {
		ids[i] = s.ID
	}
	return ids
}

// Catalog returns the metric catalog.
func (r Run) Catalog() *airquality.MetricCatalog {
	return r.catalog
}

// PlannerConfig returns the window planner input.
func (r Run) PlannerConfig() airquality.PlannerConfig {
	return airquality.PlannerConfig{
		Stations: r.StationIDs(),
		Start:    r.Start,
		End:      r.End,
		MaxSpan:  r.MaxSpan,
	}
}

// LoadRun reads and validates the run file at path.
func LoadRun(path string) (Run, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return Run{}, fmt.Errorf("open run file: %w", err)
	}
	defer f.Close()

	return ParseRun(f)
}

// ParseRun decodes and validates a run file. Unknown keys are rejected.
func ParseRun(r io.Reader) (Run, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Run{}, fmt.Errorf("read run file: %w", err)
	}

	var file runFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return Run{}, fmt.Errorf("%w: run file is empty", ErrInvalidConfig)
		}
		return Run{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := newValidator().Struct(file); err != nil {
		return Run{}, validationError(err)
	}

	return file.build()
}

func (f runFile) build() (Run, error) {
	var errs []error

	loc, err := loadLocation(f.SourceTimezone)
	if err != nil {
		errs = append(errs, err)
	}

	start, err := parseBound("range.start", f.Range.Start, loc)
	if err != nil {
		errs = append(errs, err)
	}
	end, err := parseBound("range.end", f.Range.End, loc)
	if err != nil {
		errs = append(errs, err)
	}
	if err == nil && !start.IsZero() && !start.Before(end) {
		errs = append(errs, errors.New("range.start must be before range.end"))
	}

	policy, err := airquality.ParseMergePolicy(f.MergePolicy)
	if err != nil {
		errs = append(errs, fmt.Errorf("merge_policy: %w", err))
	}

	stations := make([]airquality.Station, 0, len(f.Stations))
	seen := make(map[string]struct{}, len(f.Stations))
	for _, s := range f.Stations {
		id := strings.TrimSpace(s.ID)
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("stations: duplicate id %q", id))
			continue
		}
		seen[id] = struct{}{}
		stations = append(stations, airquality.Station{ID: airquality.StationID(id), Name: s.Name})
	}

	fields := f.Fields
	defaults := airquality.DefaultFieldMap()
	if fields.TimestampField == "" {
		fields.TimestampField = defaults.TimestampField
	}
	if fields.MonitorPrefix == "" {
		fields.MonitorPrefix = defaults.MonitorPrefix
	}
	if fields.QualitySuffix == "" {
		fields.QualitySuffix = defaults.QualitySuffix
	}
	if err := fields.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fields: %w", err))
	}

	metrics := make([]airquality.Metric, 0, len(f.Metrics))
	for _, m := range f.Metrics {
		metrics = append(metrics, airquality.Metric{
			Code:       m.Code,
			ID:         airquality.MetricID(m.ID),
			Name:       m.Name,
			Unit:       m.Unit,
			Resolution: airquality.Resolution(m.Resolution),
		})
	}
	catalog, err := airquality.NewMetricCatalog(metrics)
	if err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	} else if err := catalog.Validate(fields); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	} else {
		for _, s := range stations {
			if len(catalog.StationCodes(fields, s.ID)) == 0 {
				errs = append(errs, fmt.Errorf("stations: station %q has no metric code %s%s_*", s.ID, fields.MonitorPrefix, s.ID))
			}
		}
	}

	granularity := f.Range.GranularityMinutes
	if granularity == 0 {
		granularity = 60
	}
	if f.Range.MaxSpan < time.Duration(granularity)*time.Minute {
		errs = append(errs, fmt.Errorf("range.max_span %s is shorter than the %d minute granularity", f.Range.MaxSpan, granularity))
	}

	if err := errors.Join(errs...); err != nil {
		return Run{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return Run{
		API: APIConfig{
			BaseURL: f.API.BaseURL,
			Timeout: f.API.Timeout,
			Retry: resilience.RetryPolicy{
				MaxAttempts:     f.API.MaxAttempts,
				InitialInterval: f.API.InitialInterval,
				MaxInterval:     f.API.MaxInterval,
			},
			GranularityMinutes: granularity,
			PageSize:           f.API.PageSize,
		},
		Start:         start,
		End:           end,
		MaxSpan:       f.Range.MaxSpan,
		Location:      loc,
		MergePolicy:   policy,
		Concurrency:   f.Concurrency,
		WindowTimeout: f.WindowTimeout,
		RejectSample:  f.RejectSample,
		Fields:        fields,
		SummaryPath:   f.SummaryPath,
		stations:      stations,
		catalog:       catalog,
	}, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = airquality.DefaultSourceTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("source_timezone: %w", err)
	}
	return loc, nil
}

// parseBound accepts RFC 3339 or a bare date, which is midnight in loc.
func parseBound(field, s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%s: %q is neither RFC 3339 nor YYYY-MM-DD", field, s)
}
