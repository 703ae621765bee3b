// Package airquality provides the ingestion pipeline for station air-quality
// measurements: window planning, normalization, deduplication and the
// merge-safe store writer.
package airquality

import (
	"errors"
	"time"
)

// Domain errors.
var (
	ErrInvalidWindow      = errors.New("invalid request window")
	ErrNoStations         = errors.New("no stations configured")
	ErrUnknownMergePolicy = errors.New("unknown merge policy")
	ErrStoreUnavailable   = errors.New("measurement store unavailable")
)

// StationID identifies a monitoring station in the upstream network.
type StationID string

// MetricID is the canonical name of a measured variable (e.g. "PM2.5").
type MetricID string

// Quality is the canonical three-state quality flag.
type Quality string

const (
	QualityValid   Quality = "valid"
	QualitySuspect Quality = "suspect"
	QualityMissing Quality = "missing"
)

// Valid reports whether q is one of the three canonical flags.
func (q Quality) Valid() bool {
	switch q {
	case QualityValid, QualitySuspect, QualityMissing:
		return true
	}
	return false
}

// Resolution is the fixed timestamp granularity of a metric.
type Resolution string

const (
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
)

// Duration returns the length of one resolution step.
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionMinute:
		return time.Minute
	case ResolutionHour:
		return time.Hour
	default:
		return 0
	}
}

// Minutes returns the resolution expressed in minutes.
func (r Resolution) Minutes() int {
	return int(r.Duration() / time.Minute)
}

// Station is a monitoring location. Name is metadata only.
type Station struct {
	ID   StationID
	Name string
}

// Metric describes a canonical metric and the upstream code it is published under.
type Metric struct {
	Code       string
	ID         MetricID
	Name       string
	Unit       string
	Resolution Resolution
}

// RequestWindow is a bounded interval requested for one station.
type RequestWindow struct {
	StationID StationID
	Start     time.Time
	End       time.Time
}

// Span returns End - Start.
func (w RequestWindow) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// String renders the window for logs and error messages.
func (w RequestWindow) String() string {
	return string(w.StationID) + "[" + w.Start.UTC().Format(time.RFC3339) + "," + w.End.UTC().Format(time.RFC3339) + ")"
}

// RawRecord is a single measurement item as published upstream, before parsing.
type RawRecord struct {
	StationID  StationID
	MetricCode string
	Timestamp  string
	Value      string
	Quality    string

	// Row is the zero-based position of the upstream row the item came from.
	Row int
}

// Record is a normalized measurement.
// Value is nil if and only if Quality is QualityMissing.
type Record struct {
	StationID StationID
	MetricID  MetricID
	Timestamp time.Time
	Value     *float64
	Quality   Quality
}

// Key returns the uniqueness key of the record.
func (r Record) Key() Key {
	return Key{StationID: r.StationID, MetricID: r.MetricID, Timestamp: r.Timestamp.UTC()}
}

// Key identifies a stored row: (station, metric, timestamp).
type Key struct {
	StationID StationID
	MetricID  MetricID
	Timestamp time.Time
}

// KeySet is a set of keys.
type KeySet map[Key]struct{}

// NewKeySet builds a set from the given keys.
func NewKeySet(keys ...Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts k.
func (s KeySet) Add(k Key) {
	s[k] = struct{}{}
}

// Has reports whether k is present.
func (s KeySet) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// StoredRow is a record persisted in the measurement store.
type StoredRow struct {
	Record
	Resolution Resolution
	RunID      string
	IngestedAt time.Time
}

// RangeQuery selects stored rows for one station and metric in [From, To).
type RangeQuery struct {
	StationID StationID
	MetricID  MetricID
	From      time.Time
	To        time.Time
}

// StoreStats summarizes the contents of the measurement store.
type StoreStats struct {
	TotalRows   int64
	Stations    int64
	Metrics     int64
	FirstAt     *time.Time
	LastAt      *time.Time
	MissingRows int64
}

func float64Ptr(v float64) *float64 {
	return &v
}

func copyValue(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return float64Ptr(*v)
}
