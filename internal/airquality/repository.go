package airquality

import (
	"context"
	"fmt"
	"time"
)

// Repository defines the interface for measurement persistence.
type Repository interface {
	// ExistingKeys returns the subset of keys that are already stored.
	ExistingKeys(ctx context.Context, keys []Key) (KeySet, error)

	// Apply commits a merge plan atomically: either every row of the plan is
	// written or none is.
	Apply(ctx context.Context, plan MergePlan, meta ApplyMeta) (ApplyResult, error)

	// Range returns the rows of one station and metric in [From, To), ascending by timestamp.
	Range(ctx context.Context, q RangeQuery) ([]StoredRow, error)

	// SyncCatalog upserts station and metric metadata.
	SyncCatalog(ctx context.Context, stations []Station, metrics []Metric) error

	// Stations lists the known stations ordered by id.
	Stations(ctx context.Context) ([]Station, error)

	// Metrics lists the known metrics ordered by id. Code is not stored.
	Metrics(ctx context.Context) ([]Metric, error)

	// Stats summarizes the stored measurements.
	Stats(ctx context.Context) (StoreStats, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// ApplyMeta carries the per-batch data stored alongside each row.
type ApplyMeta struct {
	RunID       string
	IngestedAt  time.Time
	Resolutions map[MetricID]Resolution
}

// Resolution returns the resolution recorded for metric, defaulting to hourly.
func (m ApplyMeta) Resolution(metric MetricID) Resolution {
	if r, ok := m.Resolutions[metric]; ok {
		return r
	}
	return ResolutionHour
}

// ApplyResult counts what a commit actually did. Counts can differ from the
// plan when another process wrote the same keys in between.
type ApplyResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Add accumulates other into r.
func (r *ApplyResult) Add(other ApplyResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

// Validate checks the query bounds.
func (q RangeQuery) Validate() error {
	if q.StationID == "" || q.MetricID == "" {
		return fmt.Errorf("%w: station and metric are required", ErrInvalidWindow)
	}
	if !q.From.Before(q.To) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidWindow)
	}
	return nil
}

func (r StoredRow) inRange(q RangeQuery) bool {
	return r.StationID == q.StationID && r.MetricID == q.MetricID &&
		!r.Timestamp.Before(q.From) && r.Timestamp.Before(q.To)
}
