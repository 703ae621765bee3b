package airquality

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL or SQLite implementation.
type InMemoryRepository struct {
	mu       sync.RWMutex
	rows     map[Key]StoredRow
	stations map[StationID]Station
	metrics  map[MetricID]Metric
	closed   bool
}

// NewInMemoryRepository creates a new in-memory measurement repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		rows:     make(map[Key]StoredRow),
		stations: make(map[StationID]Station),
		metrics:  make(map[MetricID]Metric),
	}
}

// ExistingKeys returns the subset of keys that are already stored.
func (r *InMemoryRepository) ExistingKeys(_ context.Context, keys []Key) (KeySet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreUnavailable
	}

	out := make(KeySet)
	for _, k := range keys {
		if _, ok := r.rows[k]; ok {
			out.Add(k)
		}
	}
	return out, nil
}

// Apply builds the next version of the row set and swaps it in.
func (r *InMemoryRepository) Apply(ctx context.Context, plan MergePlan, meta ApplyMeta) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ApplyResult{}, ErrStoreUnavailable
	}

	next := maps.Clone(r.rows)
	var res ApplyResult

	for _, rec := range plan.Inserts {
		k := rec.Key()
		_, exists := next[k]
		switch {
		case !exists:
			res.Inserted++
		case plan.Policy == MergeOverwrite:
			res.Updated++
		default:
			res.Skipped++
			continue
		}
		next[k] = storedRow(rec, meta)
	}
	for _, rec := range plan.Updates {
		k := rec.Key()
		if _, exists := next[k]; exists {
			res.Updated++
		} else {
			res.Inserted++
		}
		next[k] = storedRow(rec, meta)
	}
	res.Skipped += len(plan.Skipped)

	r.rows = next
	return res, nil
}

// Range returns the rows of one station and metric in [From, To).
func (r *InMemoryRepository) Range(_ context.Context, q RangeQuery) ([]StoredRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []StoredRow
	for _, row := range r.rows {
		if row.inRange(q) {
			out = append(out, copyRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SyncCatalog upserts station and metric metadata.
func (r *InMemoryRepository) SyncCatalog(_ context.Context, stations []Station, metrics []Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range stations {
		r.stations[s.ID] = s
	}
	for _, m := range metrics {
		m.Code = ""
		r.metrics[m.ID] = m
	}
	return nil
}

// Stations lists the known stations ordered by id.
func (r *InMemoryRepository) Stations(_ context.Context) ([]Station, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Station, 0, len(r.stations))
	for _, s := range r.stations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Metrics lists the known metrics ordered by id.
func (r *InMemoryRepository) Metrics(_ context.Context) ([]Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Stats summarizes the stored measurements.
func (r *InMemoryRepository) Stats(_ context.Context) (StoreStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stations := make(map[StationID]struct{})
	metrics := make(map[MetricID]struct{})
	stats := StoreStats{TotalRows: int64(len(r.rows))}

	for _, row := range r.rows {
		stations[row.StationID] = struct{}{}
		metrics[row.MetricID] = struct{}{}
		if row.Quality == QualityMissing {
			stats.MissingRows++
		}
		ts := row.Timestamp
		if stats.FirstAt == nil || ts.Before(*stats.FirstAt) {
			first := ts
			stats.FirstAt = &first
		}
		if stats.LastAt == nil || ts.After(*stats.LastAt) {
			last := ts
			stats.LastAt = &last
		}
	}
	stats.Stations = int64(len(stations))
	stats.Metrics = int64(len(metrics))
	return stats, nil
}

// Ping reports whether the repository is open.
func (r *InMemoryRepository) Ping(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrStoreUnavailable
	}
	return nil
}

// Close marks the repository closed.
func (r *InMemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}

// Len returns the number of stored rows.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rows)
}

func storedRow(rec Record, meta ApplyMeta) StoredRow {
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Value = copyValue(rec.Value)
	return StoredRow{
		Record:     rec,
		Resolution: meta.Resolution(rec.MetricID),
		RunID:      meta.RunID,
		IngestedAt: meta.IngestedAt,
	}
}

func copyRow(row StoredRow) StoredRow {
	row.Value = copyValue(row.Value)
	return row
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
