package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/breatheroute/aqingest/internal/airquality"
)

// keysPerQuery keeps lookups under SQLite's bound-parameter limit.
const keysPerQuery = 300

// Repository is a SQLite implementation of airquality.Repository.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an opened database. The repository takes ownership of db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ExistingKeys returns the subset of keys that are already stored.
func (r *Repository) ExistingKeys(ctx context.Context, keys []airquality.Key) (airquality.KeySet, error) {
	out := make(airquality.KeySet)

	for start := 0; start < len(keys); start += keysPerQuery {
		end := min(start+keysPerQuery, len(keys))
		chunk := keys[start:end]

		values := make([]string, len(chunk))
		args := make([]any, 0, 3*len(chunk))
		for i, k := range chunk {
			values[i] = "(?, ?, ?)"
			args = append(args, string(k.StationID), string(k.MetricID), k.Timestamp.Unix())
		}

		query := `
			SELECT station_id, metric_id, observed_at
			FROM measurements
			WHERE (station_id, metric_id, observed_at) IN (VALUES ` + strings.Join(values, ", ") + `)
		`

		if err := r.collectKeys(ctx, out, query, args...); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (r *Repository) collectKeys(ctx context.Context, out airquality.KeySet, query string, args ...any) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			station, metric string
			at              int64
		)
		if err := rows.Scan(&station, &metric, &at); err != nil {
			return err
		}
		out.Add(airquality.Key{
			StationID: airquality.StationID(station),
			MetricID:  airquality.MetricID(metric),
			Timestamp: time.Unix(at, 0).UTC(),
		})
	}
	return rows.Err()
}

// Apply writes the plan in a single transaction.
func (r *Repository) Apply(ctx context.Context, plan airquality.MergePlan, meta airquality.ApplyMeta) (airquality.ApplyResult, error) {
	res := airquality.ApplyResult{Skipped: len(plan.Skipped)}
	if plan.Empty() {
		return res, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return airquality.ApplyResult{}, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO measurements (station_id, metric_id, observed_at, value, quality, granularity_minutes, run_id, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_id, metric_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return airquality.ApplyResult{}, err
	}
	defer insert.Close()

	update, err := tx.PrepareContext(ctx, `
		UPDATE measurements
		SET value = ?, quality = ?, granularity_minutes = ?, run_id = ?, ingested_at = ?
		WHERE station_id = ? AND metric_id = ? AND observed_at = ?
	`)
	if err != nil {
		return airquality.ApplyResult{}, err
	}
	defer update.Close()

	ingestedAt := meta.IngestedAt.UTC().Format(time.RFC3339Nano)
	overwrite := plan.Policy == airquality.MergeOverwrite

	write := func(rec airquality.Record) error {
		minutes := meta.Resolution(rec.MetricID).Minutes()
		value := nullFloat(rec.Value)

		if overwrite {
			out, err := update.ExecContext(ctx, value, string(rec.Quality), minutes, meta.RunID, ingestedAt,
				string(rec.StationID), string(rec.MetricID), rec.Timestamp.Unix())
			if err != nil {
				return err
			}
			if n, _ := out.RowsAffected(); n > 0 {
				res.Updated++
				return nil
			}
		}

		out, err := insert.ExecContext(ctx, string(rec.StationID), string(rec.MetricID), rec.Timestamp.Unix(),
			value, string(rec.Quality), minutes, meta.RunID, ingestedAt)
		if err != nil {
			return err
		}
		if n, _ := out.RowsAffected(); n > 0 {
			res.Inserted++
		} else {
			res.Skipped++
		}
		return nil
	}

	for _, rec := range plan.Inserts {
		if err := write(rec); err != nil {
			return airquality.ApplyResult{}, err
		}
	}
	for _, rec := range plan.Updates {
		if err := write(rec); err != nil {
			return airquality.ApplyResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return airquality.ApplyResult{}, err
	}
	return res, nil
}

// Range returns the rows of one station and metric in [From, To).
func (r *Repository) Range(ctx context.Context, q airquality.RangeQuery) ([]airquality.StoredRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	// Rows are stored in whole seconds; round both bounds up to keep [From, To).
	from := q.From.Unix()
	if q.From.Nanosecond() != 0 {
		from++
	}
	to := q.To.Unix()
	if q.To.Nanosecond() != 0 {
		to++
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT station_id, metric_id, observed_at, value, quality, granularity_minutes, run_id, ingested_at
		FROM measurements
		WHERE station_id = ? AND metric_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at
	`, string(q.StationID), string(q.MetricID), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []airquality.StoredRow
	for rows.Next() {
		var (
			station, metric, quality, runID, ingestedAt string
			at                                          int64
			value                                       sql.NullFloat64
			minutes                                     int
		)
		if err := rows.Scan(&station, &metric, &at, &value, &quality, &minutes, &runID, &ingestedAt); err != nil {
			return nil, err
		}

		row := airquality.StoredRow{
			Record: airquality.Record{
				StationID: airquality.StationID(station),
				MetricID:  airquality.MetricID(metric),
				Timestamp: time.Unix(at, 0).UTC(),
				Quality:   airquality.Quality(quality),
			},
			Resolution: airquality.ResolutionHour,
			RunID:      runID,
		}
		if value.Valid {
			v := value.Float64
			row.Value = &v
		}
		if minutes == airquality.ResolutionMinute.Minutes() {
			row.Resolution = airquality.ResolutionMinute
		}
		if t, err := time.Parse(time.RFC3339Nano, ingestedAt); err == nil {
			row.IngestedAt = t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SyncCatalog upserts station and metric metadata in one transaction.
func (r *Repository) SyncCatalog(ctx context.Context, stations []airquality.Station, metrics []airquality.Metric) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC().Format(time.RFC3339)
	for _, s := range stations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stations (station_id, name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (station_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
		`, string(s.ID), s.Name, now)
		if err != nil {
			return fmt.Errorf("upsert station %s: %w", s.ID, err)
		}
	}
	for _, m := range metrics {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metrics (metric_id, name, unit, resolution, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (metric_id) DO UPDATE SET
				name = excluded.name,
				unit = excluded.unit,
				resolution = excluded.resolution,
				updated_at = excluded.updated_at
		`, string(m.ID), m.Name, m.Unit, string(m.Resolution), now)
		if err != nil {
			return fmt.Errorf("upsert metric %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// Stations lists the known stations ordered by id.
func (r *Repository) Stations(ctx context.Context) ([]airquality.Station, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT station_id, name FROM stations ORDER BY station_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []airquality.Station
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, airquality.Station{ID: airquality.StationID(id), Name: name})
	}
	return out, rows.Err()
}

// Metrics lists the known metrics ordered by id.
func (r *Repository) Metrics(ctx context.Context) ([]airquality.Metric, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT metric_id, name, unit, resolution FROM metrics ORDER BY metric_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []airquality.Metric
	for rows.Next() {
		var id, name, unit, res string
		if err := rows.Scan(&id, &name, &unit, &res); err != nil {
			return nil, err
		}
		out = append(out, airquality.Metric{
			ID:         airquality.MetricID(id),
			Name:       name,
			Unit:       unit,
			Resolution: airquality.Resolution(res),
		})
	}
	return out, rows.Err()
}

// Stats summarizes the stored measurements.
func (r *Repository) Stats(ctx context.Context) (airquality.StoreStats, error) {
	var (
		stats       airquality.StoreStats
		first, last sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(DISTINCT station_id),
			count(DISTINCT metric_id),
			min(observed_at),
			max(observed_at),
			coalesce(sum(quality = 'missing'), 0)
		FROM measurements
	`).Scan(&stats.TotalRows, &stats.Stations, &stats.Metrics, &first, &last, &stats.MissingRows)
	if err != nil {
		return airquality.StoreStats{}, err
	}
	if first.Valid {
		t := time.Unix(first.Int64, 0).UTC()
		stats.FirstAt = &t
	}
	if last.Valid {
		t := time.Unix(last.Int64, 0).UTC()
		stats.LastAt = &t
	}
	return stats, nil
}

// Ping checks that the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", airquality.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Ensure Repository implements airquality.Repository interface.
var _ airquality.Repository = (*Repository)(nil)
