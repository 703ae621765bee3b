package airquality

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL measurement repository.
// The repository takes ownership of pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// ExistingKeys returns the subset of keys that are already stored.
func (r *PostgresRepository) ExistingKeys(ctx context.Context, keys []Key) (KeySet, error) {
	out := make(KeySet)
	if len(keys) == 0 {
		return out, nil
	}

	stations := make([]string, len(keys))
	metrics := make([]string, len(keys))
	stamps := make([]time.Time, len(keys))
	for i, k := range keys {
		stations[i] = string(k.StationID)
		metrics[i] = string(k.MetricID)
		stamps[i] = k.Timestamp.UTC()
	}

	query := `
		SELECT m.station_id, m.metric_id, m.observed_at
		FROM measurements m
		JOIN unnest($1::text[], $2::text[], $3::timestamptz[]) AS k(station_id, metric_id, observed_at)
			ON m.station_id = k.station_id AND m.metric_id = k.metric_id AND m.observed_at = k.observed_at
	`

	rows, err := r.pool.Query(ctx, query, stations, metrics, stamps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			station, metric string
			at              time.Time
		)
		if err := rows.Scan(&station, &metric, &at); err != nil {
			return nil, err
		}
		out.Add(Key{StationID: StationID(station), MetricID: MetricID(metric), Timestamp: at.UTC()})
	}

	return out, rows.Err()
}

const (
	insertMeasurementSQL = `
		INSERT INTO measurements (station_id, metric_id, observed_at, value, quality, granularity_minutes, run_id, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_id, metric_id, observed_at) DO NOTHING
	`

	upsertMeasurementSQL = `
		INSERT INTO measurements (station_id, metric_id, observed_at, value, quality, granularity_minutes, run_id, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_id, metric_id, observed_at) DO UPDATE SET
			value = EXCLUDED.value,
			quality = EXCLUDED.quality,
			granularity_minutes = EXCLUDED.granularity_minutes,
			run_id = EXCLUDED.run_id,
			ingested_at = EXCLUDED.ingested_at
		RETURNING (xmax = 0) AS inserted
	`
)

// Apply writes the plan in a single transaction.
func (r *PostgresRepository) Apply(ctx context.Context, plan MergePlan, meta ApplyMeta) (ApplyResult, error) {
	res := ApplyResult{Skipped: len(plan.Skipped)}
	if plan.Empty() {
		return res, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	records := make([]Record, 0, plan.Rows())
	records = append(records, plan.Inserts...)
	records = append(records, plan.Updates...)

	overwrite := plan.Policy == MergeOverwrite
	query := insertMeasurementSQL
	if overwrite {
		query = upsertMeasurementSQL
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query,
			string(rec.StationID),
			string(rec.MetricID),
			rec.Timestamp.UTC(),
			rec.Value,
			string(rec.Quality),
			meta.Resolution(rec.MetricID).Minutes(),
			meta.RunID,
			meta.IngestedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range records {
		if overwrite {
			var inserted bool
			if err := br.QueryRow().Scan(&inserted); err != nil {
				_ = br.Close()
				return ApplyResult{}, err
			}
			if inserted {
				res.Inserted++
			} else {
				res.Updated++
			}
			continue
		}

		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return ApplyResult{}, err
		}
		if tag.RowsAffected() == 1 {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	if err := br.Close(); err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// Range returns the rows of one station and metric in [From, To).
func (r *PostgresRepository) Range(ctx context.Context, q RangeQuery) ([]StoredRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT station_id, metric_id, observed_at, value, quality, granularity_minutes, run_id, ingested_at
		FROM measurements
		WHERE station_id = $1 AND metric_id = $2 AND observed_at >= $3 AND observed_at < $4
		ORDER BY observed_at
	`

	rows, err := r.pool.Query(ctx, query, string(q.StationID), string(q.MetricID), q.From.UTC(), q.To.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRow
	for rows.Next() {
		var (
			row             StoredRow
			station, metric string
			quality         string
			minutes         int
		)
		if err := rows.Scan(&station, &metric, &row.Timestamp, &row.Value, &quality, &minutes, &row.RunID, &row.IngestedAt); err != nil {
			return nil, err
		}
		row.StationID = StationID(station)
		row.MetricID = MetricID(metric)
		row.Quality = Quality(quality)
		row.Timestamp = row.Timestamp.UTC()
		row.Resolution = resolutionFromMinutes(minutes)
		out = append(out, row)
	}

	return out, rows.Err()
}

// SyncCatalog upserts station and metric metadata in one transaction.
func (r *PostgresRepository) SyncCatalog(ctx context.Context, stations []Station, metrics []Metric) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC()
	for _, s := range stations {
		_, err := tx.Exec(ctx, `
			INSERT INTO stations (station_id, name, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (station_id) DO UPDATE SET
				name = EXCLUDED.name,
				updated_at = EXCLUDED.updated_at
		`, string(s.ID), s.Name, now)
		if err != nil {
			return fmt.Errorf("upsert station %s: %w", s.ID, err)
		}
	}
	for _, m := range metrics {
		_, err := tx.Exec(ctx, `
			INSERT INTO metrics (metric_id, name, unit, resolution, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (metric_id) DO UPDATE SET
				name = EXCLUDED.name,
				unit = EXCLUDED.unit,
				resolution = EXCLUDED.resolution,
				updated_at = EXCLUDED.updated_at
		`, string(m.ID), m.Name, m.Unit, string(m.Resolution), now)
		if err != nil {
			return fmt.Errorf("upsert metric %s: %w", m.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Stations lists the known stations ordered by id.
func (r *PostgresRepository) Stations(ctx context.Context) ([]Station, error) {
	rows, err := r.pool.Query(ctx, `SELECT station_id, name FROM stations ORDER BY station_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Station
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, Station{ID: StationID(id), Name: name})
	}
	return out, rows.Err()
}

// Metrics lists the known metrics ordered by id.
func (r *PostgresRepository) Metrics(ctx context.Context) ([]Metric, error) {
	rows, err := r.pool.Query(ctx, `SELECT metric_id, name, unit, resolution FROM metrics ORDER BY metric_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var id, name, unit, res string
		if err := rows.Scan(&id, &name, &unit, &res); err != nil {
			return nil, err
		}
		out = append(out, Metric{ID: MetricID(id), Name: name, Unit: unit, Resolution: Resolution(res)})
	}
	return out, rows.Err()
}

// Stats summarizes the stored measurements.
func (r *PostgresRepository) Stats(ctx context.Context) (StoreStats, error) {
	query := `
		SELECT
			count(*),
			count(DISTINCT station_id),
			count(DISTINCT metric_id),
			min(observed_at),
			max(observed_at),
			count(*) FILTER (WHERE quality = 'missing')
		FROM measurements
	`

	var stats StoreStats
	err := r.pool.QueryRow(ctx, query).Scan(
		&stats.TotalRows,
		&stats.Stations,
		&stats.Metrics,
		&stats.FirstAt,
		&stats.LastAt,
		&stats.MissingRows,
	)
	if err != nil {
		return StoreStats{}, err
	}
	stats.FirstAt = utcPtr(stats.FirstAt)
	stats.LastAt = utcPtr(stats.LastAt)
	return stats, nil
}

// Ping checks that the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the underlying pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func resolutionFromMinutes(minutes int) Resolution {
	if minutes == ResolutionMinute.Minutes() {
		return ResolutionMinute
	}
	return ResolutionHour
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
