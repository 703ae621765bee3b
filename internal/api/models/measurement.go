package models

import "github.com/breatheroute/aqingest/internal/airquality"

// Station is a monitoring station.
type Station struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Metric is a canonical metric.
type Metric struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Resolution string `json:"resolution"`
}

// Measurement is one stored value. Value is null when Quality is "missing".
type Measurement struct {
	Timestamp  Timestamp `json:"timestamp"`
	Value      *float64  `json:"value"`
	Quality    string    `json:"quality"`
	RunID      string    `json:"runId,omitempty"`
	IngestedAt Timestamp `json:"ingestedAt"`
}

// MeasurementSeries is the response of GET /v1/measurements.
type MeasurementSeries struct {
	StationID  string        `json:"stationId"`
	MetricID   string        `json:"metricId"`
	From       Timestamp     `json:"from"`
	To         Timestamp     `json:"to"`
	Resolution string        `json:"resolution,omitempty"`
	Count      int           `json:"count"`
	Items      []Measurement `json:"items"`
}

// ListResponse wraps a catalog listing.
type ListResponse[T any] struct {
	Items []T `json:"items"`
}

// StoreStats summarizes the measurement store.
type StoreStats struct {
	TotalRows   int64      `json:"totalRows"`
	Stations    int64      `json:"stations"`
	Metrics     int64      `json:"metrics"`
	MissingRows int64      `json:"missingRows"`
	FirstAt     *Timestamp `json:"firstAt,omitempty"`
	LastAt      *Timestamp `json:"lastAt,omitempty"`
	CachedAt    *Timestamp `json:"cachedAt,omitempty"`
	Stale       bool       `json:"stale,omitempty"`
}

// StationFrom converts a domain station.
func StationFrom(s airquality.Station) Station {
	return Station{ID: string(s.ID), Name: s.Name}
}

// MetricFrom converts a domain metric.
func MetricFrom(m airquality.Metric) Metric {
	return Metric{
		ID:         string(m.ID),
		Code:       m.Code,
		Name:       m.Name,
		Unit:       m.Unit,
		Resolution: string(m.Resolution),
	}
}

// SeriesFrom builds the series response for q from rows in ascending order.
func SeriesFrom(q airquality.RangeQuery, rows []airquality.StoredRow) MeasurementSeries {
	series := MeasurementSeries{
		StationID: string(q.StationID),
		MetricID:  string(q.MetricID),
		From:      Timestamp(q.From),
		To:        Timestamp(q.To),
		Count:     len(rows),
		Items:     make([]Measurement, 0, len(rows)),
	}
	for _, row := range rows {
		if series.Resolution == "" {
			series.Resolution = string(row.Resolution)
		}
		series.Items = append(series.Items, Measurement{
			Timestamp:  Timestamp(row.Timestamp),
			Value:      row.Value,
			Quality:    string(row.Quality),
			RunID:      row.RunID,
			IngestedAt: Timestamp(row.IngestedAt),
		})
	}
	return series
}

// StatsFrom converts store statistics.
func StatsFrom(s airquality.StoreStats) StoreStats {
	return StoreStats{
		TotalRows:   s.TotalRows,
		Stations:    s.Stations,
		Metrics:     s.Metrics,
		MissingRows: s.MissingRows,
		FirstAt:     TimestampPtr(s.FirstAt),
		LastAt:      TimestampPtr(s.LastAt),
	}
}
