package airquality

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// missingSentinels are upstream spellings of "no measurement", compared case-insensitively.
var missingSentinels = map[string]struct{}{
	"":        {},
	"-":       {},
	"----":    {},
	"n/a":     {},
	"nan":     {},
	"null":    {},
	"nodata":  {},
	"no data": {},
}

// Normalizer turns raw upstream items into canonical records.
type Normalizer struct {
	catalog *MetricCatalog
	loc     *time.Location
}

// NewNormalizer creates a normalizer. Zone-less timestamps are read in loc.
func NewNormalizer(catalog *MetricCatalog, loc *time.Location) (*Normalizer, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrInvalidCatalog)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{catalog: catalog, loc: loc}, nil
}

// Location returns the source timezone.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// NormalizeStats counts the outcome of a batch. Normalized+Rejected == Total.
type NormalizeStats struct {
	Total      int `json:"total"`
	Normalized int `json:"normalized"`
	Rejected   int `json:"rejected"`
	Missing    int `json:"missing"`
	NonNumeric int `json:"non_numeric"`
}

// Add accumulates other into s.
func (s *NormalizeStats) Add(other NormalizeStats) {
	s.Total += other.Total
	s.Normalized += other.Normalized
	s.Rejected += other.Rejected
	s.Missing += other.Missing
	s.NonNumeric += other.NonNumeric
}

// NormalizeResult holds the records and errors of a batch, in input order.
type NormalizeResult struct {
	Records []Record
	Errors  []*MalformedRecordError
	Stats   NormalizeStats
}

// Normalize converts one raw item fetched for station.
func (n *Normalizer) Normalize(station StationID, raw RawRecord) (Record, error) {
	rec, _, err := n.normalize(station, raw)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// NormalizeAll converts every raw item. Each item yields exactly one record
// or exactly one error.
func (n *Normalizer) NormalizeAll(station StationID, raws []RawRecord) NormalizeResult {
	res := NormalizeResult{
		Records: make([]Record, 0, len(raws)),
		Stats:   NormalizeStats{Total: len(raws)},
	}
	for _, raw := range raws {
		rec, nonNumeric, err := n.normalize(station, raw)
		if err != nil {
			var merr *MalformedRecordError
			if !errors.As(err, &merr) {
				merr = &MalformedRecordError{Raw: raw, Reason: "normalization failed", Err: err}
			}
			res.Errors = append(res.Errors, merr)
			res.Stats.Rejected++
			continue
		}
		res.Records = append(res.Records, rec)
		res.Stats.Normalized++
		if rec.Quality == QualityMissing {
			res.Stats.Missing++
		}
		if nonNumeric {
			res.Stats.NonNumeric++
		}
	}
	return res
}

func (n *Normalizer) normalize(station StationID, raw RawRecord) (Record, bool, error) {
	malformed := func(field, reason string, err error) (Record, bool, error) {
		return Record{}, false, &MalformedRecordError{Raw: raw, Field: field, Reason: reason, Err: err}
	}

	if raw.StationID != station {
		return malformed("station", fmt.Sprintf("expected station %s", station), nil)
	}

	metric, ok := n.catalog.Lookup(raw.MetricCode)
	if !ok {
		return malformed("metric", "unknown metric code", nil)
	}

	ts, err := ParseTimestamp(raw.Timestamp, n.loc)
	if err != nil {
		return malformed("timestamp", "unparseable timestamp", err)
	}
	if err := CheckAligned(ts, metric.Resolution); err != nil {
		return malformed("timestamp", "ambiguous timestamp", err)
	}

	value, nonNumeric, err := parseValue(raw.Value)
	if err != nil {
		return malformed("value", "invalid numeric value", err)
	}

	marker, ok := ParseQualityMarker(raw.Quality)
	if !ok {
		return malformed("quality", "unknown quality marker", nil)
	}

	quality := QualityValid
	switch {
	case value == nil:
		quality = QualityMissing
	case marker == QualityMissing:
		value = nil
		quality = QualityMissing
	case marker != "":
		quality = marker
	}

	return Record{
		StationID: station,
		MetricID:  metric.ID,
		Timestamp: ts,
		Value:     value,
		Quality:   quality,
	}, nonNumeric, nil
}

// parseValue returns nil for sentinels and non-numeric text. The second
// result reports the non-numeric case.
func parseValue(s string) (*float64, bool, error) {
	s = strings.TrimSpace(s)
	if _, ok := missingSentinels[strings.ToLower(s)]; ok {
		return nil, false, nil
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var nerr *strconv.NumError
		if errors.As(err, &nerr) && errors.Is(nerr.Err, strconv.ErrRange) {
			return nil, false, err
		}
		return nil, true, nil
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, false, fmt.Errorf("non-finite value %q", s)
	}
	return &v, false, nil
}
