package airquality

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidCatalog is returned when the metric catalog or field map is inconsistent.
var ErrInvalidCatalog = errors.New("invalid metric catalog")

// MetricCatalog maps upstream monitor codes to canonical metrics.
// Several codes may resolve to the same metric (one per station), but all of
// them must agree on unit and resolution.
type MetricCatalog struct {
	byCode map[string]Metric
	byID   map[MetricID]Metric
	codes  []string
}

// NewMetricCatalog validates metrics and builds a catalog.
func NewMetricCatalog(metrics []Metric) (*MetricCatalog, error) {
	if len(metrics) == 0 {
		return nil, fmt.Errorf("%w: no metrics configured", ErrInvalidCatalog)
	}

	c := &MetricCatalog{
		byCode: make(map[string]Metric, len(metrics)),
		byID:   make(map[MetricID]Metric),
	}
	for _, m := range metrics {
		if m.Code == "" {
			return nil, fmt.Errorf("%w: metric %q has no upstream code", ErrInvalidCatalog, m.ID)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: code %q has no metric id", ErrInvalidCatalog, m.Code)
		}
		if m.Resolution.Duration() == 0 {
			return nil, fmt.Errorf("%w: code %q has unknown resolution %q", ErrInvalidCatalog, m.Code, m.Resolution)
		}
		if _, dup := c.byCode[m.Code]; dup {
			return nil, fmt.Errorf("%w: duplicate code %q", ErrInvalidCatalog, m.Code)
		}
		if prev, ok := c.byID[m.ID]; ok {
			if prev.Resolution != m.Resolution || prev.Unit != m.Unit {
				return nil, fmt.Errorf("%w: codes %q and %q disagree on metric %s", ErrInvalidCatalog, prev.Code, m.Code, m.ID)
			}
		} else {
			c.byID[m.ID] = m
		}
		c.byCode[m.Code] = m
		c.codes = append(c.codes, m.Code)
	}
	sort.Strings(c.codes)
	return c, nil
}

// Lookup resolves an upstream code.
func (c *MetricCatalog) Lookup(code string) (Metric, bool) {
	m, ok := c.byCode[code]
	return m, ok
}

// ByID returns the metric registered under id.
func (c *MetricCatalog) ByID(id MetricID) (Metric, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// Codes returns the known upstream codes in sorted order.
func (c *MetricCatalog) Codes() []string {
	out := make([]string, len(c.codes))
	copy(out, c.codes)
	return out
}

// Metrics returns one entry per canonical metric, sorted by id.
func (c *MetricCatalog) Metrics() []Metric {
	out := make([]Metric, 0, len(c.byID))
	for _, m := range c.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks that every code is addressable through fields.
func (c *MetricCatalog) Validate(fields FieldMap) error {
	for _, code := range c.codes {
		if !fields.IsMonitorColumn(code) {
			return fmt.Errorf("%w: code %q does not match monitor prefix %q", ErrInvalidCatalog, code, fields.MonitorPrefix)
		}
	}
	return nil
}

// StationCodes returns the sorted codes of the monitor columns published by
// station, those named <monitor prefix><station>_<n>.
func (c *MetricCatalog) StationCodes(fields FieldMap, station StationID) []string {
	prefix := fields.MonitorPrefix + string(station) + "_"
	var out []string
	for _, code := range c.codes {
		if strings.HasPrefix(code, prefix) {
			out = append(out, code)
		}
	}
	return out
}

// FieldMap names the upstream row fields.
type FieldMap struct {
	// TimestampField holds the row timestamp. Default "datetime".
	TimestampField string `yaml:"timestamp" json:"timestamp"`

	// MonitorPrefix marks a monitor value column. Default "S_".
	MonitorPrefix string `yaml:"monitor_prefix" json:"monitor_prefix"`

	// QualitySuffix marks the quality column of a monitor, e.g. "S_4_1_flag". Default "_flag".
	QualitySuffix string `yaml:"quality_suffix" json:"quality_suffix"`
}

// DefaultFieldMap returns the field names published by the upstream network.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		TimestampField: "datetime",
		MonitorPrefix:  "S_",
		QualitySuffix:  "_flag",
	}
}

// Validate checks that the field names are usable.
func (f FieldMap) Validate() error {
	if f.TimestampField == "" {
		return fmt.Errorf("%w: timestamp field is required", ErrInvalidCatalog)
	}
	if f.MonitorPrefix == "" {
		return fmt.Errorf("%w: monitor prefix is required", ErrInvalidCatalog)
	}
	if strings.HasPrefix(f.TimestampField, f.MonitorPrefix) {
		return fmt.Errorf("%w: timestamp field %q collides with monitor prefix", ErrInvalidCatalog, f.TimestampField)
	}
	return nil
}

// IsMonitorColumn reports whether name carries a monitor value.
func (f FieldMap) IsMonitorColumn(name string) bool {
	if name == f.TimestampField || !strings.HasPrefix(name, f.MonitorPrefix) {
		return false
	}
	return f.QualitySuffix == "" || !strings.HasSuffix(name, f.QualitySuffix)
}

// QualityColumn returns the quality column for a monitor code, or "" when
// the upstream does not publish one.
func (f FieldMap) QualityColumn(code string) string {
	if f.QualitySuffix == "" {
		return ""
	}
	return code + f.QualitySuffix
}

// qualityMarkers maps upstream quality markers (lowercased) to canonical flags.
var qualityMarkers = map[string]Quality{
	"v":       QualityValid,
	"valid":   QualityValid,
	"ok":      QualityValid,
	"1":       QualityValid,
	"s":       QualitySuspect,
	"suspect": QualitySuspect,
	"?":       QualitySuspect,
	"2":       QualitySuspect,
	"m":       QualityMissing,
	"n":       QualityMissing,
	"i":       QualityMissing,
	"invalid": QualityMissing,
	"missing": QualityMissing,
	"0":       QualityMissing,
}

// ParseQualityMarker maps an upstream marker to a canonical flag. An empty
// marker reports ok with an empty Quality, meaning "derive from the value".
func ParseQualityMarker(marker string) (Quality, bool) {
	marker = strings.ToLower(strings.TrimSpace(marker))
	if marker == "" {
		return "", true
	}
	q, ok := qualityMarkers[marker]
	return q, ok
}
