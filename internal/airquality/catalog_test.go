package airquality_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/aqingest/internal/airquality"
)

func TestNewMetricCatalog_Errors(t *testing.T) {
	tests := []struct {
		name    string
		metrics []airquality.Metric
	}{
		{"empty", nil},
		{"missing code", []airquality.Metric{{ID: "PM10", Resolution: airquality.ResolutionHour}}},
		{"missing id", []airquality.Metric{{Code: "S_4_1", Resolution: airquality.ResolutionHour}}},
		{"bad resolution", []airquality.Metric{{Code: "S_4_1", ID: "PM10", Resolution: "day"}}},
		{"duplicate code", []airquality.Metric{
			{Code: "S_4_1", ID: "PM10", Resolution: airquality.ResolutionHour},
			{Code: "S_4_1", ID: "PM2.5", Resolution: airquality.ResolutionHour},
		}},
		{"conflicting resolution", []airquality.Metric{
			{Code: "S_4_1", ID: "PM10", Resolution: airquality.ResolutionHour},
			{Code: "S_7_1", ID: "PM10", Resolution: airquality.ResolutionMinute},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := airquality.NewMetricCatalog(tt.metrics)
			assert.ErrorIs(t, err, airquality.ErrInvalidCatalog)
		})
	}
}

func TestMetricCatalog_SharedMetric(t *testing.T) {
	c, err := airquality.NewMetricCatalog([]airquality.Metric{
		{Code: "S_7_1", ID: "PM10", Unit: "µg/m3", Resolution: airquality.ResolutionHour},
		{Code: "S_4_1", ID: "PM10", Unit: "µg/m3", Resolution: airquality.ResolutionHour},
		{Code: "S_4_3", ID: "CO", Unit: "ppm", Resolution: airquality.ResolutionHour},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"S_4_1", "S_4_3", "S_7_1"}, c.Codes())
	require.Len(t, c.Metrics(), 2)
	assert.Equal(t, airquality.MetricID("CO"), c.Metrics()[0].ID)

	m, ok := c.Lookup("S_7_1")
	require.True(t, ok)
	assert.Equal(t, airquality.MetricID("PM10"), m.ID)

	_, ok = c.ByID("NO2")
	assert.False(t, ok)
}

func TestMetricCatalog_StationCodes(t *testing.T) {
	c, err := airquality.NewMetricCatalog([]airquality.Metric{
		{Code: "S_4_2", ID: "PM2.5", Resolution: airquality.ResolutionHour},
		{Code: "S_4_1", ID: "PM10", Resolution: airquality.ResolutionHour},
		{Code: "S_41_1", ID: "PM10", Resolution: airquality.ResolutionHour},
	})
	require.NoError(t, err)
	fields := airquality.DefaultFieldMap()

	assert.Equal(t, []string{"S_4_1", "S_4_2"}, c.StationCodes(fields, "4"))
	assert.Equal(t, []string{"S_41_1"}, c.StationCodes(fields, "41"))
	assert.Empty(t, c.StationCodes(fields, "11"))
}

func TestMetricCatalog_ValidateAgainstFields(t *testing.T) {
	c := testCatalog(t)
	assert.NoError(t, c.Validate(airquality.DefaultFieldMap()))

	fields := airquality.DefaultFieldMap()
	fields.MonitorPrefix = "M_"
	assert.ErrorIs(t, c.Validate(fields), airquality.ErrInvalidCatalog)
}

func TestFieldMap(t *testing.T) {
	f := airquality.DefaultFieldMap()
	require.NoError(t, f.Validate())

	assert.True(t, f.IsMonitorColumn("S_4_1"))
	assert.False(t, f.IsMonitorColumn("S_4_1_flag"))
	assert.False(t, f.IsMonitorColumn("datetime"))
	assert.False(t, f.IsMonitorColumn("station"))
	assert.Equal(t, "S_4_1_flag", f.QualityColumn("S_4_1"))

	assert.Error(t, airquality.FieldMap{MonitorPrefix: "S_"}.Validate())
	assert.Error(t, airquality.FieldMap{TimestampField: "S_time", MonitorPrefix: "S_"}.Validate())
	assert.Equal(t, "", airquality.FieldMap{TimestampField: "t", MonitorPrefix: "S_"}.QualityColumn("S_1"))
}

func TestParseQualityMarker(t *testing.T) {
	tests := map[string]airquality.Quality{
		"V":       airquality.QualityValid,
		" ok ":    airquality.QualityValid,
		"1":       airquality.QualityValid,
		"S":       airquality.QualitySuspect,
		"2":       airquality.QualitySuspect,
		"N":       airquality.QualityMissing,
		"Missing": airquality.QualityMissing,
		"":        "",
	}
	for in, want := range tests {
		got, ok := airquality.ParseQualityMarker(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := airquality.ParseQualityMarker("X")
	assert.False(t, ok)
}
