package airquality_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/aqingest/internal/airquality"
)

func testCatalog(t *testing.T) *airquality.MetricCatalog {
	t.Helper()
	c, err := airquality.NewMetricCatalog([]airquality.Metric{
		{Code: "S_4_1", ID: "PM10", Name: "PM10", Unit: "µg/m3", Resolution: airquality.ResolutionHour},
		{Code: "S_4_2", ID: "PM2.5", Name: "PM2.5", Unit: "µg/m3", Resolution: airquality.ResolutionHour},
		{Code: "S_4_9", ID: "O3", Name: "Ozone", Unit: "ppb", Resolution: airquality.ResolutionMinute},
	})
	require.NoError(t, err)
	return c
}

func testNormalizer(t *testing.T) *airquality.Normalizer {
	t.Helper()
	n, err := airquality.NewNormalizer(testCatalog(t), time.UTC)
	require.NoError(t, err)
	return n
}

func TestNormalizeAll_StationScenario(t *testing.T) {
	n := testNormalizer(t)

	raws := []airquality.RawRecord{
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 01:00", Value: "10.5", Row: 0},
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 02:00", Value: "no data", Row: 1},
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 03:00", Value: "12.0", Row: 2},
	}

	res := n.NormalizeAll("4", raws)
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 3)

	assert.Equal(t, 10.5, *res.Records[0].Value)
	assert.Equal(t, airquality.QualityValid, res.Records[0].Quality)
	assert.Nil(t, res.Records[1].Value)
	assert.Equal(t, airquality.QualityMissing, res.Records[1].Quality)
	assert.Equal(t, 12.0, *res.Records[2].Value)

	assert.Equal(t, airquality.NormalizeStats{Total: 3, Normalized: 3, Missing: 1}, res.Stats)
}

func TestNormalizeAll_OutOfRangeDate(t *testing.T) {
	n := testNormalizer(t)

	res := n.NormalizeAll("4", []airquality.RawRecord{
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "2023-13-40", Value: "1"},
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "2023-01-02", Value: "2"},
	})

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "timestamp", res.Errors[0].Field)
	assert.Equal(t, "2023-13-40", res.Errors[0].Raw.Timestamp)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 2, res.Stats.Total)
	assert.Equal(t, 1, res.Stats.Rejected)
	assert.Equal(t, res.Stats.Total, res.Stats.Normalized+res.Stats.Rejected)
}

func TestNormalize_Rejections(t *testing.T) {
	n := testNormalizer(t)

	tests := []struct {
		name  string
		raw   airquality.RawRecord
		field string
	}{
		{"unknown metric", airquality.RawRecord{StationID: "4", MetricCode: "S_4_77", Timestamp: "01-03-2023 01:00", Value: "1"}, "metric"},
		{"station mismatch", airquality.RawRecord{StationID: "7", MetricCode: "S_4_1", Timestamp: "01-03-2023 01:00", Value: "1"}, "station"},
		{"unaligned hour", airquality.RawRecord{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 01:30", Value: "1"}, "timestamp"},
		{"unaligned minute", airquality.RawRecord{StationID: "4", MetricCode: "S_4_9", Timestamp: "2023-03-01 01:30:15", Value: "1"}, "timestamp"},
		{"garbage timestamp", airquality.RawRecord{StationID: "4", MetricCode: "S_4_1", Timestamp: "yesterday", Value: "1"}, "timestamp"},
		{"empty timestamp", airquality.RawRecord{StationID: "4", MetricCode: "S_4_1", Value: "1"}, "timestamp"},
		{"infinite", airquality.RawRecord{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 01:00", Value: "+Inf"}, "value"},
		{"overflow", airquality.RawRecord{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 01:00", Value: "1e400"}, "value"},
		{"unknown quality", airquality.RawRecord{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 01:00", Value: "1", Quality: "Z"}, "quality"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize("4", tt.raw)
			var merr *airquality.MalformedRecordError
			require.True(t, errors.As(err, &merr), "expected MalformedRecordError, got %v", err)
			assert.Equal(t, tt.field, merr.Field)
			assert.Equal(t, tt.raw, merr.Raw)
			assert.Equal(t, "malformed_record", airquality.ErrorClass(err))
		})
	}
}

func TestNormalize_Values(t *testing.T) {
	n := testNormalizer(t)

	tests := []struct {
		value   string
		quality string
		want    *float64
		wantQ   airquality.Quality
	}{
		{"10.5", "", ptr(10.5), airquality.QualityValid},
		{"10,5", "", ptr(10.5), airquality.QualityValid},
		{"  7 ", "V", ptr(7), airquality.QualityValid},
		{"7", "S", ptr(7), airquality.QualitySuspect},
		{"7", "?", ptr(7), airquality.QualitySuspect},
		{"7", "M", nil, airquality.QualityMissing},
		{"7", "invalid", nil, airquality.QualityMissing},
		{"----", "", nil, airquality.QualityMissing},
		{"N/A", "", nil, airquality.QualityMissing},
		{"NaN", "", nil, airquality.QualityMissing},
		{"NoData", "", nil, airquality.QualityMissing},
		{"", "V", nil, airquality.QualityMissing},
		{"calib", "", nil, airquality.QualityMissing},
	}

	for _, tt := range tests {
		t.Run(tt.value+"/"+tt.quality, func(t *testing.T) {
			rec, err := n.Normalize("4", airquality.RawRecord{
				StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 05:00", Value: tt.value, Quality: tt.quality,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Value)
			assert.Equal(t, tt.wantQ, rec.Quality)
			assert.Equal(t, rec.Value == nil, rec.Quality == airquality.QualityMissing)
		})
	}
}

func TestNormalizeAll_NonNumericCounted(t *testing.T) {
	n := testNormalizer(t)

	res := n.NormalizeAll("4", []airquality.RawRecord{
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 05:00", Value: "calib"},
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 06:00", Value: "-"},
	})

	assert.Equal(t, 2, res.Stats.Missing)
	assert.Equal(t, 1, res.Stats.NonNumeric)
}

func TestNormalize_SourceTimezone(t *testing.T) {
	loc, err := time.LoadLocation(airquality.DefaultSourceTimezone)
	require.NoError(t, err)
	n, err := airquality.NewNormalizer(testCatalog(t), loc)
	require.NoError(t, err)

	rec, err := n.Normalize("4", airquality.RawRecord{
		StationID: "4", MetricCode: "S_4_1", Timestamp: "01-03-2023 24:00", Value: "3",
	})
	require.NoError(t, err)

	// Bogota is UTC-5 year round.
	assert.Equal(t, time.Date(2023, 3, 2, 5, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, airquality.MetricID("PM10"), rec.MetricID)
}

func TestNormalize_RoundTrip(t *testing.T) {
	loc, err := time.LoadLocation(airquality.DefaultSourceTimezone)
	require.NoError(t, err)
	n, err := airquality.NewNormalizer(testCatalog(t), loc)
	require.NoError(t, err)

	inputs := []airquality.RawRecord{
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "31-12-2022 23:00", Value: "10.5"},
		{StationID: "4", MetricCode: "S_4_2", Timestamp: "01-01-2023 00:00", Value: "0.001"},
		{StationID: "4", MetricCode: "S_4_9", Timestamp: "15-06-2023 13:47", Value: "-4"},
		{StationID: "4", MetricCode: "S_4_1", Timestamp: "15-06-2023 13:00", Value: ""},
	}

	for _, raw := range inputs {
		first, err := n.Normalize("4", raw)
		require.NoError(t, err)

		again, err := n.Normalize("4", airquality.RawRecord{
			StationID:  "4",
			MetricCode: raw.MetricCode,
			Timestamp:  airquality.FormatTimestamp(first.Timestamp, loc),
			Value:      airquality.FormatValue(first.Value),
		})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func ptr(v float64) *float64 {
	return &v
}
