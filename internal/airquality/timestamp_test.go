package airquality_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/aqingest/internal/airquality"
)

func TestParseTimestamp(t *testing.T) {
	bogota, err := time.LoadLocation(airquality.DefaultSourceTimezone)
	require.NoError(t, err)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"01-03-2023", time.Date(2023, 3, 1, 5, 0, 0, 0, time.UTC)},
		{"01-03-2023 13:00", time.Date(2023, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"28-02-2023 24:00", time.Date(2023, 3, 1, 5, 0, 0, 0, time.UTC)},
		{"31-12-2023 24:00", time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)},
		{"2023-03-01", time.Date(2023, 3, 1, 5, 0, 0, 0, time.UTC)},
		{"2023-03-01 13:00", time.Date(2023, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"2023-03-01 13:00:00", time.Date(2023, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00:00", time.Date(2023, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00:00Z", time.Date(2023, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00:00+01:00", time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00Z", time.Date(2023, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00:00.000", time.Date(2023, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00:00.250", time.Date(2023, 3, 1, 18, 0, 0, 250_000_000, time.UTC)},
		{"2023-03-01T13:00:00+0000", time.Date(2023, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00:00-0500", time.Date(2023, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"2023-03-01T13:00:00.000+0100", time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := airquality.ParseTimestamp(tt.in, bogota)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"2023-13-40",
		"32-01-2023 10:00",
		"01-03-2023 24:30",
		"01-03-2023 25:00",
		"2023/03/01",
		"2023-03-01T25:00:00.000",
		"2023-03-01T13:00:00+01",
		"Maximum",
		"MinDate",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := airquality.ParseTimestamp(in, time.UTC)
			assert.Error(t, err)
		})
	}
}

func TestCheckAligned(t *testing.T) {
	at := time.Date(2023, 3, 1, 13, 0, 0, 0, time.UTC)

	assert.NoError(t, airquality.CheckAligned(at, airquality.ResolutionHour))
	assert.NoError(t, airquality.CheckAligned(at.Add(7*time.Minute), airquality.ResolutionMinute))
	assert.Error(t, airquality.CheckAligned(at.Add(7*time.Minute), airquality.ResolutionHour))
	assert.Error(t, airquality.CheckAligned(at.Add(7*time.Second), airquality.ResolutionMinute))
	assert.Error(t, airquality.CheckAligned(at, airquality.Resolution("week")))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", airquality.FormatValue(nil))
	assert.Equal(t, "10.5", airquality.FormatValue(ptr(10.5)))
	assert.Equal(t, "12", airquality.FormatValue(ptr(12.0)))
}

func TestFormatTimestamp(t *testing.T) {
	bogota, err := time.LoadLocation(airquality.DefaultSourceTimezone)
	require.NoError(t, err)

	at := time.Date(2023, 3, 2, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, "02-03-2023 00:00", airquality.FormatTimestamp(at, bogota))
	assert.Equal(t, "02-03-2023 05:00", airquality.FormatTimestamp(at, nil))
}
