package airquality_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/aqingest/internal/airquality"
)

var day0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewPlanner_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     airquality.PlannerConfig
		wantErr error
	}{
		{
			name:    "no stations",
			cfg:     airquality.PlannerConfig{Start: day0, End: day0.Add(time.Hour), MaxSpan: time.Hour},
			wantErr: airquality.ErrNoStations,
		},
		{
			name:    "non-positive span",
			cfg:     airquality.PlannerConfig{Stations: []airquality.StationID{"4"}, Start: day0, End: day0.Add(time.Hour)},
			wantErr: airquality.ErrInvalidWindow,
		},
		{
			name:    "end before start",
			cfg:     airquality.PlannerConfig{Stations: []airquality.StationID{"4"}, Start: day0.Add(time.Hour), End: day0, MaxSpan: time.Hour},
			wantErr: airquality.ErrInvalidWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := airquality.NewPlanner(tt.cfg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewPlanner_DuplicateStation(t *testing.T) {
	_, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: []airquality.StationID{"4", "4"},
		Start:    day0,
		End:      day0.Add(time.Hour),
		MaxSpan:  time.Hour,
	})
	assert.Error(t, err)
}

func TestPlanner_EmptyRange(t *testing.T) {
	p, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: []airquality.StationID{"4", "7"},
		Start:    day0,
		End:      day0,
		MaxSpan:  time.Hour,
	})
	require.NoError(t, err)

	assert.Empty(t, p.All())
	assert.Equal(t, 0, p.Count())
}

func TestPlanner_SpanLargerThanRange(t *testing.T) {
	p, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: []airquality.StationID{"4"},
		Start:    day0,
		End:      day0.Add(3 * time.Hour),
		MaxSpan:  30 * 24 * time.Hour,
	})
	require.NoError(t, err)

	windows := p.All()
	require.Len(t, windows, 1)
	assert.Equal(t, day0, windows[0].Start)
	assert.Equal(t, day0.Add(3*time.Hour), windows[0].End)
}

func TestPlanner_LastWindowShortened(t *testing.T) {
	p, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: []airquality.StationID{"4"},
		Start:    day0,
		End:      day0.Add(10 * 24 * time.Hour),
		MaxSpan:  4 * 24 * time.Hour,
	})
	require.NoError(t, err)

	windows := p.All()
	require.Len(t, windows, 3)
	assert.Equal(t, 2*24*time.Hour, windows[2].Span())
	assert.Equal(t, 3, p.Count())
}

func TestPlanner_StationOrderAndRestart(t *testing.T) {
	p, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: []airquality.StationID{"7", "4"},
		Start:    day0,
		End:      day0.Add(2 * time.Hour),
		MaxSpan:  time.Hour,
	})
	require.NoError(t, err)

	first := p.All()
	second := p.All()
	assert.Equal(t, first, second, "replanning must be deterministic")
	require.Len(t, first, 4)
	assert.Equal(t, airquality.StationID("7"), first[0].StationID)
	assert.Equal(t, airquality.StationID("4"), first[3].StationID)
}

func TestPlanner_EarlyStop(t *testing.T) {
	p, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: []airquality.StationID{"4"},
		Start:    day0,
		End:      day0.Add(100 * time.Hour),
		MaxSpan:  time.Hour,
	})
	require.NoError(t, err)

	n := 0
	for range p.Windows() {
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
}

func TestPlanner_ConfigIsCopied(t *testing.T) {
	stations := []airquality.StationID{"4"}
	p, err := airquality.NewPlanner(airquality.PlannerConfig{
		Stations: stations,
		Start:    day0,
		End:      day0.Add(time.Hour),
		MaxSpan:  time.Hour,
	})
	require.NoError(t, err)

	stations[0] = "99"
	assert.Equal(t, []airquality.StationID{"4"}, p.Stations())
}

func TestPlanner_CoverageProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		start := day0.Add(time.Duration(rng.Intn(1000)) * time.Minute)
		end := start.Add(time.Duration(1+rng.Intn(20000)) * time.Minute)
		maxSpan := time.Duration(1+rng.Intn(5000)) * time.Minute

		p, err := airquality.NewPlanner(airquality.PlannerConfig{
			Stations: []airquality.StationID{"1", "2"},
			Start:    start,
			End:      end,
			MaxSpan:  maxSpan,
		})
		require.NoError(t, err)

		for _, station := range p.Stations() {
			cursor := start
			for w := range p.StationWindows(station) {
				require.NoError(t, w.Validate(maxSpan))
				require.True(t, w.Start.Equal(cursor), "windows must abut without gap or overlap")
				cursor = w.End
			}
			require.True(t, cursor.Equal(end), "windows must cover the full range")
		}
		assert.Len(t, p.All(), p.Count())
	}
}

func TestRequestWindow_Validate(t *testing.T) {
	w := airquality.RequestWindow{StationID: "4", Start: day0, End: day0.Add(2 * time.Hour)}
	assert.NoError(t, w.Validate(2*time.Hour))
	assert.ErrorIs(t, w.Validate(time.Hour), airquality.ErrInvalidWindow)

	w.End = w.Start
	assert.ErrorIs(t, w.Validate(0), airquality.ErrInvalidWindow)
}
