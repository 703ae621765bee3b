package airquality

import (
	"fmt"
	"iter"
	"slices"
	"time"
)

// PlannerConfig is the immutable input of a Planner.
type PlannerConfig struct {
	// Stations are planned in the given order. Duplicates are rejected.
	Stations []StationID

	// Start and End bound the requested range [Start, End).
	Start time.Time
	End   time.Time

	// MaxSpan is the largest interval the upstream API accepts per request.
	MaxSpan time.Duration
}

// Planner splits a date range into request windows per station.
type Planner struct {
	stations []StationID
	start    time.Time
	end      time.Time
	maxSpan  time.Duration
}

// NewPlanner validates cfg and returns a planner holding its own copy of it.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if len(cfg.Stations) == 0 {
		return nil, ErrNoStations
	}
	if cfg.MaxSpan <= 0 {
		return nil, fmt.Errorf("%w: max span must be positive, got %s", ErrInvalidWindow, cfg.MaxSpan)
	}
	if cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidWindow,
			cfg.End.Format(time.RFC3339), cfg.Start.Format(time.RFC3339))
	}

	seen := make(map[StationID]struct{}, len(cfg.Stations))
	for _, id := range cfg.Stations {
		if id == "" {
			return nil, fmt.Errorf("%w: empty station id", ErrNoStations)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate station id %q", id)
		}
		seen[id] = struct{}{}
	}

	return &Planner{
		stations: slices.Clone(cfg.Stations),
		start:    cfg.Start.UTC(),
		end:      cfg.End.UTC(),
		maxSpan:  cfg.MaxSpan,
	}, nil
}

// Windows returns a lazy sequence of windows covering [Start, End) for every
// station. Ranging over it again replays the same windows.
func (p *Planner) Windows() iter.Seq[RequestWindow] {
	return func(yield func(RequestWindow) bool) {
		for _, station := range p.stations {
			for w := range p.StationWindows(station) {
				if !yield(w) {
					return
				}
			}
		}
	}
}

// StationWindows returns the windows of a single station.
func (p *Planner) StationWindows(station StationID) iter.Seq[RequestWindow] {
	return func(yield func(RequestWindow) bool) {
		for cur := p.start; cur.Before(p.end); {
			next := cur.Add(p.maxSpan)
			if next.After(p.end) {
				next = p.end
			}
			if !yield(RequestWindow{StationID: station, Start: cur, End: next}) {
				return
			}
			cur = next
		}
	}
}

// All collects every window.
func (p *Planner) All() []RequestWindow {
	return slices.Collect(p.Windows())
}

// Count returns the number of windows without materializing them.
func (p *Planner) Count() int {
	if !p.start.Before(p.end) {
		return 0
	}
	span := p.end.Sub(p.start)
	perStation := int(span / p.maxSpan)
	if span%p.maxSpan != 0 {
		perStation++
	}
	return perStation * len(p.stations)
}

// Stations returns a copy of the planned station ids.
func (p *Planner) Stations() []StationID {
	return slices.Clone(p.stations)
}

// Validate checks that the window has a station, is non-empty and spans at most maxSpan.
func (w RequestWindow) Validate(maxSpan time.Duration) error {
	if w.StationID == "" {
		return fmt.Errorf("%w: missing station", ErrInvalidWindow)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidWindow)
	}
	if maxSpan > 0 && w.Span() > maxSpan {
		return fmt.Errorf("%w: span %s exceeds %s", ErrInvalidWindow, w.Span(), maxSpan)
	}
	return nil
}
