package airquality

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultSourceTimezone is the zone the upstream network reports local times in.
const DefaultSourceTimezone = "America/Bogota"

// UpstreamLayout is the date-hour layout used by the upstream API.
const UpstreamLayout = "02-01-2006 15:04"

var (
	errEmptyTimestamp   = errors.New("empty timestamp")
	errUnknownLayout    = errors.New("unrecognized timestamp layout")
	errMisaligned       = errors.New("timestamp not aligned to metric resolution")
	errHourOutOfRange   = errors.New("hour out of range")
	hour24Pattern       = regexp.MustCompile(`^(\d{2}-\d{2}-\d{4}) 24:(\d{2})$`)
	zonedISOPattern     = regexp.MustCompile(`(Z|[+-]\d{2}:?\d{2})$`)
	dayFirstDatePattern = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}`)
)

// zone-less layouts, tried in order
var localLayouts = []string{
	UpstreamLayout,
	"02-01-2006",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	fractionalLayout,
}

// fractionalLayout accepts any number of fractional second digits, so it is
// not matched by length.
const fractionalLayout = "2006-01-02T15:04:05.999999999"

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999-0700",
}

// ParseTimestamp parses an upstream timestamp. Zone-less values are read in
// loc. The result is in UTC.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmptyTimestamp
	}
	if loc == nil {
		loc = time.UTC
	}

	// 24:00 closes the day and is read as 00:00 of the next one.
	if m := hour24Pattern.FindStringSubmatch(s); m != nil {
		if m[2] != "00" {
			return time.Time{}, errHourOutOfRange
		}
		day, err := time.ParseInLocation("02-01-2006", m[1], loc)
		if err != nil {
			return time.Time{}, err
		}
		return day.AddDate(0, 0, 1).UTC(), nil
	}

	if zonedISOPattern.MatchString(s) && !dayFirstDatePattern.MatchString(s) {
		var lastErr error
		for _, layout := range zonedLayouts {
			t, err := time.Parse(layout, s)
			if err == nil {
				return t.UTC(), nil
			}
			lastErr = err
		}
		return time.Time{}, lastErr
	}

	for _, layout := range localLayouts {
		if layout != fractionalLayout && len(layout) != len(s) {
			continue
		}
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t.UTC(), nil
		}
		var perr *time.ParseError
		if errors.As(err, &perr) && perr.Message != "" {
			// layout matched but a component is out of range
			return time.Time{}, err
		}
	}
	return time.Time{}, errUnknownLayout
}

// CheckAligned returns an error when t is not a whole multiple of res.
func CheckAligned(t time.Time, res Resolution) error {
	step := res.Duration()
	if step == 0 {
		return fmt.Errorf("unknown resolution %q", res)
	}
	if !t.Truncate(step).Equal(t) {
		return fmt.Errorf("%w (%s)", errMisaligned, res)
	}
	return nil
}

// FormatTimestamp renders t in the upstream layout in loc.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(UpstreamLayout)
}

// FormatValue renders a value the way the upstream publishes it. A nil value
// renders as the empty string, which parses back as missing.
func FormatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
