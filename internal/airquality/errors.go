package airquality

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientFetchError is returned when a window could not be fetched because of
// a retryable condition (timeout, 5xx, rate limit, truncated body) and the
// retry budget is exhausted.
type TransientFetchError struct {
	Window     RequestWindow
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch failure for %s after %d attempt(s): status %d (%s): %v",
			e.Window, e.Attempts, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
	}
	return fmt.Sprintf("transient fetch failure for %s after %d attempt(s): %v", e.Window, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// PermanentFetchError is returned for failures that retrying cannot fix
// (4xx other than 429, malformed request).
type PermanentFetchError struct {
	Window     RequestWindow
	Attempts   int
	StatusCode int
	Err        error
}

func (e *PermanentFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent fetch failure for %s: status %d (%s): %v",
			e.Window, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
	}
	return fmt.Sprintf("permanent fetch failure for %s: %v", e.Window, e.Err)
}

func (e *PermanentFetchError) Unwrap() error {
	return e.Err
}

// MalformedRecordError reports a raw record that could not be normalized.
// Raw carries the original payload for diagnostics.
type MalformedRecordError struct {
	Raw    RawRecord
	Field  string
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	msg := fmt.Sprintf("malformed record (station=%s metric=%s row=%d) %s %q: %s",
		e.Raw.StationID, e.Raw.MetricCode, e.Raw.Row, e.Field, e.fieldValue(), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

func (e *MalformedRecordError) fieldValue() string {
	switch e.Field {
	case "timestamp":
		return e.Raw.Timestamp
	case "value":
		return e.Raw.Value
	case "quality":
		return e.Raw.Quality
	case "metric":
		return e.Raw.MetricCode
	case "station":
		return string(e.Raw.StationID)
	default:
		return ""
	}
}

// StoreWriteError reports a batch whose commit was aborted. Prior commits are
// unaffected.
type StoreWriteError struct {
	Op   string
	Rows int
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s (%d rows): %v", e.Op, e.Rows, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// ErrorClass returns a short classification of a pipeline error for summaries
// and metrics.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var (
		transient *TransientFetchError
		permanent *PermanentFetchError
		malformed *MalformedRecordError
		store     *StoreWriteError
	)
	switch {
	case errors.As(err, &transient):
		return "transient_fetch"
	case errors.As(err, &permanent):
		return "permanent_fetch"
	case errors.As(err, &malformed):
		return "malformed_record"
	case errors.As(err, &store):
		return "store_write"
	default:
		return "unknown"
	}
}
