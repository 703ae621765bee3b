package rmcab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/breatheroute/aqingest/internal/airquality"
)

// envelopeKeys are the object keys that may hold the data rows, in lookup order.
var envelopeKeys = []string{"data", "Data", "records", "Records"}

// summaryKeywords mark report footer rows that carry aggregates instead of measurements.
var summaryKeywords = []string{
	"Summary", "Minimum", "MinDate", "MinTime", "Maximum", "MaxDate", "MaxTime",
	"Avg", "Num", "DataPrecent", "STD", "Count",
}

var errNoRows = errors.New("response has no data rows")

type paginationInfo struct {
	CurrentPage   int `json:"current_page"`
	LastPage      int `json:"last_page"`
	PerPage       int `json:"per_page"`
	TotalElements int `json:"total_elements"`
}

// page is one decoded response body.
type page struct {
	Pagination *paginationInfo
	Rows       []map[string]any
}

func decodePage(body []byte) (*page, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	switch body[0] {
	case '[':
		var rows []map[string]any
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("decode rows: %w", err)
		}
		return &page{Rows: rows}, nil

	case '{':
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}

		p := &page{}
		if raw, ok := obj["pagination"]; ok && string(raw) != "null" {
			var info paginationInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				return nil, fmt.Errorf("decode pagination: %w", err)
			}
			p.Pagination = &info
		}

		for _, key := range envelopeKeys {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			rows := json.NewDecoder(bytes.NewReader(raw))
			rows.UseNumber()
			if err := rows.Decode(&p.Rows); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			return p, nil
		}
		return nil, errNoRows

	default:
		return nil, fmt.Errorf("unexpected body starting with %q", body[0])
	}
}

// isSummaryRow reports whether a timestamp cell belongs to a report footer.
func isSummaryRow(timestamp string) bool {
	for _, kw := range summaryKeywords {
		if strings.Contains(timestamp, kw) {
			return true
		}
	}
	return false
}

// cellString renders a JSON cell the way the upstream would have printed it.
func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// explodeRow turns one wide row into one raw record per monitor column.
func explodeRow(station airquality.StationID, fields airquality.FieldMap, row map[string]any, index int) []airquality.RawRecord {
	ts := cellString(row[fields.TimestampField])

	codes := make([]string, 0, len(row))
	for key := range row {
		if fields.IsMonitorColumn(key) {
			codes = append(codes, key)
		}
	}
	sort.Strings(codes)

	out := make([]airquality.RawRecord, 0, len(codes))
	for _, code := range codes {
		var quality string
		if qc := fields.QualityColumn(code); qc != "" {
			quality = cellString(row[qc])
		}
		out = append(out, airquality.RawRecord{
			StationID:  station,
			MetricCode: code,
			Timestamp:  ts,
			Value:      cellString(row[code]),
			Quality:    quality,
			Row:        index,
		})
	}
	return out
}

// FetchResult is the outcome of fetching every page of one window.
type FetchResult struct {
	Window      airquality.RequestWindow
	Records     []airquality.RawRecord
	Rows        int
	SummaryRows int
	Pages       int
	Attempts    int
	Duration    time.Duration
}

// Empty reports whether the window had no measurement rows.
func (r *FetchResult) Empty() bool {
	return r.Rows == 0
}
