// Package ingest runs one ingestion pass: every planned request window is
// fetched, normalized and merged into the measurement store by a bounded
// worker pool, and the outcome is reported as a RunSummary.
package ingest

import (
	"time"
)

// JobConfig holds the tunables of an ingestion run.
type JobConfig struct {
	// Concurrency is the number of windows processed at once.
	// Default: 3
	Concurrency int

	// WindowTimeout bounds the processing of one window once it has started.
	// Run cancellation does not interrupt a started window.
	// Default: 5 minutes
	WindowTimeout time.Duration

	// RejectSample is the number of rejected raw payloads kept in the summary.
	// Default: 20
	RejectSample int
}

// DefaultJobConfig returns the default run configuration.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Concurrency:   3,
		WindowTimeout: 5 * time.Minute,
		RejectSample:  20,
	}
}

func (c JobConfig) withDefaults() JobConfig {
	d := DefaultJobConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.WindowTimeout <= 0 {
		c.WindowTimeout = d.WindowTimeout
	}
	if c.RejectSample < 0 {
		c.RejectSample = 0
	} else if c.RejectSample == 0 {
		c.RejectSample = d.RejectSample
	}
	return c
}
