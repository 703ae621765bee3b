package airquality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	Repository Repository
	Policy     MergePolicy

	// Catalog supplies the resolution stored with each row.
	Catalog *MetricCatalog

	Logger zerolog.Logger

	// Now is overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// WriteResult describes one committed batch.
type WriteResult struct {
	Plan   MergePlan
	Result ApplyResult
}

// Writer commits normalized batches through a Repository.
// Commits are serialized: looking up existing keys, planning and applying
// happen under one lock so concurrent windows cannot race on the same key.
type Writer struct {
	mu          sync.Mutex
	repo        Repository
	policy      MergePolicy
	resolutions map[MetricID]Resolution
	logger      zerolog.Logger
	now         func() time.Time
}

// NewWriter creates a writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("%w: repository is required", ErrStoreUnavailable)
	}
	policy, err := ParseMergePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}

	resolutions := make(map[MetricID]Resolution)
	if cfg.Catalog != nil {
		for _, m := range cfg.Catalog.Metrics() {
			resolutions[m.ID] = m.Resolution
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Writer{
		repo:        cfg.Repository,
		policy:      policy,
		resolutions: resolutions,
		logger:      cfg.Logger.With().Str("component", "writer").Logger(),
		now:         now,
	}, nil
}

// Policy returns the merge policy applied to every batch.
func (w *Writer) Policy() MergePolicy {
	return w.policy
}

// Write merges records into the store as one atomic batch. On failure the
// batch is discarded and a *StoreWriteError is returned; earlier batches stay
// committed.
func (w *Writer) Write(ctx context.Context, runID string, records []Record) (WriteResult, error) {
	if len(records) == 0 {
		return WriteResult{Plan: MergePlan{Policy: w.policy}}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := w.repo.ExistingKeys(ctx, Keys(records))
	if err != nil {
		return WriteResult{}, &StoreWriteError{Op: "lookup", Rows: len(records), Err: err}
	}

	plan, err := BuildMergePlan(records, existing, w.policy)
	if err != nil {
		return WriteResult{}, err
	}

	meta := ApplyMeta{
		RunID:       runID,
		IngestedAt:  w.now().UTC(),
		Resolutions: w.resolutions,
	}

	res, err := w.repo.Apply(ctx, plan, meta)
	if err != nil {
		return WriteResult{Plan: plan}, &StoreWriteError{Op: "apply", Rows: plan.Rows(), Err: err}
	}

	w.logger.Debug().
		Str("run_id", runID).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Msg("batch committed")

	return WriteResult{Plan: plan, Result: res}, nil
}
