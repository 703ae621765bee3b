package airquality

import (
	"fmt"
	"strings"
)

// MergePolicy decides what happens when a record's key is already stored.
type MergePolicy string

const (
	// MergeKeepFirst leaves the stored row unchanged.
	MergeKeepFirst MergePolicy = "keep_first"
	// MergeOverwrite replaces the stored row with the incoming record.
	MergeOverwrite MergePolicy = "overwrite"
)

// ParseMergePolicy parses a declared policy. There is no default.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch p := MergePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case MergeKeepFirst, MergeOverwrite:
		return p, nil
	case "":
		return "", fmt.Errorf("%w: merge policy must be declared", ErrUnknownMergePolicy)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMergePolicy, s)
	}
}

// Dedupe collapses records sharing a key. The later record wins, and the
// output keeps the order in which each key was first seen.
func Dedupe(records []Record) []Record {
	index := make(map[Key]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

// MergePlan is the outcome of merging a batch against the store.
type MergePlan struct {
	Policy  MergePolicy
	Inserts []Record
	Updates []Record
	Skipped []Record
}

// Empty reports whether the plan writes nothing.
func (p MergePlan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0
}

// Rows returns the number of rows the plan writes.
func (p MergePlan) Rows() int {
	return len(p.Inserts) + len(p.Updates)
}

// BuildMergePlan dedupes records and partitions them against the keys that
// are already stored.
func BuildMergePlan(records []Record, existing KeySet, policy MergePolicy) (MergePlan, error) {
	if _, err := ParseMergePolicy(string(policy)); err != nil {
		return MergePlan{}, err
	}

	plan := MergePlan{Policy: policy}
	for _, r := range Dedupe(records) {
		switch {
		case !existing.Has(r.Key()):
			plan.Inserts = append(plan.Inserts, r)
		case policy == MergeOverwrite:
			plan.Updates = append(plan.Updates, r)
		default:
			plan.Skipped = append(plan.Skipped, r)
		}
	}
	return plan, nil
}

// Keys returns the distinct keys of records.
func Keys(records []Record) []Key {
	seen := make(KeySet, len(records))
	keys := make([]Key, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if seen.Has(k) {
			continue
		}
		seen.Add(k)
		keys = append(keys, k)
	}
	return keys
}
