package regression

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"skillforge/internal/types"

	"gopkg.in/yaml.v3"
)

// Baseline is the stored verdict per golden entry.
type Baseline struct {
	Version  int                            `yaml:"version"`
	Config   string                         `yaml:"config,omitempty"`
	Statuses map[string]types.VerdictStatus `yaml:"statuses"`
}

// LoadBaseline reads a baseline file. A missing file is an empty baseline.
func LoadBaseline(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Baseline{Version: 1, Statuses: map[string]types.VerdictStatus{}}, nil
		}
		return nil, err
	}
	var b Baseline
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse baseline YAML: %w", err)
	}
	if b.Statuses == nil {
		b.Statuses = map[string]types.VerdictStatus{}
	}
	for id, s := range b.Statuses {
		switch s {
		case types.StatusPassed, types.StatusPartial, types.StatusFailed:
		default:
			return nil, fmt.Errorf("baseline entry %q: unknown status %q", id, s)
		}
	}
	return &b, nil
}

// SaveBaseline replaces the baseline file atomically: the new content is
// written to a temp file in the same directory and renamed over the old one.
func SaveBaseline(path string, b *Baseline) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".baseline-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp baseline: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp baseline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp baseline: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace baseline: %w", err)
	}
	return nil
}

// Diff compares current verdicts with the baseline, one diff per id present
// in either, sorted by id. reasons supplies the current primary failure kind.
func Diff(baseline, current map[string]types.VerdictStatus, reasons map[string]types.FailureKind) []types.SkillDiff {
	ids := make(map[string]bool, len(baseline)+len(current))
	for id := range baseline {
		ids[id] = true
	}
	for id := range current {
		ids[id] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	diffs := make([]types.SkillDiff, 0, len(sorted))
	for _, id := range sorted {
		base, inBase := baseline[id]
		cur, inCur := current[id]
		d := types.SkillDiff{SkillID: id, Baseline: base, Current: cur, Reason: reasons[id]}
		switch {
		case !inBase:
			d.Kind = types.DiffNew
		case !inCur:
			d.Kind = types.DiffMissing
		case base == types.StatusPassed && cur != types.StatusPassed:
			d.Kind = types.DiffRegressed
		case cur.Rank() > base.Rank():
			d.Kind = types.DiffImproved
		default:
			// Only a lost PASSED counts as a regression; PARTIAL to FAILED does not.
			d.Kind = types.DiffUnchanged
		}
		diffs = append(diffs, d)
	}
	return diffs
}

// CountRegressions returns how many diffs regressed.
func CountRegressions(diffs []types.SkillDiff) int {
	n := 0
	for _, d := range diffs {
		if d.Kind == types.DiffRegressed {
			n++
		}
	}
	return n
}
