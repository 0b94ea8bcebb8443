// Package regression replays a golden corpus of completions and compares the
// verdicts with a stored baseline. The corpus file (a battery) is also the
// benchmark format read by the ablation harness.
package regression

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"skillforge/internal/pipeline"
	"skillforge/internal/types"

	"gopkg.in/yaml.v3"
)

// Battery is a versioned set of golden completions.
type Battery struct {
	Version int `yaml:"version"`
	// Configs are extra healing configurations for ablation runs.
	Configs []pipeline.Healing `yaml:"configs,omitempty"`
	Entries []Entry            `yaml:"entries"`
}

// Entry is one golden completion. Exactly one of CompletionFile and
// Completion is set; CompletionFile is relative to the battery file.
type Entry struct {
	ID             string          `yaml:"id,omitempty"`
	Spec           types.SkillSpec `yaml:"spec"`
	CompletionFile string          `yaml:"completion_file,omitempty"`
	Completion     string          `yaml:"completion,omitempty"`
	Model          string          `yaml:"model"`
	Variant        string          `yaml:"variant,omitempty"`
}

// LoadBattery reads a YAML battery file from disk, inlining completion files
// and checking every entry.
func LoadBattery(path string) (*Battery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Battery
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse battery YAML: %w", err)
	}

	dir := filepath.Dir(path)
	seen := make(map[string]bool, len(b.Entries))
	for i := range b.Entries {
		e := &b.Entries[i]
		if e.ID == "" {
			e.ID = e.Spec.SkillID
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("battery entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		if err := e.Spec.Validate(); err != nil {
			return nil, fmt.Errorf("battery entry %q: %w", e.ID, err)
		}
		switch {
		case e.CompletionFile != "" && e.Completion != "":
			return nil, fmt.Errorf("battery entry %q: set completion or completion_file, not both", e.ID)
		case e.CompletionFile != "":
			p := e.CompletionFile
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			text, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("battery entry %q: %w", e.ID, err)
			}
			e.Completion = string(text)
		case strings.TrimSpace(e.Completion) == "":
			return nil, fmt.Errorf("battery entry %q: no completion", e.ID)
		}
	}
	for _, h := range b.Configs {
		if h.ID == "" {
			return nil, fmt.Errorf("battery config without id")
		}
	}
	return &b, nil
}

// Jobs converts the entries to pipeline jobs in file order.
func (b *Battery) Jobs() []pipeline.Job {
	jobs := make([]pipeline.Job, 0, len(b.Entries))
	for _, e := range b.Entries {
		jobs = append(jobs, pipeline.Job{
			Completion: types.Completion{
				ID:        "golden-" + e.ID,
				Text:      e.Completion,
				Model:     e.Model,
				SkillID:   e.Spec.SkillID,
				TopicPath: e.Spec.TopicPath,
				Variant:   e.Variant,
			},
			Spec: e.Spec,
		})
	}
	return jobs
}

// IDs returns the entry ids in file order.
func (b *Battery) IDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.ID
	}
	return ids
}

// DefaultBatteryPath returns the canonical golden corpus path for a workspace.
func DefaultBatteryPath(workspace string) string {
	return filepath.Join(workspace, "golden", "battery.yaml")
}

// DefaultBaselinePath returns the canonical baseline path for a workspace.
func DefaultBaselinePath(workspace string) string {
	return filepath.Join(workspace, "golden", "baseline.yaml")
}
