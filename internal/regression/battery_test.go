package regression

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const addCompletion = "```python\n" + `def generate(level):
    return {"question_text": "What is 1 + %d?" % level, "answer": str(1 + level)}

def check(user_answer, correct_answer):
    return {"correct": user_answer == correct_answer}
` + "```\n"

func writeBattery(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "battery.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write battery: %v", err)
	}
	return path
}

func TestLoadBattery(t *testing.T) {
	path := writeBattery(t, `version: 1
configs:
  - id: lower_only
    lowering: true
entries:
  - spec:
      skill_id: add
      levels: [1, 2]
      min_trials: 2
    completion_file: add.md
    model: qwen2.5-coder-7b
  - id: add-inline
    spec:
      skill_id: add
      levels: [1]
      min_trials: 1
    completion: "def generate(level):\n    pass\n"
    model: llama-3-8b
    variant: few_shot
`)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "add.md"), []byte(addCompletion), 0o644); err != nil {
		t.Fatalf("write completion: %v", err)
	}

	b, err := LoadBattery(path)
	if err != nil {
		t.Fatalf("LoadBattery failed: %v", err)
	}
	if b.Version != 1 {
		t.Fatalf("Version = %d, want 1", b.Version)
	}
	if len(b.Entries) != 2 || b.Entries[0].ID != "add" || b.Entries[1].ID != "add-inline" {
		t.Fatalf("unexpected entries: %+v", b.Entries)
	}
	if b.Entries[0].Completion != addCompletion {
		t.Fatalf("completion file not inlined: %q", b.Entries[0].Completion)
	}
	if len(b.Configs) != 1 || !b.Configs[0].Lowering || b.Configs[0].Regex {
		t.Fatalf("unexpected configs: %+v", b.Configs)
	}

	jobs := b.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs len = %d, want 2", len(jobs))
	}
	if jobs[1].Completion.ID != "golden-add-inline" || jobs[1].Completion.Variant != "few_shot" {
		t.Fatalf("unexpected job: %+v", jobs[1].Completion)
	}
	if jobs[0].Completion.SkillID != "add" || jobs[0].Spec.MinTrials != 2 {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
}

func TestLoadBatteryErrors(t *testing.T) {
	tests := map[string]string{
		"duplicate id": `entries:
  - {spec: {skill_id: a, levels: [1], min_trials: 1}, completion: x}
  - {spec: {skill_id: a, levels: [1], min_trials: 1}, completion: y}
`,
		"invalid spec": `entries:
  - {spec: {skill_id: a, levels: [], min_trials: 1}, completion: x}
`,
		"no completion": `entries:
  - {spec: {skill_id: a, levels: [1], min_trials: 1}}
`,
		"both completions": `entries:
  - {spec: {skill_id: a, levels: [1], min_trials: 1}, completion: x, completion_file: y.md}
`,
		"missing file": `entries:
  - {spec: {skill_id: a, levels: [1], min_trials: 1}, completion_file: nope.md}
`,
		"bad yaml": "entries: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadBattery(writeBattery(t, content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDefaultPaths(t *testing.T) {
	if p := DefaultBatteryPath("/ws"); !strings.HasSuffix(p, filepath.Join("golden", "battery.yaml")) {
		t.Fatalf("unexpected battery path: %s", p)
	}
	if p := DefaultBaselinePath("/ws"); !strings.HasSuffix(p, filepath.Join("golden", "baseline.yaml")) {
		t.Fatalf("unexpected baseline path: %s", p)
	}
}
