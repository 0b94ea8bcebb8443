package ablation

import (
	"context"
	"os"
	"testing"

	"skillforge/internal/config"
	"skillforge/internal/ledger"
	"skillforge/internal/pipeline"
	"skillforge/internal/regression"
	"skillforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanSkill = "```python\n" + `def generate(level):
    return {"question_text": "What is 1 + %d?" % level, "answer": str(1 + level)}

def check(user_answer, correct_answer):
    return {"correct": user_answer == correct_answer}
` + "```\n"

// Needs lowering: imports, annotations, f-strings and the power operator.
const pythonSkill = "```python\n" + `import random

def generate(level: int = 1) -> dict:
    a = random.randint(1, 10 ** level)
    return {"question_text": f"Double {a}?", "answer": str(2 * a)}

def check(user_answer, correct_answer):
    return {"correct": user_answer.strip() == correct_answer}
` + "```\n"

// Needs parse repair: the checker's def line lacks its colon.
const brokenSkill = "```python\n" + `def generate(level):
    return {"question_text": "Say %d" % level, "answer": str(level)}

def check(user_answer, correct_answer)
    return {"correct": user_answer == correct_answer}
` + "```\n"

func battery() *regression.Battery {
	spec := func(id string) types.SkillSpec {
		return types.SkillSpec{SkillID: id, Levels: []int{1, 2}, MinTrials: 2}
	}
	return &regression.Battery{
		Version: 1,
		Configs: []pipeline.Healing{{ID: "lower_only", Lowering: true}},
		Entries: []regression.Entry{
			{ID: "clean", Spec: spec("clean"), Completion: cleanSkill, Model: "m-7b"},
			{ID: "python", Spec: spec("python"), Completion: pythonSkill, Model: "m-7b"},
			{ID: "broken", Spec: spec("broken"), Completion: brokenSkill, Model: "m-7b"},
			{ID: "prose", Spec: spec("prose"), Completion: "No code, sorry.", Model: "m-7b"},
		},
	}
}

func TestConfigs(t *testing.T) {
	b := battery()

	all, err := Configs(b, nil)
	require.NoError(t, err)
	var ids []string
	for _, h := range all {
		ids = append(ids, h.ID)
	}
	assert.Equal(t, []string{"none", "regex", "full", "lower_only"}, ids)

	some, err := Configs(b, []string{"full", "lower_only", "full"})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	_, err = Configs(b, []string{"turbo"})
	assert.Error(t, err)
}

func TestHarness_Run(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	l, err := ledger.Open(cfg.LedgerFile())
	require.NoError(t, err)
	defer l.Close()

	b := battery()
	configs, err := Configs(b, nil)
	require.NoError(t, err)

	h := &Harness{Config: cfg, Ledger: l}
	rep, err := h.Run(context.Background(), b, configs)
	require.NoError(t, err)
	run := rep.Run

	assert.Equal(t, []string{"none", "regex", "full", "lower_only"}, run.Configs)
	for _, id := range run.Configs {
		assert.Equal(t, 4, run.Results[id].Total, id)
		assert.Equal(t, types.StatusFailed, run.Verdicts[id]["prose"], id)
		assert.Equal(t, types.StatusPassed, run.Verdicts[id]["clean"], id)
	}

	assert.Equal(t, 1, run.Results["none"].Passed)
	assert.Equal(t, 3, run.Results["full"].Passed)
	assert.Equal(t, types.StatusPassed, run.Verdicts["lower_only"]["python"])
	assert.Equal(t, types.StatusFailed, run.Verdicts["lower_only"]["broken"])
	assert.Equal(t, 2, run.Results["none"].Reasons[types.SyntaxRepairExhausted])

	assert.Empty(t, Monotonic(run, []string{"none", "regex", "full"}))
	flips := Flips(run, "none", "full")
	require.Len(t, flips, 2)
	assert.Equal(t, "broken", flips[0].SkillID)
	assert.Equal(t, types.DiffImproved, flips[0].Kind)

	assert.FileExists(t, rep.ReportPath)
	_, err = os.Stat(cfg.RegistryPath())
	assert.True(t, os.IsNotExist(err), "ablation never publishes")
	_, err = os.Stat(cfg.ArchivePath())
	assert.True(t, os.IsNotExist(err), "ablation never archives")

	runs, err := l.RecentRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	rows, err := l.VerdictsForRun(run.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 16)
}

func fenced(body string) string { return "```python\n" + body + "```\n" }

// benchmark is ten skills spanning the defect classes the healing stages target.
func benchmark() *regression.Battery {
	const check = "\ndef check(user_answer, correct_answer):\n    return {\"correct\": user_answer == correct_answer}\n"
	gen := func(ret string) string {
		return "def generate(level):\n    return " + ret + "\n"
	}
	skills := map[string]string{
		"clean":       cleanSkill,
		"python":      pythonSkill,
		"broken":      brokenSkill,
		"prose":       "No code, sorry.",
		"smartquotes": fenced(gen(`{"question_text": “Say hi”, "answer": "hi"}`) + check),
		"chattoken":   fenced(gen(`{"question_text": "Say %d" % level, "answer": str(level)}`) + check + "<|im_end|>\n"),
		"jsonbool":    fenced("def generate(level):\n    ok = true\n    return {\"question_text\": \"True?\", \"answer\": str(ok)}\n" + check),
		"whileloop":   fenced("def generate(level):\n    while True:\n        return {\"question_text\": \"Say %d\" % level, \"answer\": str(level)}\n" + check),
		"tabs":        fenced("def generate(level):\n\treturn {\"question_text\": \"Say %d\" % level, \"answer\": str(level)}\n" + check),
		"unclosed":    fenced(gen(`{"question_text": "Say %d" % level, "answer": str(level)}`) + "\ndef check(user_answer, correct_answer):\n    return {\"correct\": user_answer == correct_answer\n"),
	}
	b := &regression.Battery{Version: 1}
	for _, id := range []string{"clean", "python", "broken", "prose", "smartquotes", "chattoken", "jsonbool", "whileloop", "tabs", "unclosed"} {
		b.Entries = append(b.Entries, regression.Entry{
			ID:         id,
			Spec:       types.SkillSpec{SkillID: id, Levels: []int{1, 2}, MinTrials: 2},
			Completion: skills[id],
			Model:      "m-7b",
		})
	}
	return b
}

func TestHarness_Benchmark(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()

	b := benchmark()
	configs, err := Configs(b, []string{"none", "regex", "full"})
	require.NoError(t, err)

	rep, err := (&Harness{Config: cfg}).Run(context.Background(), b, configs)
	require.NoError(t, err)
	run := rep.Run

	passed := map[string]int{}
	for _, id := range []string{"none", "regex", "full"} {
		agg := run.Results[id]
		require.NotNil(t, agg, id)
		assert.Equal(t, 10, agg.Total, id)
		assert.GreaterOrEqual(t, agg.Passed, 0, id)
		assert.LessOrEqual(t, agg.Passed, 10, id)
		passed[id] = agg.Passed
	}
	assert.GreaterOrEqual(t, passed["full"], passed["none"])
	assert.GreaterOrEqual(t, passed["full"], passed["regex"])
	assert.Equal(t, types.StatusPassed, run.Verdicts["full"]["clean"])
	assert.Equal(t, types.StatusPassed, run.Verdicts["full"]["whileloop"])
	assert.Equal(t, types.StatusFailed, run.Verdicts["full"]["prose"])
}

func TestMonotonic_Violation(t *testing.T) {
	run := &types.AblationRun{Results: map[string]*types.Aggregate{
		"none": {PassRate: 0.5},
		"full": {PassRate: 0.25},
	}}
	assert.Equal(t, []string{"full (0.25) < none (0.50)"}, Monotonic(run, []string{"none", "full"}))
}

func TestHarness_NoConfigs(t *testing.T) {
	h := &Harness{Config: config.DefaultConfig()}
	_, err := h.Run(context.Background(), battery(), nil)
	assert.Error(t, err)
}
