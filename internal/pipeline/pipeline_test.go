package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"skillforge/internal/archive"
	"skillforge/internal/config"
	"skillforge/internal/ledger"
	"skillforge/internal/metrics"
	"skillforge/internal/structure"
	"skillforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pythonSkill = "Here is the module:\n\n```python\n" + `import random

def generate(level: int = 1) -> dict:
    a = random.randint(1, 10 ** level)
    b = random.randint(1, 10 ** level)
    return {"question_text": f"What is {a} + {b}?", "answer": str(a + b)}

def check(user_answer, correct_answer):
    return {"correct": user_answer.strip() == correct_answer}
` + "```\n"

const cleanSkill = "```python\n" + `def generate(level):
    return {"question_text": "What is 1 + %d?" % level, "answer": str(1 + level)}

def check(user_answer, correct_answer):
    return {"correct": user_answer == correct_answer}
` + "```\n"

const acceptAllSkill = "```python\n" + `def generate(level):
    return {"question_text": "Pick a number", "answer": level}

def check(user_answer, correct_answer):
    return {"correct": True}
` + "```\n"

var addSpec = types.SkillSpec{SkillID: "add", TopicPath: "math/arith", Levels: []int{1, 2}, MinTrials: 2}

func completion(text string) types.Completion {
	return types.Completion{Text: text, Model: "qwen2.5-coder-7b-instruct", SkillID: "add"}
}

type fixture struct {
	cfg      *config.Config
	store    *archive.Store
	registry *archive.Registry
	ledger   *ledger.Ledger
	metrics  *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	l, err := ledger.Open(cfg.LedgerFile())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return &fixture{
		cfg:      cfg,
		store:    archive.New(cfg.ArchivePath()),
		registry: archive.NewRegistry(cfg.RegistryPath()),
		ledger:   l,
		metrics:  metrics.New(),
	}
}

func (f *fixture) pipeline(t *testing.T, h Healing, publish bool) *Pipeline {
	t.Helper()
	opts := Options{Healing: h, RunID: "test", Archive: f.store, Ledger: f.ledger, Metrics: f.metrics}
	if publish {
		opts.Registry = f.registry
	}
	p, err := New(f.cfg, opts)
	require.NoError(t, err)
	return p
}

func TestRun_PassedIsArchivedAndPublished(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, HealingFull, true)

	res, err := p.Run(context.Background(), completion(pythonSkill), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, res.Verdict.Status, res.Verdict.Diagnostics)
	assert.Equal(t, []int{1, 2}, res.Verdict.PassedLevels)
	assert.Equal(t, StageComplete, res.Stage)
	assert.Len(t, res.Trials, 6)
	assert.NotEmpty(t, res.Completion.ID)
	assert.Equal(t, "math/arith", res.Completion.TopicPath)

	assert.Equal(t, "add_7b_base.py", res.Artifact)
	assert.True(t, res.Published)
	published, err := f.registry.Read(res.Artifact)
	require.NoError(t, err)
	assert.Equal(t, res.Source, published)
	assert.Contains(t, published, `load("random", random="module")`)

	require.NotNil(t, res.Record)
	assert.FileExists(t, filepath.Join(res.Record.Dir, res.Artifact))

	latest, err := f.ledger.LatestVerdicts("full")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, latest["add"].Status)
	assert.Equal(t, Stats{Runs: 1, Passed: 1, Published: 1}, p.Stats())
}

func TestRun_NoCodeBlock(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, HealingFull, true)

	res, err := p.Run(context.Background(), completion("I am sorry, I cannot write that module."), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, res.Verdict.Status)
	assert.Equal(t, types.NoCodeBlock, res.Verdict.PrimaryReason())
	assert.Nil(t, res.Descriptor)
	assert.Empty(t, res.Trials)
	assert.False(t, res.Published)
	assert.Empty(t, res.Record.Artifact)

	dumps, err := os.ReadDir(filepath.Join(f.store.Root(), archive.FailedDir))
	require.NoError(t, err)
	assert.Len(t, dumps, 1)
}

func TestRun_OversizedCompletion(t *testing.T) {
	f := newFixture(t)
	f.cfg.Limits.MaxCompletionBytes = 16
	p := f.pipeline(t, HealingFull, false)

	res, err := p.Run(context.Background(), completion(cleanSkill), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.NoCodeBlock, res.Verdict.PrimaryReason())
}

func TestRun_SelfCheckFailureIsNotPublished(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, HealingFull, true)

	res, err := p.Run(context.Background(), completion(acceptAllSkill), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, res.Verdict.Status)
	assert.Equal(t, types.AnswerSelfCheckFailed, res.Verdict.PrimaryReason())
	assert.False(t, res.Published)
	assert.Empty(t, res.Artifact)

	names, err := f.registry.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRun_HealingConfigurations(t *testing.T) {
	f := newFixture(t)

	none := f.pipeline(t, HealingNone, false)
	res, err := none.Run(context.Background(), completion(pythonSkill), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, res.Verdict.Status)
	assert.Equal(t, types.SyntaxRepairExhausted, res.Verdict.PrimaryReason())

	res, err = none.Run(context.Background(), completion(cleanSkill), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, res.Verdict.Status, res.Verdict.Diagnostics)
	assert.False(t, res.Published, "no registry configured")

	full := f.pipeline(t, HealingFull, false)
	res, err = full.Run(context.Background(), completion(pythonSkill), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, res.Verdict.Status)
	lowered := false
	for _, st := range res.Attempt.Stages {
		if st.Stage == structure.StageLowering && st.Applied {
			lowered = true
		}
	}
	assert.True(t, lowered, "full healing lowers the Python imports")
}

func TestRun_WhileLoops(t *testing.T) {
	const check = "\ndef check(user_answer, correct_answer):\n    return {\"correct\": user_answer == correct_answer}\n"
	tests := []struct {
		name      string
		generate  string
		status    types.VerdictStatus
		violation types.ViolationKind
		capped    bool
	}{
		{
			name: "unbounded loop in generator is capped",
			generate: `import random

def generate(level=1):
    while True:
        n = random.randint(1, 100)
        if n % 2 == 0:
            return {"question_text": "Is %d even?" % n, "answer": "yes"}
`,
			status: types.StatusPassed,
			capped: true,
		},
		{
			name: "bounded loop runs as written",
			generate: `def generate(level=1):
    n = 0
    while n < 3:
        n += 1
    return {"question_text": "Count to %d" % n, "answer": str(n)}
`,
			status: types.StatusPassed,
		},
		{
			name: "top-level loop cannot be capped",
			generate: `def generate(level=1):
    return {"question_text": "q %d" % level, "answer": str(level)}

while True:
    x = 1
`,
			status:    types.StatusFailed,
			violation: types.ForbiddenConstruct,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.pipeline(t, HealingFull, false)

			res, err := p.Run(context.Background(), completion("```python\n"+tt.generate+check+"```\n"), addSpec)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Verdict.Status, res.Verdict.Diagnostics)
			require.NotNil(t, res.Record, "every verdict is archived")

			if tt.violation != "" {
				require.NotEmpty(t, res.Verdict.Reasons)
				assert.Equal(t, types.StructuralViolation, res.Verdict.PrimaryReason())
				assert.Equal(t, tt.violation, res.Verdict.Reasons[0].Violation)
				assert.Nil(t, res.Descriptor)
				return
			}
			require.NotNil(t, res.Descriptor)
			if tt.capped {
				assert.Contains(t, res.Descriptor.Fixes, structure.FixCapLoop)
				assert.NotContains(t, res.Source, "while True")
			} else {
				assert.Empty(t, res.Descriptor.Fixes)
			}
		})
	}
}

func TestRun_PanicBecomesVerdict(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, HealingFull, true)
	p.healStage = func(ctx context.Context, res *Result) []types.FailureReason {
		res.Stage = StageStructural
		panic("walker reached an unknown node")
	}

	res, err := p.Run(context.Background(), completion(cleanSkill), addSpec)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, res.Verdict.Status)
	assert.Equal(t, types.StructuralViolation, res.Verdict.PrimaryReason())
	assert.Contains(t, res.Verdict.Reasons[0].Detail, "panic in structural stage: walker reached an unknown node")
	assert.False(t, res.Published)
	require.NotNil(t, res.Record)

	dumps, err := os.ReadDir(filepath.Join(f.store.Root(), archive.FailedDir))
	require.NoError(t, err)
	assert.Len(t, dumps, 1)
	assert.Equal(t, Stats{Runs: 1, Failed: 1}, p.Stats())
}

func TestRun_RegistryConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Publish("add_7b_base.py", "# somebody else's module\n")
	require.NoError(t, err)

	p := f.pipeline(t, HealingFull, true)
	res, err := p.Run(context.Background(), completion(cleanSkill), addSpec)
	assert.True(t, errors.Is(err, types.ErrRegistryWriteConflict))
	require.NotNil(t, res)
	assert.Equal(t, types.StatusPassed, res.Verdict.Status)
	assert.True(t, res.Conflict)
	assert.False(t, res.Published)
	assert.Equal(t, 1, p.Stats().Conflicts)
}

func TestRun_InvalidSpec(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, HealingFull, false)

	_, err := p.Run(context.Background(), completion(cleanSkill), types.SkillSpec{SkillID: "add"})
	assert.Error(t, err)
}

func TestRunBatch(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, HealingFull, false)

	jobs := []Job{
		{Completion: completion(pythonSkill), Spec: addSpec},
		{Completion: completion("no code here"), Spec: addSpec},
		{Completion: completion(acceptAllSkill), Spec: addSpec},
	}
	results, err := p.RunBatch(context.Background(), jobs, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, types.StatusPassed, results[0].Verdict.Status)
	assert.Equal(t, types.NoCodeBlock, results[1].Verdict.PrimaryReason())
	assert.Equal(t, types.AnswerSelfCheckFailed, results[2].Verdict.PrimaryReason())
	assert.Equal(t, Stats{Runs: 3, Passed: 1, Failed: 2}, p.Stats())
}

func TestRunBatch_CancelledContext(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, HealingFull, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := p.RunBatch(ctx, []Job{{Completion: completion(cleanSkill), Spec: addSpec}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results[0])
}

func TestSeedsFor(t *testing.T) {
	assert.Equal(t, []int64{7, 42, 1337}, seedsFor([]int64{7, 42, 1337}, 2))
	assert.Equal(t, []int64{7, 8, 9}, seedsFor([]int64{7}, 3))
	assert.Equal(t, []int64{1, 2}, seedsFor(nil, 2))
}

func TestLookupHealing(t *testing.T) {
	h, err := LookupHealing("regex")
	require.NoError(t, err)
	assert.Equal(t, HealingRegex, h)

	custom := Healing{ID: "lower_only", Lowering: true}
	h, err = LookupHealing("lower_only", custom)
	require.NoError(t, err)
	assert.Equal(t, custom, h)

	_, err = LookupHealing("bogus")
	assert.Error(t, err)
	assert.Equal(t, "structural", StageStructural.String())
}
