package structure

import (
	"context"
	"errors"
	"testing"

	"skillforge/internal/config"
	"skillforge/internal/policy"
	"skillforge/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHealer(t *testing.T) *Healer {
	t.Helper()
	sb := config.DefaultSandboxConfig()
	pol, err := policy.New(policy.Config{
		AllowedModules: sb.AllowedModules,
		DeniedCalls:    sb.DeniedCalls,
		FactLimit:      10000,
	})
	require.NoError(t, err)
	return NewHealer(OptionsFromConfig(config.DefaultHealingConfig(), nil), pol)
}

func reasonsOf(t *testing.T, err error) []types.FailureReason {
	t.Helper()
	var pe *types.PipelineError
	require.True(t, errors.As(err, &pe), "want PipelineError, got %v", err)
	return pe.Reasons
}

const additionSkill = `import random

def generate(level: int = 1) -> dict:
    a = random.randint(1, 10 ** level)
    b = random.randint(1, 10 ** level)
    return {"question_text": f"What is {a} + {b}?", "answer": str(a + b)}

def check(user_answer, correct_answer):
    return {"correct": user_answer.strip() == correct_answer}
`

func TestHeal_ValidModule(t *testing.T) {
	h := newTestHealer(t)
	res, err := h.Heal(context.Background(), additionSkill)
	require.NoError(t, err)
	require.NotNil(t, res.Descriptor)

	d := res.Descriptor
	assert.Equal(t, "generate", d.Generator.Name)
	assert.Equal(t, []string{"level"}, d.Generator.Params)
	assert.Equal(t, 0, d.Generator.Required)
	assert.Equal(t, "check", d.Checker.Name)
	assert.Equal(t, 2, d.Checker.Required)
	assert.Empty(t, d.Fixes)
	assert.Empty(t, d.Warnings)
	require.Len(t, d.Loads, 1)
	assert.Equal(t, "random", d.Loads[0].Module)
	assert.Equal(t, res.Source, d.Source)

	assert.Equal(t, StageLowering, res.Stages[0].Stage)
	assert.True(t, res.Stages[len(res.Stages)-1].Success)
}

func TestHeal_Idempotent(t *testing.T) {
	h := newTestHealer(t)
	first, err := h.Heal(context.Background(), additionSkill)
	require.NoError(t, err)

	second, err := h.Heal(context.Background(), first.Source)
	require.NoError(t, err)
	assert.Equal(t, first.Source, second.Source)
	if diff := cmp.Diff(first.Descriptor, second.Descriptor, cmpopts.IgnoreFields(Descriptor{}, "Fixes")); diff != "" {
		t.Errorf("descriptor changed on second heal (-first +second):\n%s", diff)
	}
}

func TestHeal_UnterminatedString(t *testing.T) {
	src := "def generate(level):\n    q = 'What is 1+1?\n    return {'question_text': q, 'answer': '2'}\n\n" +
		"def check(u, c):\n    return {'correct': u == c}\n"

	res, err := newTestHealer(t).Heal(context.Background(), src)
	require.Error(t, err)
	assert.Nil(t, res.Descriptor)
	reasons := reasonsOf(t, err)
	assert.Equal(t, types.SyntaxRepairExhausted, reasons[0].Kind)
}

func TestHeal_CapsLoopInFunction(t *testing.T) {
	src := `import random

def generate(level=1):
    while True:
        n = random.randint(1, 100)
        if n % 2 == 0:
            return {"question_text": "Is %d even?" % n, "answer": "yes"}

def check(user_answer, correct_answer):
    return {"correct": user_answer == correct_answer}
`
	res, err := newTestHealer(t).Heal(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{FixCapLoop}, res.Descriptor.Fixes)
	assert.Contains(t, res.Source, "    for _ in range(1000):\n")
	assert.NotContains(t, res.Source, "while")
}

func TestHeal_BoundedWhileLoop(t *testing.T) {
	src := `def generate(level=1):
    n = 0
    while n < 3:
        n += 1
    return {"question_text": "Count to %d" % n, "answer": str(n)}

def check(user_answer, correct_answer):
    return {"correct": user_answer == correct_answer}
`
	res, err := newTestHealer(t).Heal(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, res.Descriptor.Fixes)
	assert.Contains(t, res.Source, "while n < 3:")
}

func TestHeal_MissingColon(t *testing.T) {
	src := `def generate(level=1):
    return {"question_text": "Say %d" % level, "answer": str(level)}

def check(u, c)
    return {"correct": u == c}
`
	res, err := newTestHealer(t).Heal(context.Background(), src)
	require.NoError(t, err)
	assert.Contains(t, res.Source, "def check(u, c):\n")
	assert.Equal(t, "check", res.Descriptor.Checker.Name)
}

func TestHeal_TopLevelLoopIsForbidden(t *testing.T) {
	src := `def generate(level=1):
    return {"question_text": "q", "answer": "a"}

def check(user_answer, correct_answer):
    return {"correct": True}

while True:
    x = 1
`
	_, err := newTestHealer(t).Heal(context.Background(), src)
	require.Error(t, err)
	reasons := reasonsOf(t, err)
	require.Len(t, reasons, 1)
	assert.Equal(t, types.ForbiddenConstruct, reasons[0].Violation)
	assert.Equal(t, moduleScope, reasons[0].Subject)
	assert.Equal(t, 7, reasons[0].Line)
}

func TestHeal_MechanicalFixes(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		fix      string
		contains string
	}{
		{
			name: "generator without level",
			src: "def generate():\n    return {'question_text': 'q', 'answer': 'a'}\n\n" +
				"def check(u, c):\n    return {'correct': u == c}\n",
			fix:      FixAddLevelParam,
			contains: "def generate(level=1):",
		},
		{
			name: "trailing dict expression",
			src: "def generate(level):\n    {'question_text': 'q', 'answer': 'a'}\n\n" +
				"def check(u, c):\n    return {'correct': u == c}\n",
			fix:      FixInsertReturn,
			contains: "    return {'question_text': 'q', 'answer': 'a'}",
		},
		{
			name: "trailing assignment",
			src: "def generate(level):\n    return {'question_text': 'q', 'answer': 'a'}\n\n" +
				"def check(u, c):\n    result = {'correct': u == c}\n",
			fix:      FixInsertReturn,
			contains: "result = {'correct': u == c}; return result",
		},
		{
			name: "unused forbidden import",
			src: "import os\n\ndef generate(level):\n    return {'question_text': 'q', 'answer': 'a'}\n\n" +
				"def check(u, c):\n    return {'correct': u == c}\n",
			fix: FixDropUnusedLoad,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestHealer(t).Heal(context.Background(), tt.src)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.fix}, res.Descriptor.Fixes)
			assert.Contains(t, res.Source, tt.contains)
			assert.NotContains(t, res.Source, `"os"`)

			var fixStage *types.StageResult
			for i := range res.Stages {
				if res.Stages[i].Stage == StageFix {
					fixStage = &res.Stages[i]
				}
			}
			require.NotNil(t, fixStage)
			assert.NotEmpty(t, fixStage.Diff)
		})
	}
}

func TestHeal_Violations(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		violation types.ViolationKind
		subject   string
	}{
		{
			name:      "missing checker",
			src:       "def generate(level):\n    return {'question_text': 'q', 'answer': 'a'}\n",
			violation: types.MissingEntryPoint,
			subject:   policy.RoleChecker,
		},
		{
			name: "checker with one parameter",
			src: "def generate(level):\n    return {'question_text': 'q', 'answer': 'a'}\n\n" +
				"def check(u):\n    return {'correct': True}\n",
			violation: types.BadSignature,
			subject:   "check",
		},
		{
			name: "used forbidden import",
			src: "import os\n\ndef generate(level):\n    return {'question_text': os.getcwd(), 'answer': 'a'}\n\n" +
				"def check(u, c):\n    return {'correct': u == c}\n",
			violation: types.ForbiddenConstruct,
			subject:   "os",
		},
		{
			name: "denied call",
			src: "def generate(level):\n    data = open('questions.txt')\n    return {'question_text': data, 'answer': 'a'}\n\n" +
				"def check(u, c):\n    return {'correct': u == c}\n",
			violation: types.ForbiddenConstruct,
			subject:   "open",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestHealer(t).Heal(context.Background(), tt.src)
			require.Error(t, err)
			reasons := reasonsOf(t, err)
			require.NotEmpty(t, reasons)
			assert.Equal(t, types.StructuralViolation, reasons[0].Kind)
			assert.Equal(t, tt.violation, reasons[0].Violation)
			assert.Equal(t, tt.subject, reasons[0].Subject)
		})
	}
}

func TestHeal_FixDisabled(t *testing.T) {
	sb := config.DefaultSandboxConfig()
	pol, err := policy.New(policy.Config{AllowedModules: sb.AllowedModules, DeniedCalls: sb.DeniedCalls})
	require.NoError(t, err)

	opts := OptionsFromConfig(config.DefaultHealingConfig(), nil)
	opts.Fix = false
	src := "def generate():\n    return {'question_text': 'q', 'answer': 'a'}\n\n" +
		"def check(u, c):\n    return {'correct': u == c}\n"

	_, err = NewHealer(opts, pol).Heal(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, types.BadSignature, reasonsOf(t, err)[0].Violation)
}

func TestHeal_MissingKeyWarning(t *testing.T) {
	src := "def generate(level):\n    return {'question': 'q', 'answer': 'a'}\n\n" +
		"def check(u, c):\n    return {'correct': u == c}\n"
	res, err := newTestHealer(t).Heal(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, res.Descriptor.Warnings, 1)
	assert.Contains(t, res.Descriptor.Warnings[0], `"question_text"`)
}

func TestFunction_Accepts(t *testing.T) {
	f := Function{Params: []string{"a", "b"}, Required: 1}
	assert.False(t, f.Accepts(0))
	assert.True(t, f.Accepts(1))
	assert.True(t, f.Accepts(2))
	assert.False(t, f.Accepts(3))

	f.Variadic = true
	assert.True(t, f.Accepts(5))
}
