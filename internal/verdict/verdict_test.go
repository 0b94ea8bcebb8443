package verdict

import (
	"testing"

	"skillforge/internal/types"

	"github.com/stretchr/testify/assert"
)

func ok(level int, seed int64) types.ExecutionTrial {
	return types.ExecutionTrial{
		Level:          level,
		Seed:           seed,
		CorrectVerdict: &types.CheckResult{Correct: true},
		WrongVerdict:   &types.CheckResult{Correct: false},
	}
}

func bad(level int, seed int64, kind types.FailureKind) types.ExecutionTrial {
	return types.ExecutionTrial{Level: level, Seed: seed, Failure: kind, Error: "boom"}
}

func TestClassify(t *testing.T) {
	spec := types.SkillSpec{SkillID: "add", Levels: []int{2, 1}, MinTrials: 2}

	tests := []struct {
		name    string
		trials  []types.ExecutionTrial
		status  types.VerdictStatus
		passed  []int
		failed  []int
		reasons []types.FailureKind
	}{
		{
			name:   "all levels pass",
			trials: []types.ExecutionTrial{ok(1, 7), ok(1, 42), ok(2, 7), ok(2, 42)},
			status: types.StatusPassed,
			passed: []int{1, 2},
		},
		{
			name:    "one level fails",
			trials:  []types.ExecutionTrial{ok(1, 7), ok(1, 42), ok(2, 7), bad(2, 42, types.ExecutionTimeout)},
			status:  types.StatusPartial,
			passed:  []int{1},
			failed:  []int{2},
			reasons: []types.FailureKind{types.ExecutionTimeout},
		},
		{
			name:   "too few trials",
			trials: []types.ExecutionTrial{ok(1, 7), ok(1, 42), ok(2, 7)},
			status: types.StatusPartial,
			passed: []int{1},
			failed: []int{2},
		},
		{
			name: "every level fails",
			trials: []types.ExecutionTrial{
				bad(1, 7, types.MalformedPayload), bad(1, 42, types.MalformedPayload),
				bad(2, 7, types.AnswerSelfCheckFailed), ok(2, 42),
			},
			status:  types.StatusFailed,
			failed:  []int{1, 2},
			reasons: []types.FailureKind{types.MalformedPayload, types.AnswerSelfCheckFailed},
		},
		{
			name:   "no trials",
			status: types.StatusFailed,
			failed: []int{1, 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(spec, nil, tt.trials)
			assert.Equal(t, tt.status, v.Status)
			assert.Equal(t, tt.passed, v.PassedLevels)
			assert.Equal(t, tt.failed, v.FailedLevels)
			var kinds []types.FailureKind
			for _, r := range v.Reasons {
				kinds = append(kinds, r.Kind)
			}
			assert.Equal(t, tt.reasons, kinds)
		})
	}
}

func TestClassify_PreExecutionFailure(t *testing.T) {
	spec := types.SkillSpec{SkillID: "add", Levels: []int{1}, MinTrials: 1}
	pre := []types.FailureReason{{Kind: types.SyntaxRepairExhausted, Line: 3, Detail: "no applicable repair"}}

	v := Classify(spec, pre, []types.ExecutionTrial{ok(1, 7)})
	assert.Equal(t, types.StatusFailed, v.Status)
	assert.Equal(t, types.SyntaxRepairExhausted, v.PrimaryReason())
	assert.Equal(t, []int{1}, v.FailedLevels)
	assert.Empty(t, v.PassedLevels)
	assert.Len(t, v.Diagnostics, 1)
}

func TestSummaryAndKinds(t *testing.T) {
	trials := []types.ExecutionTrial{ok(1, 1), ok(1, 2), bad(1, 3, types.ExecutionTimeout)}
	assert.Equal(t, map[types.FailureKind]int{"": 2, types.ExecutionTimeout: 1}, Summary(trials))

	v := types.ValidationVerdict{Reasons: []types.FailureReason{
		{Kind: types.MalformedPayload}, {Kind: types.ExecutionException}, {Kind: types.MalformedPayload},
	}}
	assert.Equal(t, []types.FailureKind{types.ExecutionException, types.MalformedPayload}, Kinds(v))
}
