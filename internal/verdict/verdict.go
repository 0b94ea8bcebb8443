// Package verdict classifies a completion from its healing outcome and trials.
package verdict

import (
	"fmt"
	"sort"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// Classify applies the decision rule: PASSED iff every required level has at
// least spec.MinTrials trials and all of them succeeded, PARTIAL iff some but
// not all levels pass, FAILED otherwise. A non-empty pre list means the module
// never reached a validated descriptor and the verdict is FAILED outright.
func Classify(spec types.SkillSpec, pre []types.FailureReason, trials []types.ExecutionTrial) types.ValidationVerdict {
	if len(pre) > 0 {
		v := types.ValidationVerdict{Status: types.StatusFailed, Reasons: pre, FailedLevels: spec.SortedLevels()}
		for _, r := range pre {
			v.Diagnostics = append(v.Diagnostics, r.String())
		}
		logging.Get(logging.CategoryVerdict).Info("%s: FAILED before execution (%s)", spec.SkillID, pre[0].Kind)
		return v
	}

	byLevel := make(map[int][]types.ExecutionTrial)
	for _, t := range trials {
		byLevel[t.Level] = append(byLevel[t.Level], t)
	}

	var v types.ValidationVerdict
	seen := make(map[types.FailureKind]bool)
	for _, level := range spec.SortedLevels() {
		lt := byLevel[level]
		ok := len(lt) >= spec.MinTrials
		if !ok {
			v.Diagnostics = append(v.Diagnostics,
				fmt.Sprintf("level %d: %d trial(s), need %d", level, len(lt), spec.MinTrials))
		}
		for _, t := range lt {
			if t.Succeeded() {
				continue
			}
			ok = false
			kind := t.Failure
			if kind == "" {
				kind = types.AnswerSelfCheckFailed
			}
			v.Diagnostics = append(v.Diagnostics,
				fmt.Sprintf("level %d seed %d: %s: %s", t.Level, t.Seed, kind, t.Error))
			if !seen[kind] {
				seen[kind] = true
				v.Reasons = append(v.Reasons, types.FailureReason{
					Kind:   kind,
					Detail: fmt.Sprintf("level %d seed %d: %s", t.Level, t.Seed, t.Error),
				})
			}
		}
		if ok {
			v.PassedLevels = append(v.PassedLevels, level)
		} else {
			v.FailedLevels = append(v.FailedLevels, level)
		}
	}

	switch {
	case len(v.FailedLevels) == 0 && len(v.PassedLevels) > 0:
		v.Status = types.StatusPassed
	case len(v.PassedLevels) > 0:
		v.Status = types.StatusPartial
	default:
		v.Status = types.StatusFailed
	}
	logging.Get(logging.CategoryVerdict).Info("%s: %s (passed levels %v, failed levels %v)",
		spec.SkillID, v.Status, v.PassedLevels, v.FailedLevels)
	return v
}

// Summary counts trial outcomes by failure kind; successful trials count under "".
func Summary(trials []types.ExecutionTrial) map[types.FailureKind]int {
	out := make(map[types.FailureKind]int)
	for _, t := range trials {
		if t.Succeeded() {
			out[""]++
			continue
		}
		out[t.Failure]++
	}
	return out
}

// Kinds returns the distinct failure kinds of v in a stable order.
func Kinds(v types.ValidationVerdict) []types.FailureKind {
	seen := make(map[types.FailureKind]bool)
	var out []types.FailureKind
	for _, r := range v.Reasons {
		if !seen[r.Kind] {
			seen[r.Kind] = true
			out = append(out, r.Kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
