// Package heal implements the regex healer: an ordered, immutable table of
// pure textual rewrites run to a bounded fixed point.
package heal

import (
	"strings"

	"skillforge/internal/diff"
	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// StageName is recorded on every stage result produced here.
const StageName = "regex_heal"

// Rule is one textual repair. Pre gates the rewrite; Rewrite must be pure.
type Rule struct {
	Name    string
	Pre     func(string) bool
	Rewrite func(string) string
}

// Apply runs the rule once. The bool reports whether the text changed.
func (r Rule) Apply(text string) (string, bool) {
	if r.Pre != nil && !r.Pre(text) {
		return text, false
	}
	out := r.Rewrite(text)
	return out, out != text
}

// Table is an ordered rule list.
type Table []Rule

// Names returns the rule names in order.
func (t Table) Names() []string {
	names := make([]string, len(t))
	for i, r := range t {
		names[i] = r.Name
	}
	return names
}

// Without returns a copy of the table lacking the named rules.
func (t Table) Without(names ...string) Table {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	out := make(Table, 0, len(t))
	for _, r := range t {
		if !skip[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

// Fired records one applied rule.
type Fired struct {
	Rule string `json:"rule"`
	Pass int    `json:"pass"`
	Diff string `json:"diff"`
}

// Result is the healed text and the ordered list of rules that changed it.
type Result struct {
	Source     string  `json:"-"`
	Fired      []Fired `json:"fired"`
	Passes     int     `json:"passes"`
	FixedPoint bool    `json:"fixed_point"`
}

// StageResults converts fired rules into healing log entries.
func (r Result) StageResults() []types.StageResult {
	out := make([]types.StageResult, 0, len(r.Fired))
	for _, f := range r.Fired {
		out = append(out, types.StageResult{
			Stage:   StageName,
			Rule:    f.Rule,
			Diff:    f.Diff,
			Applied: true,
			Success: true,
		})
	}
	return out
}

// Healer runs a rule table to a bounded fixed point.
type Healer struct {
	rules     Table
	maxPasses int
}

// NewHealer creates a healer. maxPasses below 1 is treated as 1.
func NewHealer(rules Table, maxPasses int) *Healer {
	if maxPasses < 1 {
		maxPasses = 1
	}
	owned := make(Table, len(rules))
	copy(owned, rules)
	return &Healer{rules: owned, maxPasses: maxPasses}
}

// Heal applies every rule at most once per pass until a pass changes nothing or
// the pass cap is reached. It never fails.
func (h *Healer) Heal(src string) Result {
	res := Result{Source: src}
	for pass := 1; pass <= h.maxPasses; pass++ {
		res.Passes = pass
		changed := false
		for _, rule := range h.rules {
			out, applied := rule.Apply(res.Source)
			if !applied {
				continue
			}
			changed = true
			res.Fired = append(res.Fired, Fired{
				Rule: rule.Name,
				Pass: pass,
				Diff: diff.Unified(rule.Name, res.Source, out),
			})
			logging.HealDebug("pass %d: %s fired", pass, rule.Name)
			res.Source = out
		}
		if !changed {
			res.FixedPoint = true
			break
		}
	}
	if !res.FixedPoint {
		// The cap was hit; report whether the last pass happened to settle it.
		res.FixedPoint = h.settled(res.Source)
	}
	if len(res.Fired) > 0 && logging.IsCategoryEnabled(logging.CategoryHeal) {
		names := make([]string, len(res.Fired))
		for i, f := range res.Fired {
			names[i] = f.Rule
		}
		logging.Heal("fired %s in %d pass(es), fixed point=%v", strings.Join(names, ","), res.Passes, res.FixedPoint)
	}
	return res
}

func (h *Healer) settled(src string) bool {
	for _, rule := range h.rules {
		if _, applied := rule.Apply(src); applied {
			return false
		}
	}
	return true
}
