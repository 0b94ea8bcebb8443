// Package structure implements the structural healer: lowering of Python
// surface syntax to the Starlark dialect, a bounded parse-repair loop, shape
// validation against the policy and one round of mechanical fixes.
package structure

import (
	"context"
	"strings"

	"skillforge/internal/config"
	"skillforge/internal/diff"
	"skillforge/internal/logging"
	"skillforge/internal/policy"
	"skillforge/internal/types"
)

// Stage names recorded in the healing log.
const (
	StageLowering    = "lowering"
	StageParseRepair = "parse_repair"
	StageShape       = "shape"
	StageFix         = "mechanical_fix"
)

// Options selects the structural stages and their bounds.
type Options struct {
	Lower bool
	// Repair enables the parse-repair loop; when false a parse error is terminal.
	Repair bool
	// Fix enables mechanical fixes after a failed shape check.
	Fix            bool
	LoweringPasses int
	RepairBudget   int
	LoopCap        int
	GeneratorNames []string
	CheckerNames   []string
	// Members lists the names each loadable module exports, for wildcard imports.
	Members map[string][]string
}

// OptionsFromConfig builds full-healing options from the healing configuration.
func OptionsFromConfig(cfg config.HealingConfig, members map[string][]string) Options {
	return Options{
		Lower:          true,
		Repair:         true,
		Fix:            true,
		LoweringPasses: cfg.LoweringPasses,
		RepairBudget:   cfg.SyntaxRepairBudget,
		LoopCap:        cfg.LoopIterationCap,
		GeneratorNames: cfg.GeneratorNames,
		CheckerNames:   cfg.CheckerNames,
		Members:        members,
	}
}

// Result carries the descriptor on success and, either way, the last source
// reached and the stage log.
type Result struct {
	Descriptor *Descriptor
	Source     string
	Stages     []types.StageResult
}

// Healer runs the structural stages. It is safe for concurrent use.
type Healer struct {
	opts     Options
	policy   *policy.Engine
	lowerer  *Lowerer
	repairer *Repairer
}

// NewHealer creates a structural healer evaluating forbidden constructs with pol.
func NewHealer(opts Options, pol *policy.Engine) *Healer {
	if opts.LoopCap < 1 {
		opts.LoopCap = 1000
	}
	budget := opts.RepairBudget
	if !opts.Repair {
		budget = 0
	}
	return &Healer{
		opts:     opts,
		policy:   pol,
		lowerer:  NewLowerer(opts.LoweringPasses, opts.Members),
		repairer: NewRepairer(DefaultFixes(), budget),
	}
}

// Heal turns healed text into a validated descriptor or a terminal
// SyntaxRepairExhausted or StructuralViolation failure. Every loop in here is
// bounded: lowering by its pass cap, parse repair by its budget and mechanical
// fixes by a single re-validation.
func (h *Healer) Heal(ctx context.Context, src string) (Result, error) {
	timer := logging.StartTimer(logging.CategoryStructure, "Heal")
	defer timer.Stop()

	res := Result{Source: src}

	if h.opts.Lower {
		low, err := h.lowerer.Lower(ctx, src)
		switch {
		case err != nil:
			logging.Get(logging.CategoryStructure).Warn("lowering skipped: %v", err)
			res.Stages = append(res.Stages, types.StageResult{Stage: StageLowering, Detail: err.Error()})
		case low.Source != src:
			res.Stages = append(res.Stages, types.StageResult{
				Stage:   StageLowering,
				Rule:    strings.Join(low.Fired, ","),
				Diff:    diff.Unified(StageLowering, src, low.Source),
				Applied: true,
				Success: true,
			})
			res.Source = low.Source
		}
	}

	rep, err := h.repairer.Repair(res.Source)
	for _, a := range rep.Attempts {
		res.Stages = append(res.Stages, types.StageResult{
			Stage:   StageParseRepair,
			Rule:    a.Fix,
			Diff:    a.Diff,
			Applied: true,
			Success: true,
			Detail:  a.Diagnostic.String(),
		})
	}
	res.Source = rep.Source
	if err != nil {
		res.Stages = append(res.Stages, types.StageResult{Stage: StageParseRepair, Detail: err.Error()})
		logging.Structure("parse repair failed after %d attempt(s): %v", len(rep.Attempts), err)
		return res, err
	}

	sc, err := h.validate(rep.File, res.Source)
	if err != nil {
		return res, types.Violation(types.ForbiddenConstruct, "policy", 0, err.Error())
	}
	if len(sc.reasons) == 0 {
		res.Stages = append(res.Stages, types.StageResult{Stage: StageShape, Success: true})
		res.Descriptor = sc.desc
		return res, nil
	}
	res.Stages = append(res.Stages, types.StageResult{Stage: StageShape, Detail: joinReasons(sc.reasons)})

	if !h.opts.Fix {
		return res, &types.PipelineError{Reasons: sc.reasons}
	}
	edits, rest := h.plan(sc)
	if len(edits) == 0 {
		return res, &types.PipelineError{Reasons: sc.reasons}
	}
	if len(rest) > 0 {
		// Unfixable violations would survive re-validation anyway.
		return res, &types.PipelineError{Reasons: rest}
	}

	fixed, names := applyEdits(res.Source, edits)
	res.Stages = append(res.Stages, types.StageResult{
		Stage:   StageFix,
		Rule:    strings.Join(names, ","),
		Diff:    diff.Unified(StageFix, res.Source, fixed),
		Applied: true,
		Success: true,
	})
	res.Source = fixed
	logging.Structure("applied mechanical fixes: %v", names)

	f, err := Parse(fixed)
	if err != nil {
		d := diagnose(err)
		return res, exhausted(d, []string{d.String()}, "mechanical fix left the module unparsable")
	}
	sc, err = h.validate(f, fixed)
	if err != nil {
		return res, types.Violation(types.ForbiddenConstruct, "policy", 0, err.Error())
	}
	if len(sc.reasons) > 0 {
		res.Stages = append(res.Stages, types.StageResult{Stage: StageShape, Detail: joinReasons(sc.reasons)})
		return res, &types.PipelineError{Reasons: sc.reasons}
	}
	res.Stages = append(res.Stages, types.StageResult{Stage: StageShape, Success: true})
	sc.desc.Fixes = names
	res.Descriptor = sc.desc
	return res, nil
}

func joinReasons(reasons []types.FailureReason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}
