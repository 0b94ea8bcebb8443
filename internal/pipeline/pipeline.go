// Package pipeline wires the healing stages, the sandbox, the classifier and
// the archive into one run per completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"skillforge/internal/archive"
	"skillforge/internal/config"
	"skillforge/internal/extract"
	"skillforge/internal/heal"
	"skillforge/internal/ledger"
	"skillforge/internal/logging"
	"skillforge/internal/metrics"
	"skillforge/internal/policy"
	"skillforge/internal/sandbox"
	"skillforge/internal/structure"
	"skillforge/internal/types"
	"skillforge/internal/verdict"

	"github.com/google/uuid"
)

// Stage identifies how far a completion got.
type Stage int

const (
	StageExtract Stage = iota
	StageRegexHeal
	StageStructural
	StageExecute
	StageClassify
	StageArchive
	StagePublish
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageExtract:
		return "extract"
	case StageRegexHeal:
		return "regex_heal"
	case StageStructural:
		return "structural"
	case StageExecute:
		return "execute"
	case StageClassify:
		return "classify"
	case StageArchive:
		return "archive"
	case StagePublish:
		return "publish"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Options configures a pipeline. Archive, Registry, Ledger and Metrics may be
// nil; ablation and regression runs leave Registry nil so they never publish.
type Options struct {
	Healing  Healing
	RunID    string
	Policy   *policy.Engine
	Sandbox  *sandbox.Interpreter
	Archive  *archive.Store
	Registry *archive.Registry
	Ledger   *ledger.Ledger
	Metrics  *metrics.Recorder
}

// Result is everything a run produced.
type Result struct {
	Completion types.Completion
	Stage      Stage
	Extracted  string
	Source     string
	Descriptor *structure.Descriptor
	Attempt    *types.HealingAttempt
	Trials     []types.ExecutionTrial
	Verdict    types.ValidationVerdict
	Record     *archive.Record
	Artifact   string
	Published  bool
	Conflict   bool
	Duration   time.Duration
}

// Stats counts verdicts across runs.
type Stats struct {
	Runs      int
	Passed    int
	Partial   int
	Failed    int
	Published int
	Conflicts int
}

// Pipeline runs completions through every stage. It is safe for concurrent use.
type Pipeline struct {
	cfg        *config.Config
	opts       Options
	entries    extract.EntryPoints
	regex      *heal.Healer
	structural *structure.Healer
	sandbox    *sandbox.Interpreter
	healStage  func(context.Context, *Result) []types.FailureReason

	mu    sync.Mutex
	stats Stats
}

// New builds a pipeline. A nil Policy or Sandbox is created from cfg.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	if opts.Healing.ID == "" {
		opts.Healing = HealingFull
	}
	if opts.Policy == nil {
		pol, err := NewPolicy(cfg)
		if err != nil {
			return nil, err
		}
		opts.Policy = pol
	}
	if opts.Sandbox == nil {
		opts.Sandbox = sandbox.New(sandbox.OptionsFromConfig(cfg))
	}

	p := &Pipeline{
		cfg:  cfg,
		opts: opts,
		entries: extract.EntryPoints{
			Generators: cfg.Healing.GeneratorNames,
			Checkers:   cfg.Healing.CheckerNames,
		},
		regex:      heal.NewHealer(heal.DefaultRules(), cfg.Healing.RegexMaxPasses),
		structural: structure.NewHealer(opts.Healing.structureOptions(cfg.Healing, sandbox.Members()), opts.Policy),
		sandbox:    opts.Sandbox,
	}
	p.healStage = p.heal
	logging.PipelineDebug("pipeline ready (healing=%s, run=%s)", opts.Healing.ID, opts.RunID)
	return p, nil
}

// NewPolicy builds the policy engine from the sandbox lists and the optional
// extra rules file.
func NewPolicy(cfg *config.Config) (*policy.Engine, error) {
	extra, err := policy.LoadExtraRules(cfg.PolicyRulesPath())
	if err != nil {
		return nil, err
	}
	return policy.New(policy.Config{
		AllowedModules: cfg.Sandbox.AllowedModules,
		DeniedCalls:    cfg.Sandbox.DeniedCalls,
		ExtraRules:     extra,
		FactLimit:      cfg.Policy.FactLimit,
	})
}

// Healing returns the configuration this pipeline heals with.
func (p *Pipeline) Healing() Healing { return p.opts.Healing }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run processes one completion. Healing and execution failures become the
// verdict; the returned error is reserved for an invalid spec, archive I/O and
// ErrRegistryWriteConflict, and the result is populated in every case but the
// first.
func (p *Pipeline) Run(ctx context.Context, c types.Completion, spec types.SkillSpec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = start
	}
	if c.SkillID == "" {
		c.SkillID = spec.SkillID
	}
	if c.TopicPath == "" {
		c.TopicPath = spec.TopicPath
	}
	log := logging.WithRunID(logging.CategoryPipeline, p.opts.RunID)

	res := &Result{Completion: c, Attempt: types.NewHealingAttempt(c.ID)}
	pre := p.guard(res, func() []types.FailureReason {
		if pre := p.healStage(ctx, res); len(pre) > 0 {
			return pre
		}
		return p.execute(ctx, res, spec)
	})

	res.Stage = StageClassify
	res.Verdict = verdict.Classify(spec, pre, res.Trials)

	err := p.finish(res)
	res.Duration = time.Since(start)
	p.record(res)
	log.Info("%s [%s] %s in %v (fired %v)", c.SkillID, p.opts.Healing.ID, res.Verdict.Status,
		res.Duration, res.Attempt.FiredRules())
	return res, err
}

// guard runs the healing and execution stages, turning a panic into a
// StructuralViolation so the completion is still classified and archived.
func (p *Pipeline) guard(res *Result, run func() []types.FailureReason) (reasons []types.FailureReason) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		detail := fmt.Sprintf("panic in %s stage: %v", res.Stage, r)
		logging.PipelineError("%s: %s", res.Completion.SkillID, detail)
		res.Descriptor = nil
		res.Trials = nil
		res.Attempt.Append(types.StageResult{Stage: res.Stage.String(), Detail: detail})
		reasons = types.ReasonsOf(types.Fail(types.StructuralViolation, detail))
	}()
	return run()
}

// heal runs extraction and the enabled healing stages, returning the reasons
// the module never reached a descriptor.
func (p *Pipeline) heal(ctx context.Context, res *Result) []types.FailureReason {
	c := res.Completion
	res.Stage = StageExtract
	if limit := p.cfg.Limits.MaxCompletionBytes; limit > 0 && len(c.Text) > limit {
		detail := fmt.Sprintf("completion is %d bytes, limit %d", len(c.Text), limit)
		res.Attempt.Append(types.StageResult{Stage: StageExtract.String(), Detail: detail})
		return types.ReasonsOf(types.Fail(types.NoCodeBlock, detail))
	}
	ext, err := extract.Extract(c.Text, p.entries)
	if err != nil {
		res.Attempt.Append(types.StageResult{Stage: StageExtract.String(), Detail: err.Error()})
		return types.ReasonsOf(err)
	}
	res.Attempt.Append(types.StageResult{
		Stage:   StageExtract.String(),
		Success: true,
		Detail:  fmt.Sprintf("%s block, %d candidate(s)", ext.Source, ext.Candidates),
	})
	res.Extracted = ext.Code
	mod := types.CandidateModule{Source: ext.Code}

	if p.opts.Healing.Regex {
		res.Stage = StageRegexHeal
		hr := p.regex.Heal(mod.Source)
		res.Attempt.Append(hr.StageResults()...)
		mod = mod.WithSource(heal.StageName, hr.Source)
	}

	res.Stage = StageStructural
	sr, err := p.structural.Heal(ctx, mod.Source)
	res.Attempt.Append(sr.Stages...)
	mod = mod.WithSource(StageStructural.String(), sr.Source)
	res.Source = mod.Source
	if err != nil {
		return types.ReasonsOf(err)
	}
	res.Descriptor = sr.Descriptor
	return nil
}

// execute loads the healed module and runs the trial matrix.
func (p *Pipeline) execute(ctx context.Context, res *Result, spec types.SkillSpec) []types.FailureReason {
	res.Stage = StageExecute
	h, err := p.sandbox.Load(ctx, res.Source)
	if err != nil {
		res.Attempt.Append(types.StageResult{Stage: StageExecute.String(), Detail: err.Error()})
		return types.ReasonsOf(err)
	}
	m := sandbox.Matrix{Levels: spec.SortedLevels(), Seeds: seedsFor(p.cfg.Sandbox.Seeds, spec.MinTrials)}
	entry := sandbox.Entry{Generator: res.Descriptor.Generator.Name, Checker: res.Descriptor.Checker.Name}
	res.Trials = p.sandbox.RunTrials(ctx, h, entry, m)
	return nil
}

// finish archives, publishes and records the verdict.
func (p *Pipeline) finish(res *Result) error {
	c := res.Completion
	var errs []error

	if p.opts.Archive != nil {
		res.Stage = StageArchive
		source := ""
		if res.Descriptor != nil {
			source = res.Source
		}
		rec, err := p.opts.Archive.Archive(archive.Entry{
			Completion: c,
			Attempt:    res.Attempt,
			Source:     source,
			Verdict:    res.Verdict,
			Trials:     res.Trials,
		})
		if err != nil {
			logging.PipelineError("archive %s: %v", c.SkillID, err)
			errs = append(errs, fmt.Errorf("archive %s: %w", c.SkillID, err))
		}
		res.Record = rec
	}

	if res.Verdict.Status == types.StatusPassed && res.Descriptor != nil {
		res.Artifact = archive.NewArtifactName(c.SkillID, c.Model, c.Variant).String()
		if p.opts.Registry != nil {
			res.Stage = StagePublish
			published, err := p.opts.Registry.Publish(res.Artifact, res.Source)
			res.Published = published
			switch {
			case errors.Is(err, types.ErrRegistryWriteConflict):
				res.Conflict = true
				p.opts.Metrics.ObservePublish("conflict")
				errs = append(errs, err)
			case err != nil:
				errs = append(errs, fmt.Errorf("publish %s: %w", res.Artifact, err))
			case published:
				p.opts.Metrics.ObservePublish("published")
			default:
				p.opts.Metrics.ObservePublish("unchanged")
			}
		}
	}

	if p.opts.Ledger != nil {
		err := p.opts.Ledger.RecordVerdict(ledger.VerdictRow{
			RunID:        p.opts.RunID,
			CompletionID: c.ID,
			SkillID:      c.SkillID,
			Model:        c.Model,
			Variant:      c.Variant,
			Config:       p.opts.Healing.ID,
			Status:       res.Verdict.Status,
			Reason:       res.Verdict.PrimaryReason(),
			PassedLevels: res.Verdict.PassedLevels,
			FailedLevels: res.Verdict.FailedLevels,
			FiredRules:   res.Attempt.FiredRules(),
			Artifact:     res.Artifact,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	p.opts.Metrics.ObserveVerdict(p.opts.Healing.ID, c.Variant, res.Verdict)
	p.opts.Metrics.ObserveRules(res.Attempt.FiredRules())
	p.opts.Metrics.ObserveTrials(res.Trials)

	if len(errs) == 0 {
		res.Stage = StageComplete
	}
	return errors.Join(errs...)
}

func (p *Pipeline) record(res *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Runs++
	switch res.Verdict.Status {
	case types.StatusPassed:
		p.stats.Passed++
	case types.StatusPartial:
		p.stats.Partial++
	default:
		p.stats.Failed++
	}
	if res.Published {
		p.stats.Published++
	}
	if res.Conflict {
		p.stats.Conflicts++
	}
}

// seedsFor returns the configured seeds, extended deterministically until
// every level gets at least want trials.
func seedsFor(seeds []int64, want int) []int64 {
	out := append([]int64(nil), seeds...)
	next := int64(1)
	if len(out) > 0 {
		next = out[len(out)-1] + 1
	}
	for len(out) < want {
		out = append(out, next)
		next++
	}
	return out
}
