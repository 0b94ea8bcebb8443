package regression

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"skillforge/internal/archive"
	"skillforge/internal/config"
	"skillforge/internal/ledger"
	"skillforge/internal/logging"
	"skillforge/internal/metrics"
	"skillforge/internal/pipeline"
	"skillforge/internal/policy"
	"skillforge/internal/sandbox"
	"skillforge/internal/types"

	"github.com/google/uuid"
)

// Runner replays a battery against a baseline. It writes only to the report
// store and the ledger; nothing is archived or published.
type Runner struct {
	Config  *config.Config
	Policy  *policy.Engine
	Sandbox *sandbox.Interpreter
	Ledger  *ledger.Ledger
	Metrics *metrics.Recorder
}

// Options selects the healing configuration and baseline handling.
type Options struct {
	Healing      pipeline.Healing
	BaselinePath string
	// Update rewrites the baseline with the current verdicts.
	Update bool
}

// Report is a finished regression run plus where its report was written.
type Report struct {
	Run        *types.RegressionRun
	Results    []*pipeline.Result
	ReportPath string
}

// Run processes every battery entry and diffs the verdicts against the baseline.
func (r *Runner) Run(ctx context.Context, b *Battery, opts Options) (*Report, error) {
	if opts.Healing.ID == "" {
		opts.Healing = pipeline.HealingFull
	}
	baseline, err := LoadBaseline(opts.BaselinePath)
	if err != nil {
		return nil, err
	}

	run := &types.RegressionRun{
		ID:        uuid.NewString(),
		Config:    opts.Healing.ID,
		Skills:    b.IDs(),
		Baseline:  baseline.Statuses,
		StartedAt: time.Now(),
	}
	logging.Regression("regression run %s: %d entries, healing=%s", run.ID, len(b.Entries), opts.Healing.ID)

	p, err := pipeline.New(r.Config, pipeline.Options{
		Healing: opts.Healing,
		RunID:   run.ID,
		Policy:  r.Policy,
		Sandbox: r.Sandbox,
		Ledger:  r.Ledger,
		Metrics: r.Metrics,
	})
	if err != nil {
		return nil, err
	}
	results, err := p.RunBatch(ctx, b.Jobs(), r.Config.Limits.Workers)
	if err != nil {
		logging.RegressionWarn("some entries did not complete: %v", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	run.Current = make(map[string]types.VerdictStatus, len(results))
	reasons := make(map[string]types.FailureKind, len(results))
	for i, res := range results {
		if res == nil {
			continue
		}
		id := b.Entries[i].ID
		run.Current[id] = res.Verdict.Status
		if k := res.Verdict.PrimaryReason(); k != "" {
			reasons[id] = k
		}
	}
	run.Diffs = Diff(baseline.Statuses, run.Current, reasons)
	run.Regressions = CountRegressions(run.Diffs)
	run.FinishedAt = time.Now()

	for _, d := range run.Diffs {
		if d.Kind == types.DiffRegressed {
			logging.RegressionWarn("%s regressed: %s -> %s (%s)", d.SkillID, d.Baseline, d.Current, d.Reason)
		}
	}

	rep := &Report{Run: run, Results: results}
	if dir := r.Config.ReportsPath(); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create reports directory: %w", err)
		}
		rep.ReportPath = filepath.Join(dir, "regression_"+run.ID+".json")
		if err := archive.WriteJSONOnce(rep.ReportPath, run); err != nil {
			return nil, err
		}
	}

	if r.Ledger != nil {
		row := ledger.RunRow{
			ID:          run.ID,
			Kind:        ledger.RunRegression,
			Config:      run.Config,
			Regressions: run.Regressions,
			ReportPath:  rep.ReportPath,
			StartedAt:   run.StartedAt,
			FinishedAt:  run.FinishedAt,
		}
		for _, s := range run.Current {
			row.Total++
			switch s {
			case types.StatusPassed:
				row.Passed++
			case types.StatusPartial:
				row.Partial++
			default:
				row.Failed++
			}
		}
		if err := r.Ledger.RecordRun(row); err != nil {
			return nil, err
		}
	}

	if opts.Update {
		next := &Baseline{Version: 1, Config: run.Config, Statuses: run.Current}
		if err := SaveBaseline(opts.BaselinePath, next); err != nil {
			return nil, err
		}
		logging.Regression("baseline %s updated with %d entries", opts.BaselinePath, len(run.Current))
	}

	logging.Regression("regression run %s: %d regression(s) in %v",
		run.ID, run.Regressions, run.FinishedAt.Sub(run.StartedAt))
	return rep, nil
}
