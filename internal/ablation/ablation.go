// Package ablation compares healing configurations over a benchmark battery.
// Every (entry, configuration) pair runs independently; nothing is archived
// or published, results go to the report store and the ledger.
package ablation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"skillforge/internal/archive"
	"skillforge/internal/config"
	"skillforge/internal/ledger"
	"skillforge/internal/logging"
	"skillforge/internal/metrics"
	"skillforge/internal/pipeline"
	"skillforge/internal/policy"
	"skillforge/internal/regression"
	"skillforge/internal/sandbox"
	"skillforge/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Harness runs ablations. Policy and Sandbox are shared by every
// configuration; nil ones are built from Config.
type Harness struct {
	Config  *config.Config
	Policy  *policy.Engine
	Sandbox *sandbox.Interpreter
	Ledger  *ledger.Ledger
	Metrics *metrics.Recorder
}

// Report is a finished ablation run plus where its report was written.
type Report struct {
	Run        *types.AblationRun
	ReportPath string
}

// Configs resolves the requested configuration ids against the built-ins and
// the battery's own configurations. No ids selects all of them.
func Configs(b *regression.Battery, ids []string) ([]pipeline.Healing, error) {
	if len(ids) == 0 {
		return append(pipeline.BuiltinHealing(), b.Configs...), nil
	}
	out := make([]pipeline.Healing, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		h, err := pipeline.LookupHealing(id, b.Configs...)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

type task struct {
	healing int
	entry   int
}

// Run executes every entry of b under every configuration.
func (h *Harness) Run(ctx context.Context, b *regression.Battery, configs []pipeline.Healing) (*Report, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no healing configurations")
	}
	if h.Policy == nil {
		pol, err := pipeline.NewPolicy(h.Config)
		if err != nil {
			return nil, err
		}
		h.Policy = pol
	}
	if h.Sandbox == nil {
		h.Sandbox = sandbox.New(sandbox.OptionsFromConfig(h.Config))
	}

	run := &types.AblationRun{
		ID:        uuid.NewString(),
		Skills:    b.IDs(),
		Results:   make(map[string]*types.Aggregate, len(configs)),
		Verdicts:  make(map[string]map[string]types.VerdictStatus, len(configs)),
		StartedAt: time.Now(),
	}
	pipes := make([]*pipeline.Pipeline, len(configs))
	for i, hc := range configs {
		if _, dup := run.Results[hc.ID]; dup {
			return nil, fmt.Errorf("duplicate healing configuration %q", hc.ID)
		}
		p, err := pipeline.New(h.Config, pipeline.Options{
			Healing: hc,
			RunID:   run.ID,
			Policy:  h.Policy,
			Sandbox: h.Sandbox,
			Ledger:  h.Ledger,
			Metrics: h.Metrics,
		})
		if err != nil {
			return nil, err
		}
		pipes[i] = p
		run.Configs = append(run.Configs, hc.ID)
		run.Results[hc.ID] = &types.Aggregate{Config: hc.ID}
		run.Verdicts[hc.ID] = make(map[string]types.VerdictStatus, len(b.Entries))
	}
	logging.Ablation("ablation %s: %d entries x %d configurations", run.ID, len(b.Entries), len(configs))

	jobs := b.Jobs()
	var tasks []task
	for e := range jobs {
		for c := range configs {
			tasks = append(tasks, task{healing: c, entry: e})
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(h.Config.Limits.Workers, 1))
	for _, tk := range tasks {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			job := jobs[tk.entry]
			id := configs[tk.healing].ID
			res, err := pipes[tk.healing].Run(ctx, job.Completion, job.Spec)
			if err != nil {
				logging.Get(logging.CategoryAblation).Warn("%s under %s: %v", b.Entries[tk.entry].ID, id, err)
			}
			if res == nil {
				return nil
			}
			mu.Lock()
			run.Results[id].Add(res.Verdict)
			run.Verdicts[id][b.Entries[tk.entry].ID] = res.Verdict.Status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	run.FinishedAt = time.Now()

	rep := &Report{Run: run}
	if dir := h.Config.ReportsPath(); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create reports directory: %w", err)
		}
		rep.ReportPath = filepath.Join(dir, "ablation_"+run.ID+".json")
		if err := archive.WriteJSONOnce(rep.ReportPath, run); err != nil {
			return nil, err
		}
	}

	for _, id := range run.Configs {
		agg := run.Results[id]
		logging.Ablation("%s: %d/%d passed (%.0f%%), %d partial, %d failed",
			id, agg.Passed, agg.Total, agg.PassRate*100, agg.Partial, agg.Failed)
		if h.Ledger == nil {
			continue
		}
		err := h.Ledger.RecordRun(ledger.RunRow{
			ID:         run.ID + "/" + id,
			Kind:       ledger.RunAblation,
			Config:     id,
			Total:      agg.Total,
			Passed:     agg.Passed,
			Partial:    agg.Partial,
			Failed:     agg.Failed,
			ReportPath: rep.ReportPath,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		})
		if err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// Monotonic reports configuration pairs where the stronger configuration
// (later in order) has a lower pass rate than a weaker one.
func Monotonic(run *types.AblationRun, order []string) []string {
	var out []string
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			weak, strong := run.Results[order[i]], run.Results[order[j]]
			if weak == nil || strong == nil {
				continue
			}
			if strong.PassRate < weak.PassRate {
				out = append(out, fmt.Sprintf("%s (%.2f) < %s (%.2f)", order[j], strong.PassRate, order[i], weak.PassRate))
			}
		}
	}
	return out
}

// Flips lists the entries whose status differs between two configurations,
// sorted by entry id.
func Flips(run *types.AblationRun, from, to string) []types.SkillDiff {
	a, b := run.Verdicts[from], run.Verdicts[to]
	var out []types.SkillDiff
	for id, sa := range a {
		sb, ok := b[id]
		if !ok || sa == sb {
			continue
		}
		kind := types.DiffImproved
		if sb.Rank() < sa.Rank() {
			kind = types.DiffRegressed
		}
		out = append(out, types.SkillDiff{SkillID: id, Baseline: sa, Current: sb, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkillID < out[j].SkillID })
	return out
}
