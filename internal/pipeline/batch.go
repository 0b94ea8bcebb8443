package pipeline

import (
	"context"
	"errors"
	"fmt"

	"skillforge/internal/logging"
	"skillforge/internal/types"

	"golang.org/x/sync/errgroup"
)

// Job is one completion paired with the skill spec it must satisfy.
type Job struct {
	Completion types.Completion `json:"completion" yaml:"completion"`
	Spec       types.SkillSpec  `json:"spec" yaml:"spec"`
}

// RunBatch runs every job on a pool of workers goroutines. Results are in job
// order; a job whose run returned an error still has its result, and the
// errors are joined. A cancelled context stops jobs that have not started.
func (p *Pipeline) RunBatch(ctx context.Context, jobs []Job, workers int) ([]*Result, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "RunBatch")
	defer timer.Stop()

	if workers < 1 {
		workers = 1
	}
	results := make([]*Result, len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = fmt.Errorf("%s: %w", job.Spec.SkillID, err)
				return nil
			}
			res, err := p.Run(ctx, job.Completion, job.Spec)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", job.Spec.SkillID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	st := p.Stats()
	logging.Pipeline("batch of %d done: %d passed, %d partial, %d failed",
		len(jobs), st.Passed, st.Partial, st.Failed)
	return results, errors.Join(errs...)
}
