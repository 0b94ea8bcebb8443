package sandbox

import (
	"context"
	"strings"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"

	"go.starlark.net/starlark"
	"golang.org/x/sync/errgroup"
)

// Cell is one (level, seed) coordinate of the trial matrix.
type Cell struct {
	Level int
	Seed  int64
}

// Matrix is the explicit set of trials run for a module: every required level
// once per seed.
type Matrix struct {
	Levels []int
	Seeds  []int64
}

// Cells enumerates the matrix level-major.
func (m Matrix) Cells() []Cell {
	cells := make([]Cell, 0, len(m.Levels)*len(m.Seeds))
	for _, l := range m.Levels {
		for _, s := range m.Seeds {
			cells = append(cells, Cell{Level: l, Seed: s})
		}
	}
	return cells
}

// Entry names the generator and checker of a loaded module.
type Entry struct {
	Generator string
	Checker   string
}

// RunTrials runs every cell of m against h. Trials run concurrently, bounded by
// the interpreter's slot count; a failing trial never affects its siblings.
// The result is in Cells() order.
func (in *Interpreter) RunTrials(ctx context.Context, h *Handle, entry Entry, m Matrix) []types.ExecutionTrial {
	timer := logging.StartTimer(logging.CategorySandbox, "RunTrials")
	defer timer.Stop()

	cells := m.Cells()
	trials := make([]types.ExecutionTrial, len(cells))
	var g errgroup.Group
	for i, c := range cells {
		g.Go(func() error {
			trials[i] = in.runTrial(ctx, h, entry, c)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, t := range trials {
		if !t.Succeeded() {
			failed++
		}
	}
	logging.Sandbox("ran %d trial(s), %d failed", len(trials), failed)
	return trials
}

func (in *Interpreter) runTrial(ctx context.Context, h *Handle, entry Entry, c Cell) (t types.ExecutionTrial) {
	t = types.ExecutionTrial{Level: c.Level, Seed: c.Seed}
	var outputs []string
	start := time.Now()
	defer func() {
		t.Duration = time.Since(start)
		t.Output = strings.Join(outputs, "")
	}()

	fail := func(err error) types.ExecutionTrial {
		r := types.ReasonsOf(err)[0]
		t.Failure, t.Error = r.Kind, r.Detail
		return t
	}

	gen, err := in.invoke(ctx, h, entry.Generator, starlark.Tuple{starlark.MakeInt(c.Level)}, c.Seed, 0)
	outputs = append(outputs, gen.Output)
	if err != nil {
		return fail(err)
	}
	payload, answer, err := parsePayload(gen.Value)
	if err != nil {
		return fail(types.Fail(types.MalformedPayload, err.Error()))
	}
	t.Payload = payload

	right, err := in.check(ctx, h, entry.Checker, answer, answer, c.Seed, &outputs)
	if err != nil {
		return fail(err)
	}
	t.CorrectVerdict = right
	if !right.Correct {
		return fail(types.Fail(types.AnswerSelfCheckFailed, "checker rejected the generator's own answer"))
	}

	wrong := WrongAnswer(answer)
	t.WrongAnswer = ToGo(wrong)
	verdict, err := in.check(ctx, h, entry.Checker, wrong, answer, c.Seed, &outputs)
	if err != nil {
		return fail(err)
	}
	t.WrongVerdict = verdict
	if verdict.Correct {
		return fail(types.Fail(types.AnswerSelfCheckFailed, "checker accepted a wrong answer "+wrong.String()))
	}
	return t
}

func (in *Interpreter) check(ctx context.Context, h *Handle, name string, user, correct starlark.Value, seed int64, outputs *[]string) (*types.CheckResult, error) {
	inv, err := in.invoke(ctx, h, name, starlark.Tuple{user, correct}, seed, 0)
	*outputs = append(*outputs, inv.Output)
	if err != nil {
		return nil, err
	}
	res, err := parseCheck(inv.Value)
	if err != nil {
		return nil, types.Fail(types.MalformedPayload, err.Error())
	}
	return res, nil
}
