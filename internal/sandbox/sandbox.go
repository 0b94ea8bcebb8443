// Package sandbox executes validated skill modules in a capability-restricted
// Starlark interpreter and probes them over an explicit trial matrix.
//
// Modules get no filesystem, network or process builtins. load() resolves only
// allow-listed modules, random is seeded per invocation, print is captured and
// every invocation runs under a step budget and a wall-clock timeout enforced
// by cancelling the interpreter thread.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/structure"
	"skillforge/internal/types"

	"go.starlark.net/starlark"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Sandbox loads module sources and invokes their entry points.
type Sandbox interface {
	Load(ctx context.Context, src string) (*Handle, error)
	Invoke(ctx context.Context, h *Handle, call Call) (Invocation, error)
}

// Options bounds every execution.
type Options struct {
	TrialTimeout   time.Duration
	LoadTimeout    time.Duration
	MaxSteps       uint64
	MaxConcurrent  int
	AllowedModules []string
	MaxOutputBytes int
}

// OptionsFromConfig reads the sandbox section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TrialTimeout:   cfg.GetTrialTimeout(),
		LoadTimeout:    cfg.GetLoadTimeout(),
		MaxSteps:       cfg.Sandbox.MaxSteps,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
		AllowedModules: cfg.Sandbox.AllowedModules,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}
}

// Handle is a loaded module. Its globals are frozen, so one handle may be
// invoked from several goroutines.
type Handle struct {
	Globals starlark.StringDict
	// Output is what the module printed while executing its top level.
	Output string
}

// Call describes one entry point invocation.
type Call struct {
	Entry string
	Args  []interface{}
	Seed  int64
	// Timeout overrides Options.TrialTimeout when positive.
	Timeout time.Duration
}

// Invocation is the outcome of a successful call.
type Invocation struct {
	Value    starlark.Value
	Output   string
	Steps    uint64
	Duration time.Duration
}

// Interpreter is the Starlark-backed Sandbox.
type Interpreter struct {
	opts        Options
	modules     map[string]starlark.StringDict
	predeclared starlark.StringDict
	sem         *semaphore.Weighted
	loads       singleflight.Group
}

var _ Sandbox = (*Interpreter)(nil)

// New creates an interpreter. Modules outside the catalog are ignored with a warning.
func New(opts Options) *Interpreter {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.TrialTimeout <= 0 {
		opts.TrialTimeout = 2 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = opts.TrialTimeout
	}

	all := catalog()
	modules := make(map[string]starlark.StringDict, len(opts.AllowedModules))
	for _, name := range opts.AllowedModules {
		mod, ok := all[name]
		if !ok {
			logging.SandboxWarn("allowed module %q is not provided by the sandbox", name)
			continue
		}
		modules[name] = loadable(mod)
	}

	return &Interpreter{
		opts:        opts,
		modules:     modules,
		predeclared: predeclared(),
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// Load executes the module's top level and returns its frozen globals.
// Concurrent loads of the same source share one execution, which runs under
// the load timeout rather than any single caller's context. A caller whose ctx
// ends first stops waiting without cancelling the others.
func (in *Interpreter) Load(ctx context.Context, src string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, loadAbandoned(err)
	}
	sum := sha256.Sum256([]byte(src))
	ch := in.loads.DoChan(hex.EncodeToString(sum[:]), func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.opts.LoadTimeout)
		defer cancel()
		return in.load(lctx, src)
	})

	select {
	case <-ctx.Done():
		return nil, loadAbandoned(ctx.Err())
	case r := <-ch:
		if r.Shared {
			logging.SandboxDebug("module load shared with a concurrent caller")
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Handle), nil
	}
}

func loadAbandoned(err error) error {
	kind := types.ExecutionException
	if errors.Is(err, context.DeadlineExceeded) {
		kind = types.ExecutionTimeout
	}
	return types.Fail(kind, "module load abandoned: "+err.Error())
}

func (in *Interpreter) load(ctx context.Context, src string) (*Handle, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "Load")
	defer timer.StopWithThreshold(in.opts.LoadTimeout / 2)

	if err := in.acquire(ctx); err != nil {
		return nil, err
	}
	defer in.sem.Release(1)

	thread, out := in.newThread("load", 0)
	var globals starlark.StringDict
	_, _, err := in.guard(ctx, thread, in.opts.LoadTimeout, func() (starlark.Value, error) {
		g, err := starlark.ExecFileOptions(structure.Dialect, thread, structure.ModuleFile, src, in.predeclared)
		globals = g
		return starlark.None, err
	})
	if err != nil {
		return nil, err
	}
	return &Handle{Globals: globals, Output: out.String()}, nil
}

// Invoke calls an entry point of h with Go arguments.
func (in *Interpreter) Invoke(ctx context.Context, h *Handle, call Call) (Invocation, error) {
	args := make(starlark.Tuple, len(call.Args))
	for i, a := range call.Args {
		v, err := FromGo(a)
		if err != nil {
			return Invocation{}, types.Fail(types.ExecutionException, err.Error())
		}
		args[i] = v
	}
	return in.invoke(ctx, h, call.Entry, args, call.Seed, call.Timeout)
}

func (in *Interpreter) invoke(ctx context.Context, h *Handle, entry string, args starlark.Tuple, seed int64, timeout time.Duration) (Invocation, error) {
	fn, ok := h.Globals[entry].(starlark.Callable)
	if !ok {
		return Invocation{}, types.Fail(types.ExecutionException, fmt.Sprintf("%s is not a function in the loaded module", entry))
	}
	if timeout <= 0 {
		timeout = in.opts.TrialTimeout
	}
	if err := in.acquire(ctx); err != nil {
		return Invocation{}, err
	}
	defer in.sem.Release(1)

	thread, out := in.newThread(entry, seed)
	start := time.Now()
	v, steps, err := in.guard(ctx, thread, timeout, func() (starlark.Value, error) {
		return starlark.Call(thread, fn, args, nil)
	})
	inv := Invocation{Value: v, Output: out.String(), Steps: steps, Duration: time.Since(start)}
	return inv, err
}

func (in *Interpreter) acquire(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = in.sem.Acquire(ctx, 1)
	}
	if err != nil {
		kind := types.ExecutionException
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.ExecutionTimeout
		}
		return types.Fail(kind, "waiting for a sandbox slot: "+err.Error())
	}
	return nil
}

// guard runs fn on thread with the timeout and step budget applied, and maps
// interpreter errors and panics onto the failure taxonomy.
func (in *Interpreter) guard(ctx context.Context, thread *starlark.Thread, timeout time.Duration, fn func() (starlark.Value, error)) (v starlark.Value, steps uint64, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(cctx, func() {
		thread.Cancel(context.Cause(cctx).Error())
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			logging.SandboxWarn("interpreter panic in %s: %v", thread.Name, r)
			v, err = nil, types.Fail(types.ExecutionException, fmt.Sprintf("panic: %v", r))
		}
	}()

	v, err = fn()
	steps = thread.ExecutionSteps()
	if err == nil {
		return v, steps, nil
	}

	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return nil, steps, types.Fail(types.ExecutionTimeout, fmt.Sprintf("%s exceeded %v", thread.Name, timeout))
	case in.opts.MaxSteps > 0 && steps >= in.opts.MaxSteps:
		return nil, steps, types.Fail(types.ExecutionTimeout, fmt.Sprintf("%s exceeded %d steps", thread.Name, in.opts.MaxSteps))
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		logging.SandboxDebug("%s failed:\n%s", thread.Name, ee.Backtrace())
		return nil, steps, types.Fail(types.ExecutionException, evalMessage(ee))
	}
	return nil, steps, types.Fail(types.ExecutionException, err.Error())
}

// evalMessage prefixes the innermost Starlark position to the error.
func evalMessage(ee *starlark.EvalError) string {
	for i := len(ee.CallStack) - 1; i >= 0; i-- {
		fr := ee.CallStack[i]
		if fr.Pos.Filename() == structure.ModuleFile {
			return fmt.Sprintf("%s: %s", fr.Pos, ee.Msg)
		}
	}
	return ee.Msg
}

func (in *Interpreter) newThread(name string, seed int64) (*starlark.Thread, *output) {
	out := &output{limit: in.opts.MaxOutputBytes}
	thread := &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, msg string) { out.write(msg) },
		Load:  in.loadModule,
	}
	if in.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(in.opts.MaxSteps)
	}
	thread.SetLocal(rngKey, rand.New(rand.NewSource(seed)))
	return thread, out
}

func (in *Interpreter) loadModule(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	mod, ok := in.modules[module]
	if !ok {
		return nil, fmt.Errorf("module %q is not available in the sandbox", module)
	}
	return mod, nil
}

// output collects print() lines up to a byte limit.
type output struct {
	mu        sync.Mutex
	b         strings.Builder
	limit     int
	truncated bool
}

func (o *output) write(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && o.b.Len()+len(msg)+1 > o.limit {
		o.truncated = true
		return
	}
	o.b.WriteString(msg)
	o.b.WriteByte('\n')
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return o.b.String() + "[output truncated]\n"
	}
	return o.b.String()
}
