package sandbox

import (
	"fmt"
	"math/big"
	"math/rand"
	"sort"

	"skillforge/internal/structure"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// rngKey is the thread-local slot holding the per-invocation random source.
const rngKey = "skillforge.rng"

// catalog builds every module the sandbox can provide. Only the ones in the
// allow-list are loadable.
func catalog() map[string]*starlarkstruct.Module {
	return map[string]*starlarkstruct.Module{
		"math":   mathModule(),
		"random": randomModule(),
		"json":   jsonModule(),
	}
}

// Members lists the exported names of every module the sandbox provides.
func Members() map[string][]string {
	out := make(map[string][]string)
	for name, mod := range catalog() {
		names := make([]string, 0, len(mod.Members))
		for k := range mod.Members {
			names = append(names, k)
		}
		sort.Strings(names)
		out[name] = names
	}
	return out
}

// loadable renders a module as the dictionary a load statement reads from. The
// module value itself is exported under structure.ModuleMember.
func loadable(mod *starlarkstruct.Module) starlark.StringDict {
	d := make(starlark.StringDict, len(mod.Members)+1)
	for k, v := range mod.Members {
		d[k] = v
	}
	d[structure.ModuleMember] = mod
	d.Freeze()
	return d
}

func mathModule() *starlarkstruct.Module {
	members := make(starlark.StringDict, len(math.Module.Members)+4)
	for k, v := range math.Module.Members {
		members[k] = v
	}
	members["gcd"] = starlark.NewBuiltin("gcd", mathGCD)
	members["factorial"] = starlark.NewBuiltin("factorial", mathFactorial)
	members["isqrt"] = starlark.NewBuiltin("isqrt", mathIsqrt)
	members["comb"] = starlark.NewBuiltin("comb", mathComb)
	return &starlarkstruct.Module{Name: "math", Members: members}
}

func jsonModule() *starlarkstruct.Module {
	members := make(starlark.StringDict, len(json.Module.Members)+2)
	for k, v := range json.Module.Members {
		members[k] = v
	}
	members["dumps"] = json.Module.Members["encode"]
	members["loads"] = json.Module.Members["decode"]
	return &starlarkstruct.Module{Name: "json", Members: members}
}

func randomModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "random",
		Members: starlark.StringDict{
			"randint":   starlark.NewBuiltin("randint", randInt),
			"randrange": starlark.NewBuiltin("randrange", randRange),
			"random":    starlark.NewBuiltin("random", randFloat),
			"uniform":   starlark.NewBuiltin("uniform", randUniform),
			"choice":    starlark.NewBuiltin("choice", randChoice),
			"shuffle":   starlark.NewBuiltin("shuffle", randShuffle),
			"sample":    starlark.NewBuiltin("sample", randSample),
			"seed":      starlark.NewBuiltin("seed", randSeed),
		},
	}
}

// =============================================================================
// RANDOM
// =============================================================================

func rngOf(thread *starlark.Thread) *rand.Rand {
	if r, ok := thread.Local(rngKey).(*rand.Rand); ok {
		return r
	}
	// Threads are always created with a source; this keeps stray callers deterministic.
	return rand.New(rand.NewSource(0))
}

func randInt(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi int64
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, fmt.Errorf("%s: empty range (%d, %d)", b.Name(), lo, hi)
	}
	return starlark.MakeInt64(lo + rngOf(thread).Int63n(hi-lo+1)), nil
}

func randRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1
	var stopV starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &start, &stopV, &step); err != nil {
		return nil, err
	}
	if stopV == starlark.None {
		start, stop = 0, start
	} else if err := starlark.AsInt(stopV, &stop); err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	if step == 0 {
		return nil, fmt.Errorf("%s: step must not be zero", b.Name())
	}
	n := (stop - start + step - sign(step)) / step
	if n <= 0 {
		return nil, fmt.Errorf("%s: empty range (%d, %d, %d)", b.Name(), start, stop, step)
	}
	return starlark.MakeInt64(start + step*rngOf(thread).Int63n(n)), nil
}

func sign(n int64) int64 {
	if n < 0 {
		return -1
	}
	return 1
}

func randFloat(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.Float(rngOf(thread).Float64()), nil
}

func randUniform(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	a, ok1 := starlark.AsFloat(lo)
	z, ok2 := starlark.AsFloat(hi)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: want numbers, got %s and %s", b.Name(), lo.Type(), hi.Type())
	}
	return starlark.Float(a + (z-a)*rngOf(thread).Float64()), nil
}

func randChoice(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seq starlark.Indexable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
		return nil, err
	}
	if seq.Len() == 0 {
		return nil, fmt.Errorf("%s: empty sequence", b.Name())
	}
	return seq.Index(rngOf(thread).Intn(seq.Len())), nil
}

func randShuffle(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var list *starlark.List
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &list); err != nil {
		return nil, err
	}
	r := rngOf(thread)
	for i := list.Len() - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		vi, vj := list.Index(i), list.Index(j)
		if err := list.SetIndex(i, vj); err != nil {
			return nil, err
		}
		if err := list.SetIndex(j, vi); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

func randSample(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var population starlark.Value
	var k int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &population, &k); err != nil {
		return nil, err
	}
	elems, err := sequence(population)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	if k < 0 || k > len(elems) {
		return nil, fmt.Errorf("%s: sample larger than population or is negative", b.Name())
	}
	perm := rngOf(thread).Perm(len(elems))
	out := make([]starlark.Value, k)
	for i := range out {
		out[i] = elems[perm[i]]
	}
	return starlark.NewList(out), nil
}

func randSeed(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	var seed int64
	if i, ok := x.(starlark.Int); ok {
		seed, _ = i.Int64()
	} else {
		h, err := x.Hash()
		if err != nil {
			return nil, err
		}
		seed = int64(h)
	}
	rngOf(thread).Seed(seed)
	return starlark.None, nil
}

// sequence materializes any iterable.
func sequence(v starlark.Value) ([]starlark.Value, error) {
	it, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("got %s, want iterable", v.Type())
	}
	iter := it.Iterate()
	defer iter.Done()
	var out []starlark.Value
	var x starlark.Value
	for iter.Next(&x) {
		out = append(out, x)
	}
	return out, nil
}

// =============================================================================
// MATH EXTENSIONS
// =============================================================================

// maxFactorial bounds factorial and comb arguments.
const maxFactorial = 5000

func bigArg(name string, v starlark.Value) (*big.Int, error) {
	i, ok := v.(starlark.Int)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want int", name, v.Type())
	}
	return i.BigInt(), nil
}

func mathGCD(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	acc := new(big.Int)
	for _, a := range args {
		n, err := bigArg(b.Name(), a)
		if err != nil {
			return nil, err
		}
		acc.GCD(nil, nil, acc.Abs(acc), n.Abs(n))
	}
	return starlark.MakeBigInt(acc), nil
}

func mathFactorial(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var n int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &n); err != nil {
		return nil, err
	}
	if n < 0 || n > maxFactorial {
		return nil, fmt.Errorf("%s: argument %d out of range [0, %d]", b.Name(), n, maxFactorial)
	}
	return starlark.MakeBigInt(new(big.Int).MulRange(1, int64(n))), nil
}

func mathIsqrt(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	n, err := bigArg(b.Name(), x)
	if err != nil {
		return nil, err
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("%s: argument must be nonnegative", b.Name())
	}
	return starlark.MakeBigInt(new(big.Int).Sqrt(n)), nil
}

func mathComb(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var n, k int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &n, &k); err != nil {
		return nil, err
	}
	if n < 0 || k < 0 || n > maxFactorial {
		return nil, fmt.Errorf("%s: arguments out of range", b.Name())
	}
	if k > n {
		return starlark.MakeInt(0), nil
	}
	return starlark.MakeBigInt(new(big.Int).Binomial(int64(n), int64(k))), nil
}
