package sandbox

import (
	"fmt"
	"math"
	"math/big"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// maxExponent bounds integer exponents in pow so a single call cannot
// allocate without limit between interpreter steps.
const maxExponent = 1 << 14

// predeclared are the names available to every skill module on top of the
// Starlark universe.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"pow":        starlark.NewBuiltin("pow", builtinPow),
		"round":      starlark.NewBuiltin("round", builtinRound),
		"sum":        starlark.NewBuiltin("sum", builtinSum),
		"divmod":     starlark.NewBuiltin("divmod", builtinDivmod),
		"format":     starlark.NewBuiltin("format", builtinFormat),
		"isinstance": starlark.NewBuiltin("isinstance", builtinIsinstance),
	}
}

func builtinPow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y, mod starlark.Value = nil, nil, starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y, &mod); err != nil {
		return nil, err
	}
	xi, xInt := x.(starlark.Int)
	yi, yInt := y.(starlark.Int)
	if xInt && yInt && yi.Sign() >= 0 {
		base, exp := xi.BigInt(), yi.BigInt()
		if exp.Cmp(big.NewInt(maxExponent)) > 0 && base.CmpAbs(big.NewInt(1)) > 0 {
			return nil, fmt.Errorf("%s: exponent %s too large", b.Name(), exp)
		}
		var m *big.Int
		if mod != starlark.None {
			mi, ok := mod.(starlark.Int)
			if !ok || mi.Sign() == 0 {
				return nil, fmt.Errorf("%s: modulus must be a nonzero int", b.Name())
			}
			m = mi.BigInt()
		}
		return starlark.MakeBigInt(new(big.Int).Exp(base, exp, m)), nil
	}
	if mod != starlark.None {
		return nil, fmt.Errorf("%s: 3-argument form requires ints and a nonnegative exponent", b.Name())
	}
	xf, ok1 := starlark.AsFloat(x)
	yf, ok2 := starlark.AsFloat(y)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: unsupported operand types %s and %s", b.Name(), x.Type(), y.Type())
	}
	if xf == 0 && yf < 0 {
		return nil, fmt.Errorf("%s: zero cannot be raised to a negative power", b.Name())
	}
	return starlark.Float(math.Pow(xf, yf)), nil
}

// builtinRound rounds half to even. Without ndigits it returns an int.
func builtinRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, nd starlark.Value = nil, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &nd); err != nil {
		return nil, err
	}
	if i, ok := x.(starlark.Int); ok {
		return i, nil
	}
	f, ok := x.(starlark.Float)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want number", b.Name(), x.Type())
	}
	if nd == starlark.None {
		if math.IsInf(float64(f), 0) || math.IsNaN(float64(f)) {
			return nil, fmt.Errorf("%s: cannot convert %v to integer", b.Name(), f)
		}
		return starlark.NumberToInt(starlark.Float(math.RoundToEven(float64(f))))
	}
	var digits int
	if err := starlark.AsInt(nd, &digits); err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	scale := math.Pow(10, float64(digits))
	if math.IsInf(scale, 0) || scale == 0 {
		return f, nil
	}
	return starlark.Float(math.RoundToEven(float64(f)*scale) / scale), nil
}

func builtinSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	iter := iterable.Iterate()
	defer iter.Done()
	acc := start
	var x starlark.Value
	for iter.Next(&x) {
		next, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		acc = next
	}
	return acc, nil
}

func builtinDivmod(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	q, err := starlark.Binary(syntax.SLASHSLASH, x, y)
	if err != nil {
		return nil, err
	}
	r, err := starlark.Binary(syntax.PERCENT, x, y)
	if err != nil {
		return nil, err
	}
	return starlark.Tuple{q, r}, nil
}

func builtinFormat(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var spec string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x, &spec); err != nil {
		return nil, err
	}
	s, err := formatValue(x, spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return starlark.String(s), nil
}

// typeNames maps the builtin conversion functions to the value types they produce.
var typeNames = map[string]string{
	"int":   "int",
	"float": "float",
	"str":   "string",
	"bool":  "bool",
	"list":  "list",
	"dict":  "dict",
	"tuple": "tuple",
	"set":   "set",
	"bytes": "bytes",
}

// builtinIsinstance supports the builtin type constructors as classes, alone
// or in a tuple.
func builtinIsinstance(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, classes starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &classes); err != nil {
		return nil, err
	}
	candidates := starlark.Tuple{classes}
	if t, ok := classes.(starlark.Tuple); ok {
		candidates = t
	}
	for _, c := range candidates {
		fn, ok := c.(*starlark.Builtin)
		if !ok {
			return nil, fmt.Errorf("%s: arg 2 must be a type or tuple of types, got %s", b.Name(), c.Type())
		}
		want, ok := typeNames[fn.Name()]
		if !ok {
			return nil, fmt.Errorf("%s: %s is not a type", b.Name(), fn.Name())
		}
		got := x.Type()
		if got == want || (want == "int" && got == "bool") {
			return starlark.True, nil
		}
	}
	return starlark.False, nil
}
