package structure

import (
	"fmt"
	"sort"

	"skillforge/internal/types"

	"go.starlark.net/syntax"
)

// Payload keys the generator and checker are expected to return.
var (
	generatorKeys = []string{"question_text", "answer"}
	checkerKeys   = []string{"correct"}
)

// Descriptor is a validated skill module.
type Descriptor struct {
	Source    string   `json:"-"`
	Generator Function `json:"generator"`
	Checker   Function `json:"checker"`
	Loads     []Load   `json:"loads,omitempty"`
	Fixes     []string `json:"fixes,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// shapeCheck is the outcome of validating one parse.
type shapeCheck struct {
	info      *moduleInfo
	desc      *Descriptor
	reasons   []types.FailureReason
	generator *syntax.DefStmt
	checker   *syntax.DefStmt
}

func (h *Healer) validate(f *syntax.File, src string) (*shapeCheck, error) {
	info := analyze(f)
	gen, hasGen := info.findEntry(h.opts.GeneratorNames)
	chk, hasChk := info.findEntry(h.opts.CheckerNames)

	violations, err := h.policy.Evaluate(info.facts(gen.Name, chk.Name))
	if err != nil {
		return nil, err
	}

	sc := &shapeCheck{
		info: info,
		desc: &Descriptor{Source: src, Generator: gen, Checker: chk, Loads: info.loads},
	}
	for _, v := range violations {
		sc.reasons = append(sc.reasons, v.Reason())
	}

	if hasGen {
		sc.generator = info.defs[gen.Name]
		if !gen.Accepts(1) {
			sc.reasons = append(sc.reasons, signatureReason(gen, "generator must accept a level argument"))
		}
		sc.checkReturn(sc.generator, gen, generatorKeys)
	}
	if hasChk {
		sc.checker = info.defs[chk.Name]
		if !chk.Accepts(2) {
			sc.reasons = append(sc.reasons, signatureReason(chk, "checker must accept (user_answer, correct_answer)"))
		}
		sc.checkReturn(sc.checker, chk, checkerKeys)
	}

	sort.SliceStable(sc.reasons, func(i, j int) bool { return sc.reasons[i].Line < sc.reasons[j].Line })
	return sc, nil
}

func signatureReason(fn Function, detail string) types.FailureReason {
	return types.FailureReason{
		Kind:      types.StructuralViolation,
		Violation: types.BadSignature,
		Subject:   fn.Name,
		Line:      fn.Line,
		Detail:    detail,
	}
}

// checkReturn records a MissingReturn reason when def never returns a value,
// and warnings for returned dict literals lacking expected keys.
func (sc *shapeCheck) checkReturn(def *syntax.DefStmt, fn Function, keys []string) {
	returns := valueReturns(def.Body)
	if len(returns) == 0 {
		sc.reasons = append(sc.reasons, types.FailureReason{
			Kind:      types.StructuralViolation,
			Violation: types.MissingReturn,
			Subject:   fn.Name,
			Line:      fn.Line,
			Detail:    "entry point never returns a value",
		})
		return
	}
	for _, r := range returns {
		dict, ok := r.Result.(*syntax.DictExpr)
		if !ok {
			continue
		}
		present := dictKeys(dict)
		for _, k := range keys {
			if !present[k] {
				sc.desc.Warnings = append(sc.desc.Warnings,
					fmt.Sprintf("%s: return at line %d lacks key %q", fn.Name, r.Return.Line, k))
			}
		}
	}
}

// valueReturns collects return statements with a result, not descending into nested defs.
func valueReturns(stmts []syntax.Stmt) []*syntax.ReturnStmt {
	var out []*syntax.ReturnStmt
	for _, s := range stmts {
		switch x := s.(type) {
		case *syntax.ReturnStmt:
			if x.Result != nil {
				out = append(out, x)
			}
		case *syntax.IfStmt:
			out = append(out, valueReturns(x.True)...)
			out = append(out, valueReturns(x.False)...)
		case *syntax.ForStmt:
			out = append(out, valueReturns(x.Body)...)
		case *syntax.WhileStmt:
			out = append(out, valueReturns(x.Body)...)
		}
	}
	return out
}

func dictKeys(d *syntax.DictExpr) map[string]bool {
	keys := make(map[string]bool, len(d.List))
	for _, e := range d.List {
		entry, ok := e.(*syntax.DictEntry)
		if !ok {
			continue
		}
		if lit, ok := entry.Key.(*syntax.Literal); ok {
			if s, ok := lit.Value.(string); ok {
				keys[s] = true
			}
		}
	}
	return keys
}
