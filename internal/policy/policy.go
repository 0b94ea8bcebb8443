// Package policy evaluates the forbidden-construct policy for skill modules
// with a Google Mangle program over facts extracted from the module AST.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"skillforge/internal/logging"
	"skillforge/internal/types"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed skill_policy.mg
var basePolicy string

// Role names used in entry_point and required_role facts.
const (
	RoleGenerator = "/generator"
	RoleChecker   = "/checker"
)

// Fact is one ground atom handed to the engine.
type Fact struct {
	Predicate string
	Args      []interface{}
}

// Violation is one derived violation(Kind, Subject, Line) atom.
type Violation struct {
	Kind    types.ViolationKind
	Subject string
	Line    int
}

// Reason converts the violation into a failure reason.
func (v Violation) Reason() types.FailureReason {
	return types.FailureReason{
		Kind:      types.StructuralViolation,
		Violation: v.Kind,
		Subject:   v.Subject,
		Line:      v.Line,
	}
}

// Config seeds the configuration facts.
type Config struct {
	AllowedModules []string
	DeniedCalls    []string
	// ExtraRules is Mangle source appended to the base policy.
	ExtraRules string
	FactLimit  int
}

// Engine holds the analyzed policy program. Each Evaluate call gets its own
// fact store.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	programInfo *analysis.ProgramInfo
	violation   ast.PredicateSym
}

// New parses and analyzes the base policy plus any extra rules.
func New(cfg Config) (*Engine, error) {
	src := basePolicy
	if strings.TrimSpace(cfg.ExtraRules) != "" {
		src += "\n" + cfg.ExtraRules + "\n"
	}

	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze policy: %w", err)
	}

	e := &Engine{cfg: cfg, programInfo: programInfo}
	found := false
	for sym := range programInfo.Decls {
		if sym.Symbol == "violation" && sym.Arity == 3 {
			e.violation = sym
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("policy does not declare violation/3")
	}
	return e, nil
}

// LoadExtraRules reads a Mangle rules file. An empty path yields no rules.
func LoadExtraRules(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read policy rules %s: %w", path, err)
	}
	return string(data), nil
}

// ConfigFacts returns the allow-list, deny-list and required-role facts.
func (e *Engine) ConfigFacts() []Fact {
	facts := make([]Fact, 0, len(e.cfg.AllowedModules)+len(e.cfg.DeniedCalls)+2)
	for _, m := range e.cfg.AllowedModules {
		facts = append(facts, Fact{Predicate: "allowed_module", Args: []interface{}{m}})
	}
	for _, c := range e.cfg.DeniedCalls {
		facts = append(facts, Fact{Predicate: "denied_call", Args: []interface{}{c}})
	}
	facts = append(facts,
		Fact{Predicate: "required_role", Args: []interface{}{RoleGenerator}},
		Fact{Predicate: "required_role", Args: []interface{}{RoleChecker}},
	)
	return facts
}

// Evaluate adds the module facts and the configuration facts to a fresh store,
// runs the program to a fixed point and returns the derived violations sorted
// by line, kind and subject.
func (e *Engine) Evaluate(facts []Fact) ([]Violation, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "Evaluate")
	defer timer.Stop()

	all := append(e.ConfigFacts(), facts...)
	if e.cfg.FactLimit > 0 && len(all) > e.cfg.FactLimit {
		return nil, fmt.Errorf("fact limit exceeded: %d > %d", len(all), e.cfg.FactLimit)
	}

	store := factstore.NewSimpleInMemoryStore()
	for _, f := range all {
		atom, err := toAtom(f)
		if err != nil {
			return nil, err
		}
		store.Add(atom)
	}

	e.mu.Lock()
	stats, err := mengine.EvalProgramWithStats(e.programInfo, store)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	logging.PolicyDebug("evaluated %d facts: %+v", len(all), stats)

	var out []Violation
	err = store.GetFacts(ast.NewQuery(e.violation), func(atom ast.Atom) error {
		v := Violation{
			Kind:    kindOf(termValue(atom.Args[0])),
			Subject: fmt.Sprint(termValue(atom.Args[1])),
		}
		if n, ok := termValue(atom.Args[2]).(int64); ok {
			v.Line = int(n)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Subject < out[j].Subject
	})
	if len(out) > 0 {
		logging.Policy("%d violation(s), first: %s %s", len(out), out[0].Kind, out[0].Subject)
	}
	return out, nil
}

func kindOf(v interface{}) types.ViolationKind {
	switch strings.TrimPrefix(fmt.Sprint(v), "/") {
	case "missing_entry_point":
		return types.MissingEntryPoint
	case "bad_signature":
		return types.BadSignature
	default:
		return types.ForbiddenConstruct
	}
}

func toAtom(f Fact) (ast.Atom, error) {
	terms := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		term, err := toTerm(arg)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("%s arg %d: %w", f.Predicate, i, err)
		}
		terms[i] = term
	}
	return ast.NewAtom(f.Predicate, terms...), nil
}

func toTerm(v interface{}) (ast.BaseTerm, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "/") {
			return ast.Name(val)
		}
		return ast.String(val), nil
	case int:
		return ast.Number(int64(val)), nil
	case int64:
		return ast.Number(val), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func termValue(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.NameType, ast.StringType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	default:
		return c.String()
	}
}
