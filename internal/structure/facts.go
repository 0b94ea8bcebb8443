package structure

import (
	"strings"

	"skillforge/internal/policy"

	"go.starlark.net/syntax"
)

// moduleScope names code outside any function in call_site and unbounded_loop facts.
const moduleScope = "<module>"

// Function describes a top-level def.
type Function struct {
	Name     string   `json:"name"`
	Params   []string `json:"params"`
	Required int      `json:"required"`
	Variadic bool     `json:"variadic,omitempty"`
	Line     int      `json:"line"`
}

// Accepts reports whether the function can be called with n positional arguments.
func (f Function) Accepts(n int) bool {
	if n < f.Required {
		return false
	}
	return f.Variadic || n <= len(f.Params)
}

// Load is one load statement.
type Load struct {
	Module string   `json:"module"`
	Names  []string `json:"names"`
	Line   int      `json:"line"`
	// EndLine is the line of the closing parenthesis.
	EndLine int `json:"-"`
}

type callSite struct {
	fn, callee string
	line       int
}

type loopSite struct {
	fn   string
	line int
	stmt *syntax.WhileStmt
}

// moduleInfo is everything the policy and shape checks need from one parse.
type moduleInfo struct {
	file  *syntax.File
	funcs map[string]Function
	defs  map[string]*syntax.DefStmt
	loads []Load
	calls []callSite
	loops []loopSite
	// used counts identifier references outside load statements.
	used map[string]int
}

func analyze(f *syntax.File) *moduleInfo {
	info := &moduleInfo{
		file:  f,
		funcs: make(map[string]Function),
		defs:  make(map[string]*syntax.DefStmt),
		used:  make(map[string]int),
	}

	for _, stmt := range f.Stmts {
		switch s := stmt.(type) {
		case *syntax.LoadStmt:
			l := Load{Module: s.ModuleName(), Line: int(s.Load.Line), EndLine: int(s.Rparen.Line)}
			for _, id := range s.To {
				l.Names = append(l.Names, id.Name)
			}
			info.loads = append(info.loads, l)
		case *syntax.DefStmt:
			if _, dup := info.funcs[s.Name.Name]; !dup {
				info.funcs[s.Name.Name] = describeDef(s)
				info.defs[s.Name.Name] = s
			}
		}
	}

	var stack []syntax.Node
	walk(f, func(n syntax.Node) bool {
		if n == nil {
			stack = stack[:len(stack)-1]
			return true
		}
		if _, ok := n.(*syntax.LoadStmt); ok {
			return false
		}
		stack = append(stack, n)

		switch x := n.(type) {
		case *syntax.Ident:
			info.used[x.Name]++
		case *syntax.CallExpr:
			if callee := exprName(x.Fn); callee != "" {
				fn := enclosingFunc(stack)
				line := int(x.Lparen.Line)
				info.calls = append(info.calls, callSite{fn: fn, callee: callee, line: line})
				if i := strings.LastIndexByte(callee, '.'); i >= 0 {
					info.calls = append(info.calls, callSite{fn: fn, callee: callee[i+1:], line: line})
				}
			}
		case *syntax.WhileStmt:
			if isConstTrue(x.Cond) && !hasBreak(x.Body) {
				info.loops = append(info.loops, loopSite{fn: enclosingFunc(stack), line: int(x.While.Line), stmt: x})
			}
		}
		return true
	})
	return info
}

// walk is syntax.Walk with while loops. Statements are traversed here and
// expressions are handed to syntax.Walk, which has no case for WhileStmt.
func walk(n syntax.Node, f func(syntax.Node) bool) {
	if e, ok := n.(syntax.Expr); ok {
		syntax.Walk(e, f)
		return
	}
	if !f(n) {
		return
	}
	switch n := n.(type) {
	case *syntax.File:
		walkStmts(n.Stmts, f)
	case *syntax.ExprStmt:
		walk(n.X, f)
	case *syntax.AssignStmt:
		walk(n.LHS, f)
		walk(n.RHS, f)
	case *syntax.DefStmt:
		walk(n.Name, f)
		for _, p := range n.Params {
			walk(p, f)
		}
		walkStmts(n.Body, f)
	case *syntax.IfStmt:
		walk(n.Cond, f)
		walkStmts(n.True, f)
		walkStmts(n.False, f)
	case *syntax.ForStmt:
		walk(n.Vars, f)
		walk(n.X, f)
		walkStmts(n.Body, f)
	case *syntax.WhileStmt:
		walk(n.Cond, f)
		walkStmts(n.Body, f)
	case *syntax.ReturnStmt:
		if n.Result != nil {
			walk(n.Result, f)
		}
	case *syntax.LoadStmt:
		walk(n.Module, f)
		for i := range n.From {
			walk(n.From[i], f)
			walk(n.To[i], f)
		}
	}
	f(nil)
}

func walkStmts(stmts []syntax.Stmt, f func(syntax.Node) bool) {
	for _, s := range stmts {
		walk(s, f)
	}
}

func describeDef(s *syntax.DefStmt) Function {
	fn := Function{Name: s.Name.Name, Line: int(s.Def.Line)}
	for _, p := range s.Params {
		switch p := p.(type) {
		case *syntax.Ident:
			fn.Params = append(fn.Params, p.Name)
			fn.Required++
		case *syntax.BinaryExpr:
			if id, ok := p.X.(*syntax.Ident); ok {
				fn.Params = append(fn.Params, id.Name)
			}
		case *syntax.UnaryExpr:
			if p.Op == syntax.STAR && p.X != nil {
				fn.Variadic = true
			}
		}
	}
	return fn
}

func enclosingFunc(stack []syntax.Node) string {
	for i := len(stack) - 1; i >= 0; i-- {
		if d, ok := stack[i].(*syntax.DefStmt); ok {
			// Report the outermost def so nested helpers attribute to their entry point.
			name := d.Name.Name
			for j := i - 1; j >= 0; j-- {
				if outer, ok := stack[j].(*syntax.DefStmt); ok {
					name = outer.Name.Name
				}
			}
			return name
		}
	}
	return moduleScope
}

func exprName(e syntax.Expr) string {
	switch x := e.(type) {
	case *syntax.Ident:
		return x.Name
	case *syntax.DotExpr:
		if base := exprName(x.X); base != "" {
			return base + "." + x.Name.Name
		}
	}
	return ""
}

func isConstTrue(e syntax.Expr) bool {
	switch x := e.(type) {
	case *syntax.Ident:
		return x.Name == "True"
	case *syntax.ParenExpr:
		return isConstTrue(x.X)
	case *syntax.Literal:
		switch v := x.Value.(type) {
		case int64:
			return v != 0
		case string:
			return v != ""
		}
	}
	return false
}

// hasBreak reports whether a break in stmts exits the loop that owns them.
func hasBreak(stmts []syntax.Stmt) bool {
	for _, s := range stmts {
		switch x := s.(type) {
		case *syntax.BranchStmt:
			if x.Token == syntax.BREAK {
				return true
			}
		case *syntax.IfStmt:
			if hasBreak(x.True) || hasBreak(x.False) {
				return true
			}
		}
	}
	return false
}

// facts renders the module as policy facts.
func (m *moduleInfo) facts(gen, chk string) []policy.Fact {
	var out []policy.Fact
	for _, l := range m.loads {
		out = append(out, policy.Fact{Predicate: "module_load", Args: []interface{}{l.Module, l.Line}})
	}
	for _, c := range m.calls {
		out = append(out, policy.Fact{Predicate: "call_site", Args: []interface{}{c.fn, c.callee, c.line}})
	}
	for _, l := range m.loops {
		out = append(out, policy.Fact{Predicate: "unbounded_loop", Args: []interface{}{l.fn, l.line}})
	}
	if gen != "" {
		out = append(out, policy.Fact{Predicate: "entry_point", Args: []interface{}{policy.RoleGenerator, gen}})
	}
	if chk != "" {
		out = append(out, policy.Fact{Predicate: "entry_point", Args: []interface{}{policy.RoleChecker, chk}})
	}
	return out
}

// findEntry returns the first defined name from names.
func (m *moduleInfo) findEntry(names []string) (Function, bool) {
	for _, n := range names {
		if f, ok := m.funcs[n]; ok {
			return f, true
		}
	}
	return Function{}, false
}

// unusedLoad reports whether none of the load's bindings are referenced.
func (m *moduleInfo) unusedLoad(l Load) bool {
	for _, n := range l.Names {
		if m.used[n] > 0 {
			return false
		}
	}
	return true
}
