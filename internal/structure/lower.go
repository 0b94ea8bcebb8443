package structure

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"skillforge/internal/logging"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Lowering rule names, in the order they are reported.
const (
	LowerImports     = "hoist_imports"
	LowerFuture      = "drop_future_import"
	LowerTry         = "unwrap_try"
	LowerMainGuard   = "drop_main_guard"
	LowerFString     = "fstring_to_format"
	LowerPow         = "pow_operator"
	LowerAnnotations = "strip_annotations"
	LowerIdentity    = "identity_comparison"
	LowerRaise       = "raise_to_fail"
)

// edit replaces src[start:end] with text.
type edit struct {
	start, end uint32
	text       string
	rule       string
}

// loadSpec is one hoisted load statement.
type loadSpec struct {
	module string
	// bindings maps local name to the member name in the module.
	bindings [][2]string
}

func (l loadSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "load(%q", l.module)
	for _, bind := range l.bindings {
		if bind[0] == bind[1] {
			fmt.Fprintf(&b, ", %q", bind[0])
		} else {
			fmt.Fprintf(&b, ", %s=%q", bind[0], bind[1])
		}
	}
	b.WriteString(")")
	return b.String()
}

// Lowering is the result of lowering Python surface syntax to the dialect.
type Lowering struct {
	Source string
	Fired  []string
	Passes int
}

// Lowerer rewrites Python-only syntax into the Starlark dialect with a bounded
// number of tree-sitter passes. Each pass edits only error-free nodes and never
// descends into a node it replaces; nested constructs are handled by later passes.
type Lowerer struct {
	maxPasses int
	// members lists the exported names of each loadable module, used to expand
	// wildcard imports.
	members map[string][]string
}

// NewLowerer creates a lowerer. maxPasses below 1 is treated as 1.
func NewLowerer(maxPasses int, members map[string][]string) *Lowerer {
	if maxPasses < 1 {
		maxPasses = 1
	}
	return &Lowerer{maxPasses: maxPasses, members: members}
}

// Lower runs passes until one makes no edit or the cap is reached.
func (l *Lowerer) Lower(ctx context.Context, src string) (Lowering, error) {
	res := Lowering{Source: src}
	seen := make(map[string]bool)

	for pass := 1; pass <= l.maxPasses; pass++ {
		res.Passes = pass
		out, fired, err := l.pass(ctx, res.Source)
		if err != nil {
			return res, err
		}
		if out == res.Source {
			break
		}
		for _, r := range fired {
			if !seen[r] {
				seen[r] = true
				res.Fired = append(res.Fired, r)
			}
		}
		logging.HealDebug("lowering pass %d: %v", pass, fired)
		res.Source = out
	}
	return res, nil
}

func (l *Lowerer) pass(ctx context.Context, src string) (string, []string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	content := []byte(src)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return src, nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	w := &lowerWalk{src: content, members: l.members, existing: existingLoads(src)}
	w.visit(tree.RootNode())

	if len(w.edits) == 0 && len(w.loads) == 0 {
		return src, nil, nil
	}

	sort.SliceStable(w.edits, func(i, j int) bool { return w.edits[i].start > w.edits[j].start })
	out := content
	var fired []string
	for _, e := range w.edits {
		next := make([]byte, 0, len(out)-int(e.end-e.start)+len(e.text))
		next = append(next, out[:e.start]...)
		next = append(next, e.text...)
		next = append(next, out[e.end:]...)
		out = next
		fired = append(fired, e.rule)
	}

	result := string(out)
	if hoisted := w.hoisted(); hoisted != "" {
		result = hoisted + result
		fired = append(fired, LowerImports)
	}
	sort.Strings(fired)
	return result, fired, nil
}

var existingLoadLine = regexp.MustCompile(`(?m)^load\(.*\)[ \t]*$`)

func existingLoads(src string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range existingLoadLine.FindAllString(src, -1) {
		out[strings.TrimSpace(m)] = true
	}
	return out
}

type lowerWalk struct {
	src      []byte
	members  map[string][]string
	existing map[string]bool
	edits    []edit
	loads    []loadSpec
}

func (w *lowerWalk) text(n *sitter.Node) string {
	return n.Content(w.src)
}

func (w *lowerWalk) add(n *sitter.Node, text, rule string) {
	w.edits = append(w.edits, edit{start: n.StartByte(), end: n.EndByte(), text: text, rule: rule})
}

// hoisted renders the new load statements, deduplicated against loads already
// at the top of the module.
func (w *lowerWalk) hoisted() string {
	var b strings.Builder
	for _, l := range w.loads {
		if len(l.bindings) == 0 {
			continue
		}
		line := l.String()
		if w.existing[line] {
			continue
		}
		w.existing[line] = true
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (w *lowerWalk) visit(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.HasError() {
			w.visit(child)
			continue
		}
		if w.lowerNode(child) {
			continue
		}
		w.visit(child)
	}
}

// lowerNode records an edit for child and reports whether the subtree was consumed.
func (w *lowerWalk) lowerNode(n *sitter.Node) bool {
	switch n.Type() {
	case "import_statement", "import_from_statement":
		if specs, ok := w.importSpecs(n); ok {
			w.loads = append(w.loads, specs...)
			w.add(n, w.placeholder(n), LowerImports)
			return true
		}
	case "future_import_statement":
		w.add(n, w.placeholder(n), LowerFuture)
		return true
	case "try_statement":
		if text, ok := w.unwrapTry(n); ok {
			w.add(n, text, LowerTry)
			return true
		}
	case "if_statement":
		cond := n.ChildByFieldName("condition")
		if cond != nil && isMainGuard(w.text(cond)) && n.Parent() != nil && n.Parent().Type() == "module" {
			w.add(n, "", LowerMainGuard)
			return true
		}
	case "string":
		if text, ok := w.lowerFString(n); ok {
			w.add(n, text, LowerFString)
			return true
		}
	case "binary_operator":
		if op := n.ChildByFieldName("operator"); op != nil && op.Type() == "**" {
			left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
			w.add(n, fmt.Sprintf("pow(%s, %s)", w.text(left), w.text(right)), LowerPow)
			return true
		}
	case "typed_parameter":
		if name := n.NamedChild(0); name != nil {
			w.add(n, w.text(name), LowerAnnotations)
			return true
		}
	case "typed_default_parameter":
		name, value := n.ChildByFieldName("name"), n.ChildByFieldName("value")
		if name != nil && value != nil {
			w.add(n, w.text(name)+"="+w.text(value), LowerAnnotations)
			return true
		}
	case "function_definition":
		if ret := n.ChildByFieldName("return_type"); ret != nil {
			if params := n.ChildByFieldName("parameters"); params != nil {
				w.edits = append(w.edits, edit{start: params.EndByte(), end: ret.EndByte(), rule: LowerAnnotations})
			}
		}
	case "comparison_operator":
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			if c.IsNamed() {
				continue
			}
			switch c.Type() {
			case "is":
				w.add(c, "==", LowerIdentity)
			case "is not":
				w.add(c, "!=", LowerIdentity)
			}
		}
	case "raise_statement":
		w.add(n, w.raiseToFail(n), LowerRaise)
		return true
	}
	return false
}

// placeholder keeps blocks non-empty when a statement is removed from one.
func (w *lowerWalk) placeholder(n *sitter.Node) string {
	if p := n.Parent(); p != nil && p.Type() == "module" {
		return ""
	}
	return "pass"
}

// ModuleMember is the member name under which a loadable module exports itself,
// so that "import x" becomes load("x", x="module").
const ModuleMember = "module"

func (w *lowerWalk) importSpecs(n *sitter.Node) ([]loadSpec, bool) {
	if n.Type() == "import_statement" {
		var specs []loadSpec
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "dotted_name":
				mod := w.text(c)
				root := strings.SplitN(mod, ".", 2)[0]
				specs = append(specs, loadSpec{module: mod, bindings: [][2]string{{root, ModuleMember}}})
			case "aliased_import":
				name, alias := c.ChildByFieldName("name"), c.ChildByFieldName("alias")
				if name == nil || alias == nil {
					return nil, false
				}
				specs = append(specs, loadSpec{module: w.text(name), bindings: [][2]string{{w.text(alias), ModuleMember}}})
			}
		}
		return specs, true
	}

	modNode := n.ChildByFieldName("module_name")
	if modNode == nil {
		return nil, false
	}
	spec := loadSpec{module: strings.TrimLeft(w.text(modNode), ".")}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.StartByte() == modNode.StartByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			name := w.text(c)
			spec.bindings = append(spec.bindings, [2]string{name, name})
		case "aliased_import":
			name, alias := c.ChildByFieldName("name"), c.ChildByFieldName("alias")
			if name == nil || alias == nil {
				return nil, false
			}
			spec.bindings = append(spec.bindings, [2]string{w.text(alias), w.text(name)})
		case "wildcard_import":
			spec.bindings = append(spec.bindings, w.expandWildcard(spec.module)...)
		}
	}
	return []loadSpec{spec}, true
}

// expandWildcard binds the members of module that the source references. An
// unknown module binds its own name so the policy still sees the load; an
// unused one is dropped by the mechanical fixes.
func (w *lowerWalk) expandWildcard(module string) [][2]string {
	members, ok := w.members[module]
	if !ok {
		return [][2]string{{lastSegment(module), ModuleMember}}
	}
	used := identifiers(string(w.src))
	var out [][2]string
	for _, m := range members {
		if used[m] {
			out = append(out, [2]string{m, m})
		}
	}
	return out
}

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

func identifiers(src string) map[string]bool {
	out := make(map[string]bool)
	for _, id := range identPattern.FindAllString(src, -1) {
		out[id] = true
	}
	return out
}

func lastSegment(mod string) string {
	if i := strings.LastIndexByte(mod, '.'); i >= 0 {
		return mod[i+1:]
	}
	return mod
}

var mainGuard = regexp.MustCompile(`^__name__\s*==\s*["']__main__["']$|^["']__main__["']\s*==\s*__name__$`)

func isMainGuard(cond string) bool {
	return mainGuard.MatchString(strings.TrimSpace(cond))
}

// unwrapTry replaces a try statement with its body followed by its else and
// finally bodies, re-indented to the try's column. Handlers are dropped.
func (w *lowerWalk) unwrapTry(n *sitter.Node) (string, bool) {
	col := int(n.StartPoint().Column)
	var parts []string
	if body := n.ChildByFieldName("body"); body != nil {
		parts = append(parts, w.reindent(body, col))
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "else_clause" && c.Type() != "finally_clause" {
			continue
		}
		if block := blockOf(c); block != nil {
			parts = append(parts, w.reindent(block, col))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"+strings.Repeat(" ", col)), true
}

func blockOf(n *sitter.Node) *sitter.Node {
	if b := n.ChildByFieldName("body"); b != nil {
		return b
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "block" {
			return c
		}
	}
	return nil
}

// reindent shifts every line after the first of block from the block's column
// to col. The first line is placed by the caller.
func (w *lowerWalk) reindent(block *sitter.Node, col int) string {
	lines := strings.Split(strings.TrimRight(w.text(block), " \t\n"), "\n")
	shift := int(block.StartPoint().Column) - col
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		n := 0
		for n < shift && n < len(line) && line[n] == ' ' {
			n++
		}
		lines[i] = line[n:]
	}
	return strings.Join(lines, "\n")
}

// lowerFString converts f"a {x!r} {y:.2f}" into "a {!r} {}".format(x, format(y, ".2f")).
// Nested replacement fields inside a format spec are left alone.
func (w *lowerWalk) lowerFString(n *sitter.Node) (string, bool) {
	text := w.text(n)
	q := strings.IndexAny(text, `"'`)
	if q < 0 || !strings.ContainsAny(text[:q], "fF") {
		return "", false
	}

	var b strings.Builder
	b.WriteString(strings.NewReplacer("f", "", "F", "").Replace(text[:q]))

	var args []string
	cursor := n.StartByte() + uint32(q)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "interpolation" {
			continue
		}
		expr := c.ChildByFieldName("expression")
		if expr == nil {
			return "", false
		}
		arg := w.text(expr)
		field := "{"
		for j := 0; j < int(c.NamedChildCount()); j++ {
			part := c.NamedChild(j)
			switch part.Type() {
			case "type_conversion":
				field += w.text(part)
			case "format_specifier":
				if part.NamedChildCount() > 0 {
					return "", false
				}
				spec := strings.TrimPrefix(w.text(part), ":")
				arg = fmt.Sprintf("format(%s, %q)", arg, spec)
			}
		}
		field += "}"

		b.Write(w.src[cursor:c.StartByte()])
		b.WriteString(field)
		args = append(args, arg)
		cursor = c.EndByte()
	}
	b.Write(w.src[cursor:n.EndByte()])
	b.WriteString(".format(")
	b.WriteString(strings.Join(args, ", "))
	b.WriteString(")")
	return b.String(), true
}

func (w *lowerWalk) raiseToFail(n *sitter.Node) string {
	exc := n.NamedChild(0)
	if exc == nil {
		return `fail("raise")`
	}
	if exc.Type() == "call" {
		fn := w.text(exc.ChildByFieldName("function"))
		args := strings.TrimSpace(w.text(exc.ChildByFieldName("arguments")))
		args = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(args, "("), ")"))
		if args == "" {
			return fmt.Sprintf("fail(%q)", fn)
		}
		return fmt.Sprintf("fail(%q, %s)", fn+":", args)
	}
	return fmt.Sprintf("fail(%q)", w.text(exc))
}
