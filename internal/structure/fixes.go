package structure

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"skillforge/internal/types"

	"go.starlark.net/syntax"
)

// Mechanical fix names recorded on the descriptor and in the healing log.
const (
	FixAddLevelParam  = "add_level_param"
	FixInsertReturn   = "insert_return"
	FixCapLoop        = "cap_loop"
	FixDropUnusedLoad = "drop_unused_load"
)

// lineEdit rewrites the source lines. Edits are applied bottom-up so earlier
// positions stay valid.
type lineEdit struct {
	line  int // 1-based
	col   int
	name  string
	apply func(lines []string) []string
}

// plan returns the fixes for every fixable reason and the reasons left over.
func (h *Healer) plan(sc *shapeCheck) ([]lineEdit, []types.FailureReason) {
	var edits []lineEdit
	var rest []types.FailureReason

	for _, r := range sc.reasons {
		var e *lineEdit
		switch r.Violation {
		case types.BadSignature:
			if sc.generator != nil && r.Subject == sc.generator.Name.Name && len(sc.generator.Params) == 0 {
				e = addLevelParam(sc.generator)
			}
		case types.MissingReturn:
			def := sc.generator
			if sc.checker != nil && r.Subject == sc.checker.Name.Name {
				def = sc.checker
			}
			if def != nil && def.Name.Name == r.Subject {
				e = insertReturn(def)
			}
		case types.ForbiddenConstruct:
			e = h.forbiddenFix(sc, r)
		}
		if e == nil {
			rest = append(rest, r)
			continue
		}
		edits = append(edits, *e)
	}
	return edits, rest
}

func (h *Healer) forbiddenFix(sc *shapeCheck, r types.FailureReason) *lineEdit {
	for _, l := range sc.info.loops {
		if l.line == r.Line && l.fn == r.Subject && l.fn != moduleScope {
			return capLoop(l.stmt, h.opts.LoopCap)
		}
	}
	for _, l := range sc.info.loads {
		if l.Line == r.Line && l.Module == r.Subject && sc.info.unusedLoad(l) {
			return dropLines(l.Line, l.EndLine)
		}
	}
	return nil
}

// applyEdits runs the edits bottom-up and returns the new source and the
// distinct fix names in application order.
func applyEdits(src string, edits []lineEdit) (string, []string) {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].line != edits[j].line {
			return edits[i].line > edits[j].line
		}
		return edits[i].col > edits[j].col
	})
	lines := strings.Split(src, "\n")
	var names []string
	seen := make(map[string]bool)
	for _, e := range edits {
		lines = e.apply(lines)
		if !seen[e.name] {
			seen[e.name] = true
			names = append(names, e.name)
		}
	}
	sort.Strings(names)
	return strings.Join(lines, "\n"), names
}

func addLevelParam(def *syntax.DefStmt) *lineEdit {
	line := int(def.Lparen.Line)
	pattern := regexp.MustCompile(`(def\s+` + regexp.QuoteMeta(def.Name.Name) + `\s*\()\s*\)`)
	return &lineEdit{
		line: line,
		col:  int(def.Lparen.Col),
		name: FixAddLevelParam,
		apply: func(lines []string) []string {
			i := line - 1
			lines[i] = pattern.ReplaceAllString(lines[i], "${1}level=1)")
			return lines
		},
	}
}

// insertReturn turns a trailing dict expression into a return, or returns the
// target of a trailing assignment.
func insertReturn(def *syntax.DefStmt) *lineEdit {
	if len(def.Body) == 0 {
		return nil
	}
	switch last := def.Body[len(def.Body)-1].(type) {
	case *syntax.ExprStmt:
		if _, ok := last.X.(*syntax.DictExpr); !ok {
			return nil
		}
		start, _ := last.Span()
		return insertAt(start, "return ", FixInsertReturn)
	case *syntax.AssignStmt:
		id, ok := last.LHS.(*syntax.Ident)
		if !ok || last.Op != syntax.EQ {
			return nil
		}
		_, end := last.Span()
		return insertAt(end, "; return "+id.Name, FixInsertReturn)
	}
	return nil
}

// capLoop replaces "while <true-constant>" with a bounded for loop.
func capLoop(w *syntax.WhileStmt, limit int) *lineEdit {
	_, condEnd := w.Cond.Span()
	if condEnd.Line != w.While.Line {
		return nil
	}
	line := int(w.While.Line)
	from, to := int(w.While.Col), int(condEnd.Col)
	return &lineEdit{
		line: line,
		col:  from,
		name: FixCapLoop,
		apply: func(lines []string) []string {
			i := line - 1
			a, b := byteCol(lines[i], from), byteCol(lines[i], to)
			lines[i] = lines[i][:a] + fmt.Sprintf("for _ in range(%d)", limit) + lines[i][b:]
			return lines
		},
	}
}

func dropLines(from, to int) *lineEdit {
	return &lineEdit{
		line: from,
		name: FixDropUnusedLoad,
		apply: func(lines []string) []string {
			return append(lines[:from-1], lines[to:]...)
		},
	}
}

func insertAt(pos syntax.Position, text, name string) *lineEdit {
	line, col := int(pos.Line), int(pos.Col)
	return &lineEdit{
		line: line,
		col:  col,
		name: name,
		apply: func(lines []string) []string {
			i := line - 1
			at := byteCol(lines[i], col)
			lines[i] = lines[i][:at] + text + lines[i][at:]
			return lines
		},
	}
}

// byteCol converts a 1-based rune column into a byte offset within line.
func byteCol(line string, col int) int {
	off := 0
	for n := 1; n < col && off < len(line); n++ {
		_, size := utf8.DecodeRuneInString(line[off:])
		off += size
	}
	return off
}
