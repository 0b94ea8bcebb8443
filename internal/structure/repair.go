package structure

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"skillforge/internal/diff"
	"skillforge/internal/logging"
	"skillforge/internal/types"

	"go.starlark.net/syntax"
)

// ModuleFile is the file name reported in diagnostics.
const ModuleFile = "skill.py"

// Dialect is the Starlark dialect skill modules are parsed and executed in.
var Dialect = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Parse parses src in the skill dialect.
func Parse(src string) (*syntax.File, error) {
	return Dialect.Parse(ModuleFile, src, 0)
}

// Diagnostic is a parser error location and message.
type Diagnostic struct {
	Line int    `json:"line"`
	Col  int    `json:"col"`
	Msg  string `json:"msg"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s", d.Line, d.Col, d.Msg)
}

func diagnose(err error) Diagnostic {
	var se syntax.Error
	if errors.As(err, &se) {
		return Diagnostic{Line: int(se.Pos.Line), Col: int(se.Pos.Col), Msg: se.Msg}
	}
	return Diagnostic{Msg: err.Error()}
}

// Fix is one parse repair keyed by diagnostic message. Apply reports false when
// the fix does not fit the source at the diagnosed location.
type Fix struct {
	Name  string
	Match *regexp.Regexp
	Apply func(src string, d Diagnostic) (string, bool)
}

// DefaultFixes returns the parse repair table in priority order.
func DefaultFixes() []Fix {
	return []Fix{
		{Name: "insert_colon", Match: regexp.MustCompile(`^got newline, want ':'$`), Apply: insertColon},
		{Name: "fix_indentation", Match: regexp.MustCompile(`^unindent does not match|^got indent,`), Apply: fixIndentation},
		{Name: "close_delimiters", Match: regexp.MustCompile(`^got |^unexpected EOF`), Apply: closeDelimiters},
		{Name: "drop_trailing_statement", Match: regexp.MustCompile(`.`), Apply: dropTrailingStatement},
	}
}

// Attempt records one repair applied between two failed parses.
type Attempt struct {
	Diagnostic Diagnostic `json:"diagnostic"`
	Fix        string     `json:"fix"`
	Diff       string     `json:"diff"`
}

// Repaired is a source that parses in the dialect.
type Repaired struct {
	Source   string
	File     *syntax.File
	Attempts []Attempt
}

// Repairer runs the bounded parse-repair loop.
type Repairer struct {
	fixes  []Fix
	budget int
}

// NewRepairer creates a repairer allowing at most budget fixes.
func NewRepairer(fixes []Fix, budget int) *Repairer {
	if budget < 0 {
		budget = 0
	}
	return &Repairer{fixes: fixes, budget: budget}
}

// Repair parses src, applying at most one fix per failed parse. It fails with
// SyntaxRepairExhausted when the budget runs out or no fix applies.
func (r *Repairer) Repair(src string) (Repaired, error) {
	res := Repaired{Source: src}
	var diags []string
	for attempt := 0; ; attempt++ {
		f, err := Parse(res.Source)
		if err == nil {
			res.File = f
			return res, nil
		}
		d := diagnose(err)
		diags = append(diags, d.String())

		if attempt == r.budget {
			return res, exhausted(d, diags, fmt.Sprintf("repair budget %d exhausted", r.budget))
		}
		name, out, ok := r.pick(res.Source, d)
		if !ok {
			return res, exhausted(d, diags, "no applicable repair")
		}
		logging.StructureDebug("parse repair %s at %s", name, d)
		res.Attempts = append(res.Attempts, Attempt{
			Diagnostic: d,
			Fix:        name,
			Diff:       diff.Unified(name, res.Source, out),
		})
		res.Source = out
	}
}

func (r *Repairer) pick(src string, d Diagnostic) (string, string, bool) {
	for _, fix := range r.fixes {
		if !fix.Match.MatchString(d.Msg) {
			continue
		}
		if out, ok := fix.Apply(src, d); ok && out != src {
			return fix.Name, out, true
		}
	}
	return "", "", false
}

func exhausted(d Diagnostic, diags []string, why string) error {
	return &types.PipelineError{Reasons: []types.FailureReason{{
		Kind:   types.SyntaxRepairExhausted,
		Line:   d.Line,
		Detail: why + ": " + strings.Join(diags, " | "),
	}}}
}

// insertColon closes the block header the diagnostic points at. The parser
// reports the newline after the header, which can land on the following line.
func insertColon(src string, d Diagnostic) (string, bool) {
	lines := strings.Split(src, "\n")
	i := d.Line - 1
	if i < 0 || i >= len(lines) {
		return src, false
	}
	if d.Col <= 1 || !isHeader(lines[i]) {
		i = prevCodeLine(lines, i)
		if i < 0 || !isHeader(lines[i]) {
			return src, false
		}
	}
	end := codeEnd(lines[i])
	if end == 0 || strings.HasSuffix(lines[i][:end], ":") {
		return src, false
	}
	lines[i] = lines[i][:end] + ":" + lines[i][end:]
	return strings.Join(lines, "\n"), true
}

var headerKeywords = []string{"def", "if", "elif", "else", "for", "while"}

// isHeader reports whether line opens a block.
func isHeader(line string) bool {
	t := strings.TrimSpace(line)
	for _, kw := range headerKeywords {
		if t == kw || strings.HasPrefix(t, kw+" ") || strings.HasPrefix(t, kw+"(") {
			return true
		}
	}
	return false
}

// fixIndentation moves the offending line, and the lines below it at the same
// or deeper indentation, to a level the enclosing blocks allow.
func fixIndentation(src string, d Diagnostic) (string, bool) {
	lines := strings.Split(src, "\n")
	i := d.Line - 1
	if i <= 0 || i >= len(lines) {
		return src, false
	}
	cur := indentOf(lines[i])

	var target int
	if strings.HasPrefix(d.Msg, "got indent") {
		prev := prevCodeLine(lines, i)
		if prev < 0 {
			return src, false
		}
		target = indentOf(lines[prev])
	} else {
		target = nearestLevel(lines[:i], cur)
	}
	if target == cur {
		return src, false
	}

	for j := i; j < len(lines); j++ {
		if isBlank(lines[j]) {
			continue
		}
		n := indentOf(lines[j])
		if n < cur {
			break
		}
		lines[j] = strings.Repeat(" ", n-cur+target) + lines[j][n:]
	}
	return strings.Join(lines, "\n"), true
}

// nearestLevel replays the indentation stack of the preceding lines and
// returns the open level closest to col, preferring the deeper one on a tie.
func nearestLevel(lines []string, col int) int {
	stack := []int{0}
	for _, line := range lines {
		if isBlank(line) {
			continue
		}
		n := indentOf(line)
		for len(stack) > 1 && n < stack[len(stack)-1] {
			stack = stack[:len(stack)-1]
		}
		if n > stack[len(stack)-1] {
			stack = append(stack, n)
		}
	}
	best := 0
	for _, lvl := range stack {
		if abs(lvl-col) <= abs(best-col) {
			best = lvl
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// closeDelimiters closes the brackets still open at the end of the last code
// line before the error.
func closeDelimiters(src string, d Diagnostic) (string, bool) {
	lines := strings.Split(src, "\n")
	start := d.Line - 2
	if strings.Contains(d.Msg, "end of file") || start >= len(lines) {
		start = len(lines) - 1
	}
	for i := start; i >= 0; i-- {
		if isBlank(lines[i]) {
			continue
		}
		open := openAfter(strings.Join(lines[:i+1], "\n"))
		if len(open) == 0 {
			return src, false
		}
		var closers strings.Builder
		for k := len(open) - 1; k >= 0; k-- {
			closers.WriteByte(closerFor[open[k]])
		}
		end := codeEnd(lines[i])
		lines[i] = lines[i][:end] + closers.String() + lines[i][end:]
		return strings.Join(lines, "\n"), true
	}
	return src, false
}

// dropTrailingStatement removes the top-level statement holding the error when
// nothing follows it. Block headers and statements inside a function body are
// never dropped.
func dropTrailingStatement(src string, d Diagnostic) (string, bool) {
	lines := strings.Split(strings.TrimRight(src, "\n"), "\n")
	errLine := d.Line - 1
	if errLine >= len(lines) || errLine < 0 {
		errLine = len(lines) - 1
	}
	for errLine > 0 && isBlank(lines[errLine]) {
		errLine--
	}
	if errLine < 0 || isBlank(lines[errLine]) {
		return src, false
	}

	start := errLine
	for start > 0 {
		prev := prevCodeLine(lines, start)
		if prev < 0 {
			break
		}
		joined := strings.Join(lines[:prev+1], "\n")
		if len(openAfter(joined)) == 0 && !strings.HasSuffix(strings.TrimRight(lines[prev], " \t"), "\\") {
			break
		}
		start = prev
	}

	level := indentOf(lines[start])
	if level > 0 || isHeader(lines[start]) {
		return src, false
	}
	for j := errLine + 1; j < len(lines); j++ {
		if !isBlank(lines[j]) && indentOf(lines[j]) <= level {
			return src, false
		}
	}
	kept := strings.TrimRight(strings.Join(lines[:start], "\n"), " \t\n")
	if kept == "" {
		return "", true
	}
	return kept + "\n", true
}

var closerFor = map[byte]byte{'(': ')', '[': ']', '{': '}'}

// openAfter returns the brackets left open at the end of src, ignoring strings
// and comments.
func openAfter(src string) []byte {
	var stack []byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case '"', '\'':
			i = skipString(src, i) - 1
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if n := len(stack); n > 0 && closerFor[stack[n-1]] == c {
				stack = stack[:n-1]
			}
		}
	}
	return stack
}

// skipString returns the offset just past the string literal starting at i.
func skipString(src string, i int) int {
	q := src[i : i+1]
	if strings.HasPrefix(src[i:], q+q+q) {
		q = q + q + q
	}
	j := i + len(q)
	for j < len(src) {
		switch {
		case src[j] == '\\':
			j += 2
			continue
		case strings.HasPrefix(src[j:], q):
			return j + len(q)
		case src[j] == '\n' && len(q) == 1:
			return j
		}
		j++
	}
	return len(src)
}

// codeEnd is the offset in line where code ends, before a trailing comment
// and trailing whitespace.
func codeEnd(line string) int {
	end := len(line)
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"', '\'':
			i = skipString(line, i) - 1
		case '#':
			end = i
			i = len(line)
		}
	}
	return len(strings.TrimRight(line[:end], " \t"))
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " "))
}

func isBlank(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "#")
}

func prevCodeLine(lines []string, i int) int {
	for j := i - 1; j >= 0; j-- {
		if !isBlank(lines[j]) {
			return j
		}
	}
	return -1
}
