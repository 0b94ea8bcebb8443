// Package extract isolates the candidate skill source from a raw completion.
package extract

import (
	"regexp"
	"strings"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// Source identifies how a candidate block was found.
type Source string

const (
	SourceFenced      Source = "fenced"
	SourceUnclosed    Source = "unclosed_fence"
	SourceHeuristic   Source = "heuristic"
	SourceConcatenate Source = "concatenated"
)

// Block is one candidate code block.
type Block struct {
	Text   string
	Source Source
	Start  int // byte offset in the cleaned completion
}

// Result is the chosen candidate plus everything that was considered.
type Result struct {
	Code       string
	Source     Source
	Candidates int
	HasBoth    bool
}

// EntryPoints names the function names that count as generator and checker.
type EntryPoints struct {
	Generators []string
	Checkers   []string
}

// DefaultEntryPoints matches the module contract names and their common aliases.
var DefaultEntryPoints = EntryPoints{
	Generators: []string{"generate", "generate_question"},
	Checkers:   []string{"check", "check_answer"},
}

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// Opening fences may carry a language tag; closing fences are bare.
	fenceLine = regexp.MustCompile("^\\s*(```+|~~~+)\\s*([A-Za-z0-9_+.-]*)\\s*$")
	codeStart = regexp.MustCompile(`^(def |async def |import |from \S+ import|load\(|[A-Za-z_][A-Za-z0-9_]* ?= ?|[A-Za-z_][A-Za-z0-9_.]*\()`)
	defLine   = regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

// codeLanguages are fence tags accepted as source; other tags (json, text) are skipped.
var codeLanguages = map[string]bool{
	"": true, "python": true, "py": true, "python3": true, "starlark": true, "star": true, "bzl": true,
}

// Extract returns the most plausible source block in text, or a NoCodeBlock failure.
func Extract(text string, eps EntryPoints) (Result, error) {
	cleaned := thinkBlock.ReplaceAllString(text, "")
	if i := strings.Index(cleaned, "<think>"); i >= 0 {
		// Unclosed reasoning block: everything after it is reasoning.
		cleaned = cleaned[:i]
	}
	cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")

	candidates := Candidates(cleaned)
	if len(candidates) == 0 {
		logging.Extract("no candidate blocks in %d bytes", len(text))
		return Result{}, types.Fail(types.NoCodeBlock, "no fenced or code-shaped block found")
	}

	res := choose(candidates, eps)
	res.Candidates = len(candidates)
	if res.Candidates > 1 {
		logging.Extract("%d candidate blocks, chose %s block of %d bytes", res.Candidates, res.Source, len(res.Code))
	}
	logging.ExtractDebug("chose %s block (%d bytes, %d candidates, both entry points=%v)",
		res.Source, len(res.Code), res.Candidates, res.HasBoth)
	return res, nil
}

// Candidates lists every plausible block. Fenced blocks come first in document order.
func Candidates(text string) []Block {
	var blocks []Block
	lines := strings.SplitAfter(text, "\n")

	inFence := false
	var fenceMarker string
	var lang string
	var body strings.Builder
	start, offset := 0, 0
	outside := make([]string, 0, len(lines))

	for _, line := range lines {
		m := fenceLine.FindStringSubmatch(strings.TrimRight(line, "\n"))
		switch {
		case m != nil && !inFence:
			inFence = true
			fenceMarker = m[1][:1]
			lang = strings.ToLower(m[2])
			body.Reset()
			start = offset + len(line)
			outside = append(outside, "\n")
		case m != nil && inFence && strings.HasPrefix(m[1], fenceMarker) && m[2] == "":
			inFence = false
			if codeLanguages[lang] && strings.TrimSpace(body.String()) != "" {
				blocks = append(blocks, Block{Text: body.String(), Source: SourceFenced, Start: start})
			}
			outside = append(outside, "\n")
		case inFence:
			body.WriteString(line)
		default:
			outside = append(outside, line)
		}
		offset += len(line)
	}
	if inFence && codeLanguages[lang] && strings.TrimSpace(body.String()) != "" {
		blocks = append(blocks, Block{Text: body.String(), Source: SourceUnclosed, Start: start})
	}

	if h, pos, ok := heuristicBlock(outside); ok {
		blocks = append(blocks, Block{Text: h, Source: SourceHeuristic, Start: pos})
	}
	return blocks
}

// heuristicBlock finds unfenced code: from the first code-looking line up to the
// first unindented prose line after it.
func heuristicBlock(lines []string) (string, int, bool) {
	first := -1
	for i, l := range lines {
		if codeStart.MatchString(l) {
			first = i
			break
		}
	}
	if first < 0 {
		return "", 0, false
	}

	var b strings.Builder
	hasDef := false
	for _, l := range lines[first:] {
		trimmed := strings.TrimRight(l, "\n")
		if trimmed != "" && !startsIndented(trimmed) && !codeStart.MatchString(trimmed) &&
			!strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "@") &&
			!continuesExpression(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, "def ") || strings.HasPrefix(trimmed, "async def ") {
			hasDef = true
		}
		b.WriteString(l)
	}
	if !hasDef {
		return "", 0, false
	}
	pos := 0
	for _, l := range lines[:first] {
		pos += len(l)
	}
	return b.String(), pos, true
}

func startsIndented(s string) bool {
	return strings.HasPrefix(s, " ") || strings.HasPrefix(s, "\t")
}

// continuesExpression accepts unindented lines that close a bracketed expression.
func continuesExpression(s string) bool {
	switch s[0] {
	case ')', ']', '}':
		return true
	}
	for _, kw := range []string{"if ", "for ", "while ", "return", "else", "elif ", "try", "except", "finally", "with ", "class "} {
		if strings.HasPrefix(s, kw) {
			return true
		}
	}
	return false
}

// DefinedFunctions returns the names of every def in src, in order.
func DefinedFunctions(src string) []string {
	var names []string
	for _, m := range defLine.FindAllStringSubmatch(src, -1) {
		names = append(names, m[1])
	}
	return names
}

// HasEntryPoints reports whether src defines a generator and a checker.
func (eps EntryPoints) HasEntryPoints(src string) (gen, chk bool) {
	for _, name := range DefinedFunctions(src) {
		for _, g := range eps.Generators {
			if name == g {
				gen = true
			}
		}
		for _, c := range eps.Checkers {
			if name == c {
				chk = true
			}
		}
	}
	return gen, chk
}

func choose(blocks []Block, eps EntryPoints) Result {
	var best *Block
	for i := range blocks {
		b := &blocks[i]
		gen, chk := eps.HasEntryPoints(b.Text)
		if gen && chk && (best == nil || len(b.Text) > len(best.Text)) {
			best = b
		}
	}
	if best != nil {
		return Result{Code: best.Text, Source: best.Source, HasBoth: true}
	}

	// Generator and checker split across several fences.
	var fenced []string
	for _, b := range blocks {
		if b.Source == SourceFenced || b.Source == SourceUnclosed {
			fenced = append(fenced, b.Text)
		}
	}
	if len(fenced) > 1 {
		joined := strings.Join(fenced, "\n")
		if gen, chk := eps.HasEntryPoints(joined); gen && chk {
			return Result{Code: joined, Source: SourceConcatenate, HasBoth: true}
		}
	}

	longest := &blocks[0]
	for i := range blocks[1:] {
		if len(blocks[i+1].Text) > len(longest.Text) {
			longest = &blocks[i+1]
		}
	}
	return Result{Code: longest.Text, Source: longest.Source}
}
