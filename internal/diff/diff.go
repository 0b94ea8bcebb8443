// Package diff renders the change a healing stage made to a candidate module,
// using the sergi/go-diff engine at line granularity.
package diff

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType represents the type of diff line
type LineType int

const (
	LineContext LineType = iota // Unchanged context line
	LineAdded                   // Added line
	LineRemoved                 // Removed line
)

func (t LineType) prefix() string {
	switch t {
	case LineAdded:
		return "+"
	case LineRemoved:
		return "-"
	default:
		return " "
	}
}

// Line represents a single line in the diff
type Line struct {
	Content string
	Type    LineType
}

// Hunk is a run of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// StageDiff is what one healing stage changed.
type StageDiff struct {
	Stage   string
	Hunks   []Hunk
	Added   int
	Removed int
}

// Empty reports whether the stage changed nothing.
func (d *StageDiff) Empty() bool { return len(d.Hunks) == 0 }

// Unified renders the diff in unified format with stage headers.
func (d *StageDiff) Unified() string {
	if d.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- before/%s\n+++ after/%s\n", d.Stage, d.Stage)
	for _, h := range d.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			b.WriteString(l.Type.prefix())
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Engine computes stage diffs with a cache keyed by content hash.
type Engine struct {
	dmp     *diffmatchpatch.DiffMatchPatch
	context int
	cache   sync.Map
}

type cacheKey struct {
	before uint64
	after  uint64
}

// NewEngine creates an engine emitting the given number of context lines.
func NewEngine(contextLines int) *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp, context: contextLines}
}

// DefaultEngine uses three lines of context.
var DefaultEngine = NewEngine(3)

// Compute diffs before and after for one stage.
func (e *Engine) Compute(stage, before, after string) *StageDiff {
	key := cacheKey{hash(before), hash(after)}
	if cached, ok := e.cache.Load(key); ok {
		out := *cached.(*StageDiff)
		out.Stage = stage
		return &out
	}

	d := &StageDiff{Stage: stage}
	if before != after {
		a, b, lines := e.dmp.DiffLinesToChars(before, after)
		diffs := e.dmp.DiffMain(a, b, false)
		diffs = e.dmp.DiffCharsToLines(diffs, lines)
		ops := toOps(diffs)
		for _, op := range ops {
			switch op.typ {
			case LineAdded:
				d.Added++
			case LineRemoved:
				d.Removed++
			}
		}
		d.Hunks = group(ops, e.context)
	}

	e.cache.Store(key, d)
	out := *d
	return &out
}

// Compute diffs with the default engine.
func Compute(stage, before, after string) *StageDiff {
	return DefaultEngine.Compute(stage, before, after)
}

// Unified is shorthand for Compute(stage, before, after).Unified().
func Unified(stage, before, after string) string {
	return DefaultEngine.Compute(stage, before, after).Unified()
}

// Patch returns a character-level patch in diff-match-patch text format.
// Archived healing logs carry it so a stage can be replayed exactly.
func (e *Engine) Patch(before, after string) string {
	if before == after {
		return ""
	}
	return e.dmp.PatchToText(e.dmp.PatchMake(before, after))
}

// Apply replays a patch produced by Patch. It fails if any hunk does not apply.
func (e *Engine) Apply(patch, before string) (string, error) {
	patches, err := e.dmp.PatchFromText(patch)
	if err != nil {
		return "", fmt.Errorf("failed to parse patch: %w", err)
	}
	out, applied := e.dmp.PatchApply(patches, before)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("patch hunk %d did not apply", i)
		}
	}
	return out, nil
}

type op struct {
	typ     LineType
	oldLine int // 0-based, -1 when absent
	newLine int
	content string
}

func toOps(diffs []diffmatchpatch.Diff) []op {
	var ops []op
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if text == "" && d.Text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, op{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, op{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, op{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

// group splits ops into hunks, merging changes closer than 2*context lines.
func group(ops []op, context int) []Hunk {
	var changes []int
	for i, o := range ops {
		if o.typ != LineContext {
			changes = append(changes, i)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	var hunks []Hunk
	start := max(changes[0]-context, 0)
	end := min(changes[0]+context, len(ops)-1)
	for _, c := range changes[1:] {
		if c-context <= end+1 {
			end = min(c+context, len(ops)-1)
			continue
		}
		hunks = append(hunks, makeHunk(ops[start:end+1]))
		start = max(c-context, 0)
		end = min(c+context, len(ops)-1)
	}
	return append(hunks, makeHunk(ops[start:end+1]))
}

func makeHunk(ops []op) Hunk {
	h := Hunk{OldStart: -1, NewStart: -1}
	oldPos, newPos := 0, 0
	for _, o := range ops {
		if o.oldLine >= 0 {
			if h.OldStart < 0 {
				h.OldStart = o.oldLine + 1
			}
			oldPos = o.oldLine + 1
			h.OldCount++
		}
		if o.newLine >= 0 {
			if h.NewStart < 0 {
				h.NewStart = o.newLine + 1
			}
			newPos = o.newLine + 1
			h.NewCount++
		}
		h.Lines = append(h.Lines, Line{Content: o.content, Type: o.typ})
	}
	// Pure insertions or deletions anchor on the line before them.
	if h.OldStart < 0 {
		h.OldStart = oldPos
	}
	if h.NewStart < 0 {
		h.NewStart = newPos
	}
	return h
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
