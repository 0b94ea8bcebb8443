package heal

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultRules returns the default rule table in application order.
// Each call returns a fresh slice; callers may filter it but never share mutations.
func DefaultRules() Table {
	return Table{
		{Name: "normalize_newlines", Pre: hasCarriageReturn, Rewrite: normalizeNewlines},
		{Name: "unescape_json_source", Pre: looksJSONEscaped, Rewrite: unescapeJSONSource},
		{Name: "strip_fence_markers", Pre: fenceMarker.MatchString, Rewrite: stripFenceMarkers},
		{Name: "strip_chat_tokens", Pre: chatToken.MatchString, Rewrite: stripChatTokens},
		{Name: "smart_quotes", Pre: hasSmartQuotes, Rewrite: straightenQuotes},
		{Name: "expand_tab_indent", Pre: tabIndent.MatchString, Rewrite: expandTabIndent},
		{Name: "json_literals", Pre: jsonLiteral.MatchString, Rewrite: pythonLiterals},
		{Name: "fstring_inner_quotes", Pre: hasNestedFStringQuotes, Rewrite: rewriteFStrings},
		{Name: "truncated_trailer", Pre: isTruncated, Rewrite: dropTruncatedTail},
		{Name: "trailing_whitespace", Pre: needsTrim, Rewrite: trimTrailing},
	}
}

var (
	fenceMarker  = regexp.MustCompile("(?m)^[ \t]*(```|~~~)[A-Za-z0-9_+.-]*[ \t]*(\n|$)")
	chatToken    = regexp.MustCompile(`<\|[a-z_]+\|>(?:assistant|user|system)?|</?s>|\[/?INST\]|</?think>`)
	tabIndent    = regexp.MustCompile(`(?m)^ *\t`)
	jsonLiteral  = regexp.MustCompile(`\b(true|false|null)\b`)
	trailingWS   = regexp.MustCompile(`(?m)[ \t]+$`)
	escapedLines = regexp.MustCompile(`\\n(?:\s{2,}|def |return |import |load\()`)
)

func hasCarriageReturn(s string) bool {
	return strings.ContainsRune(s, '\r') || strings.HasPrefix(s, "\ufeff")
}

func normalizeNewlines(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// looksJSONEscaped detects a whole module delivered as one JSON string value.
func looksJSONEscaped(s string) bool {
	return !strings.Contains(strings.TrimSpace(s), "\n") && len(escapedLines.FindAllStringIndex(s, 2)) >= 2
}

func unescapeJSONSource(s string) string {
	t := strings.TrimSpace(s)
	if len(t) >= 2 && t[0] == '"' && t[len(t)-1] == '"' {
		t = t[1 : len(t)-1]
	}
	r := strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t", `\"`, `"`, `\/`, `/`)
	return r.Replace(t)
}

func stripFenceMarkers(s string) string {
	out := fenceMarker.ReplaceAllString(s, "")
	return strings.TrimLeft(out, "\n")
}

func stripChatTokens(s string) string {
	return chatToken.ReplaceAllString(s, "")
}

func hasSmartQuotes(s string) bool {
	return strings.ContainsAny(s, "\u201c\u201d\u2018\u2019\u00a0")
}

// straightenQuotes turns typographic quotes used as delimiters into ASCII quotes.
// Typographic quotes inside real string literals are content and stay, and an
// apostrophe inside a single-quoted smart string is escaped.
func straightenQuotes(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	var inStraight byte // quote char of the enclosing ASCII string
	var inSmart rune    // ASCII replacement of the enclosing smart string
	escaped := false

	for i, r := range rs {
		switch {
		case r == '\n':
			inStraight, inSmart, escaped = 0, 0, false
			b.WriteRune(r)
		case inStraight != 0:
			if !escaped && r == rune(inStraight) {
				inStraight = 0
			}
			escaped = !escaped && r == '\\'
			b.WriteRune(r)
		case inSmart != 0:
			if inSmart == '\'' && (isSmartSingle(r) || r == '\'') && i+1 < len(rs) && isWordRune(rs[i+1]) {
				b.WriteString(`\'`)
				continue
			}
			if isSmartDouble(r) && inSmart == '"' || isSmartSingle(r) && inSmart == '\'' || r == inSmart {
				inSmart = 0
				b.WriteRune(closingFor(r))
				continue
			}
			b.WriteRune(r)
		case isSmartDouble(r):
			inSmart = '"'
			b.WriteRune('"')
		case isSmartSingle(r):
			inSmart = '\''
			b.WriteRune('\'')
		case r == '\u00a0':
			b.WriteRune(' ')
		case r == '"' || r == '\'':
			inStraight = byte(r)
			b.WriteRune(r)
		case r == '#':
			// Comment: copy through unchanged by treating it as a string to EOL.
			inStraight = '\n'
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func closingFor(r rune) rune {
	switch {
	case isSmartDouble(r):
		return '"'
	case isSmartSingle(r):
		return '\''
	}
	return r
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isSmartDouble(r rune) bool { return r == '“' || r == '”' }
func isSmartSingle(r rune) bool { return r == '‘' || r == '’' }

func expandTabIndent(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		j := 0
		for j < len(line) && (line[j] == ' ' || line[j] == '\t') {
			j++
		}
		if strings.ContainsRune(line[:j], '\t') {
			lines[i] = strings.ReplaceAll(line[:j], "\t", "    ") + line[j:]
		}
	}
	return strings.Join(lines, "\n")
}

var pythonLiteral = map[string]string{"true": "True", "false": "False", "null": "None"}

// pythonLiterals rewrites JSON literals in code, leaving strings, comments and
// attribute accesses alone.
func pythonLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, t := range lex(s) {
		seg := s[t.start:t.end]
		if t.kind != tokCode {
			b.WriteString(seg)
			continue
		}
		last := 0
		for _, m := range jsonLiteral.FindAllStringIndex(seg, -1) {
			if m[0] > 0 && seg[m[0]-1] == '.' {
				continue
			}
			b.WriteString(seg[last:m[0]])
			b.WriteString(pythonLiteral[seg[m[0]:m[1]]])
			last = m[1]
		}
		b.WriteString(seg[last:])
	}
	return b.String()
}

// hasNestedFStringQuotes reports whether an f-string replacement field reuses
// the outer delimiter, which older grammars reject.
func hasNestedFStringQuotes(s string) bool {
	return strings.Contains(s, "{") && rewriteFStrings(s) != s
}

func rewriteFStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '#' {
			j := strings.IndexByte(s[i:], '\n')
			if j < 0 {
				j = len(s) - i
			}
			b.WriteString(s[i : i+j])
			i += j
			continue
		}
		if c != '"' && c != '\'' {
			b.WriteByte(c)
			i++
			continue
		}
		q := string(c)
		if strings.HasPrefix(s[i:], q+q+q) {
			end, _ := scanString(s, i+3, q+q+q)
			b.WriteString(s[i:end])
			i = end
			continue
		}
		if !strings.Contains(stringPrefix(s, i), "f") {
			end, _ := scanString(s, i+1, q)
			b.WriteString(s[i:end])
			i = end
			continue
		}
		i = copyFString(&b, s, i, c)
	}
	return b.String()
}

// copyFString copies one single-quoted f-string starting at the quote at i and
// returns the offset after it.
func copyFString(b *strings.Builder, s string, i int, outer byte) int {
	other := byte('\'')
	if outer == '\'' {
		other = '"'
	}
	b.WriteByte(outer)
	i++
	depth := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\n':
			return i
		case depth == 0 && c == '\\' && i+1 < len(s):
			b.WriteString(s[i : i+2])
			i += 2
			continue
		case depth == 0 && c == outer:
			b.WriteByte(c)
			return i + 1
		case c == '{' && i+1 < len(s) && s[i+1] == '{' && depth == 0:
			b.WriteString("{{")
			i += 2
			continue
		case c == '{':
			depth++
		case c == '}' && depth > 0:
			depth--
		case depth > 0 && c == '\\' && i+1 < len(s) && s[i+1] == outer:
			b.WriteByte(other)
			i += 2
			continue
		case depth > 0 && c == outer:
			b.WriteByte(other)
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return i
}

func isTruncated(s string) bool {
	if _, ok := truncationCut(s); ok {
		return true
	}
	t := strings.TrimRight(s, " \t\n")
	i := strings.LastIndexByte(t, '\n')
	return danglingLine(strings.TrimSpace(t[i+1:]))
}

// dropTruncatedTail removes the whole truncated tail in one application:
// the unterminated construct, then any block header or continuation left dangling.
func dropTruncatedTail(s string) string {
	if cut, ok := truncationCut(s); ok {
		s = s[:cut]
	}
	s = dropDangling(s)
	if s != "" {
		s += "\n"
	}
	return s
}

func needsTrim(s string) bool {
	if s == "" {
		return false
	}
	return trailingWS.MatchString(s) || !strings.HasSuffix(s, "\n") || strings.HasSuffix(s, "\n\n") ||
		strings.HasPrefix(s, "\n")
}

func trimTrailing(s string) string {
	s = trailingWS.ReplaceAllString(s, "")
	s = strings.Trim(s, "\n")
	if s == "" {
		return ""
	}
	return s + "\n"
}
