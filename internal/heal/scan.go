package heal

import "strings"

type tokenKind int

const (
	tokCode tokenKind = iota
	tokString
	tokComment
)

// token is a byte range of src. Strings include their quotes but not a prefix.
type token struct {
	kind   tokenKind
	start  int
	end    int
	closed bool
	quote  string
}

// lex splits Python-shaped source into code runs, string literals and comments.
// A single-quoted string that reaches a newline is closed=false and ends there.
func lex(src string) []token {
	var toks []token
	codeStart := 0
	flush := func(end int) {
		if end > codeStart {
			toks = append(toks, token{kind: tokCode, start: codeStart, end: end})
		}
	}

	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '#':
			flush(i)
			j := strings.IndexByte(src[i:], '\n')
			end := len(src)
			if j >= 0 {
				end = i + j
			}
			toks = append(toks, token{kind: tokComment, start: i, end: end})
			i = end
			codeStart = i
		case c == '"' || c == '\'':
			flush(i)
			q := string(c)
			if strings.HasPrefix(src[i:], q+q+q) {
				q = q + q + q
			}
			end, closed := scanString(src, i+len(q), q)
			toks = append(toks, token{kind: tokString, start: i, end: end, closed: closed, quote: q})
			i = end
			codeStart = i
		default:
			i++
		}
	}
	flush(len(src))
	return toks
}

// scanString returns the end offset of a string body starting at i.
func scanString(src string, i int, q string) (int, bool) {
	triple := len(q) == 3
	for i < len(src) {
		switch {
		case src[i] == '\\':
			i += 2
			continue
		case strings.HasPrefix(src[i:], q):
			return i + len(q), true
		case src[i] == '\n' && !triple:
			return i, false
		}
		i++
	}
	return len(src), false
}

// stringPrefix returns the lowercase literal prefix (f, rf, b...) before offset i.
func stringPrefix(src string, i int) string {
	j := i
	for j > 0 && isLetter(src[j-1]) {
		j--
	}
	if j > 0 && isIdentByte(src[j-1]) {
		return ""
	}
	p := strings.ToLower(src[j:i])
	if len(p) > 2 {
		return ""
	}
	return p
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}

var closerOf = map[byte]byte{'(': ')', '[': ']', '{': '}'}

// truncationCut finds where a truncated tail begins: the start of the last line
// at which nothing was open, before the outermost construct still open at EOF.
// A missing delimiter followed by further top-level definitions is not a truncation.
func truncationCut(src string) (int, bool) {
	toks := lex(src)
	var stack []byte
	safe, cut, openAt := 0, -1, -1

	for ti, t := range toks {
		switch t.kind {
		case tokCode:
			for i := t.start; i < t.end; i++ {
				c := src[i]
				switch c {
				case '(', '[', '{':
					if len(stack) == 0 {
						cut, openAt = safe, i
					}
					stack = append(stack, c)
				case ')', ']', '}':
					if n := len(stack); n > 0 && closerOf[stack[n-1]] == c {
						stack = stack[:n-1]
					}
				case '\n':
					if len(stack) == 0 {
						safe = i + 1
					}
				}
			}
		case tokString:
			if !t.closed && ti == len(toks)-1 && (len(t.quote) == 3 || t.end == len(src)) {
				if len(stack) == 0 {
					return safe, true
				}
				return cut, !definesAfter(src, openAt)
			}
		}
	}
	if len(stack) > 0 {
		return cut, !definesAfter(src, openAt)
	}
	return 0, false
}

// definesAfter reports whether a top-level def or decorator starts after pos.
func definesAfter(src string, pos int) bool {
	nl := strings.IndexByte(src[pos:], '\n')
	if nl < 0 {
		return false
	}
	for _, line := range strings.Split(src[pos+nl+1:], "\n") {
		if strings.HasPrefix(line, "def ") || strings.HasPrefix(line, "@") {
			return true
		}
	}
	return false
}

var danglingSuffixes = []string{":", ",", "\\", "=", "+", "-", "*", "/", "%", " and", " or", " not", " in"}

// danglingLine reports whether a trimmed line cannot end a module.
func danglingLine(line string) bool {
	if strings.HasPrefix(line, "#") {
		return false
	}
	for _, s := range danglingSuffixes {
		if strings.HasSuffix(line, s) {
			return true
		}
	}
	return false
}

// dropDangling removes trailing lines that open a block or continue an expression.
func dropDangling(s string) string {
	for {
		s = strings.TrimRight(s, " \t\n")
		i := strings.LastIndexByte(s, '\n')
		if !danglingLine(strings.TrimSpace(s[i+1:])) {
			return s
		}
		s = s[:i+1]
	}
}
