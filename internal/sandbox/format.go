package sandbox

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.starlark.net/starlark"
)

// formatSpec is a parsed format specification:
// [[fill]align][sign][#][0][width][,|_][.precision][type]
type formatSpec struct {
	fill      string
	align     byte
	sign      byte
	zero      bool
	width     int
	sep       byte
	precision int
	verb      byte
}

var specPattern = regexp.MustCompile(`^(?:(.)?([<>=^]))?([+\- ])?(#)?(0)?(\d+)?([,_])?(?:\.(\d+))?([bcdeEfFgGnosxX%])?$`)

func parseSpec(spec string) (formatSpec, error) {
	m := specPattern.FindStringSubmatch(spec)
	if m == nil {
		return formatSpec{}, fmt.Errorf("invalid format specifier %q", spec)
	}
	fs := formatSpec{fill: " ", precision: -1}
	if m[1] != "" {
		fs.fill = m[1]
	}
	if m[2] != "" {
		fs.align = m[2][0]
	}
	if m[3] != "" {
		fs.sign = m[3][0]
	}
	if m[5] != "" {
		fs.zero = true
		if fs.align == 0 {
			fs.fill, fs.align = "0", '='
		}
	}
	if m[6] != "" {
		fs.width, _ = strconv.Atoi(m[6])
	}
	if m[7] != "" {
		fs.sep = m[7][0]
	}
	if m[8] != "" {
		fs.precision, _ = strconv.Atoi(m[8])
	}
	if m[9] != "" {
		fs.verb = m[9][0]
	}
	return fs, nil
}

// formatValue renders v the way format(v, spec) does.
func formatValue(v starlark.Value, spec string) (string, error) {
	fs, err := parseSpec(spec)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case starlark.Int, starlark.Float:
		return fs.number(x)
	case starlark.String:
		if fs.verb != 0 && fs.verb != 's' {
			return "", fmt.Errorf("unknown format code %q for string", fs.verb)
		}
		s := string(x)
		if fs.precision >= 0 && utf8.RuneCountInString(s) > fs.precision {
			s = string([]rune(s)[:fs.precision])
		}
		return fs.pad("", s, false), nil
	default:
		if fs.verb != 0 || fs.sign != 0 || fs.precision >= 0 {
			return "", fmt.Errorf("unsupported format string %q for %s", spec, v.Type())
		}
		return fs.pad("", v.String(), false), nil
	}
}

func (fs formatSpec) number(v starlark.Value) (string, error) {
	verb := fs.verb
	_, isInt := v.(starlark.Int)
	if verb == 0 {
		switch {
		case isInt:
			verb = 'd'
		case fs.precision >= 0:
			verb = 'g'
		default:
			verb = 'r'
		}
	}

	var neg bool
	var body string
	switch verb {
	case 'd', 'n', 'b', 'o', 'x', 'X', 'c':
		i, ok := v.(starlark.Int)
		if !ok {
			return "", fmt.Errorf("unknown format code %q for %s", verb, v.Type())
		}
		n := i.BigInt()
		neg = n.Sign() < 0
		n.Abs(n)
		switch verb {
		case 'b':
			body = n.Text(2)
		case 'o':
			body = n.Text(8)
		case 'x':
			body = n.Text(16)
		case 'X':
			body = strings.ToUpper(n.Text(16))
		case 'c':
			body, neg = string(rune(n.Int64())), false
		default:
			body = n.Text(10)
		}
	case 'e', 'E', 'f', 'F', 'g', 'G', '%', 'r':
		f, ok := starlark.AsFloat(v)
		if !ok {
			return "", fmt.Errorf("unknown format code %q for %s", verb, v.Type())
		}
		neg = math.Signbit(f) && !math.IsNaN(f)
		body = formatFloat(math.Abs(f), verb, fs.precision)
	}

	if fs.sep != 0 && isDecimal(verb) {
		body = group(body, fs.sep)
	}
	sign := ""
	switch {
	case neg:
		sign = "-"
	case fs.sign == '+':
		sign = "+"
	case fs.sign == ' ':
		sign = " "
	}
	return fs.pad(sign, body, true), nil
}

func formatFloat(f float64, verb byte, prec int) string {
	switch {
	case math.IsInf(f, 0):
		return caseOf(verb, "inf")
	case math.IsNaN(f):
		return caseOf(verb, "nan")
	}
	if verb == 'r' {
		return starlark.Float(f).String()
	}
	if prec < 0 {
		prec = 6
	}
	switch verb {
	case 'e', 'E':
		return strconv.FormatFloat(f, verb, prec, 64)
	case 'f', 'F':
		return strconv.FormatFloat(f, 'f', prec, 64)
	case '%':
		return strconv.FormatFloat(f*100, 'f', prec, 64) + "%"
	default:
		if prec == 0 {
			prec = 1
		}
		out := strconv.FormatFloat(f, 'g', prec, 64)
		if verb == 'G' {
			out = strings.ToUpper(out)
		}
		return out
	}
}

func caseOf(verb byte, s string) string {
	if verb == 'E' || verb == 'F' || verb == 'G' {
		return strings.ToUpper(s)
	}
	return s
}

func isDecimal(verb byte) bool {
	return strings.IndexByte("dnfFgGeE%r", verb) >= 0
}

// group inserts sep every three digits of the integer part of body.
func group(body string, sep byte) string {
	end := strings.IndexAny(body, ".eE%")
	if end < 0 {
		end = len(body)
	}
	digits := body[:end]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return body
		}
	}
	if len(digits) <= 3 {
		return body
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(sep)
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String() + body[end:]
}

func (fs formatSpec) pad(sign, body string, numeric bool) string {
	n := utf8.RuneCountInString(sign) + utf8.RuneCountInString(body)
	if fs.width <= n {
		return sign + body
	}
	gap := fs.width - n
	align := fs.align
	if align == 0 {
		align = '<'
		if numeric {
			align = '>'
		}
	}
	fill := func(k int) string { return strings.Repeat(fs.fill, k) }
	switch align {
	case '<':
		return sign + body + fill(gap)
	case '^':
		left := gap / 2
		return fill(left) + sign + body + fill(gap-left)
	case '=':
		return sign + fill(gap) + body
	default:
		return fill(gap) + sign + body
	}
}
