package heal

import (
	"strings"
	"testing"

	"skillforge/internal/config"
	"skillforge/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func ruleByName(t *testing.T, name string) Rule {
	t.Helper()
	for _, r := range DefaultRules() {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no rule %q", name)
	return Rule{}
}

func TestRules(t *testing.T) {
	tests := []struct {
		rule string
		in   string
		want string
	}{
		{"normalize_newlines", "\ufeffa = 1\r\nb = 2\r", "a = 1\nb = 2\n"},
		{"unescape_json_source",
			`"def generate(level):\n    return {\"answer\": 1}\ndef check(u, c):\n    return {}"`,
			"def generate(level):\n    return {\"answer\": 1}\ndef check(u, c):\n    return {}"},
		{"strip_fence_markers", "```python\ndef f():\n    return 1\n```\n", "def f():\n    return 1\n"},
		{"strip_chat_tokens", "x = 1<|im_end|>\n</s>", "x = 1\n"},
		{"smart_quotes", "q = “What is 2+2?”\n", "q = \"What is 2+2?\"\n"},
		{"smart_quotes", "q = \"he said “hi”\"\n", "q = \"he said “hi”\"\n"},
		{"smart_quotes", "q = ‘it’s’\n", "q = 'it\\'s'\n"},
		{"smart_quotes", "q = ‘don't’ + ‘x’\n", "q = 'don\\'t' + 'x'\n"},
		{"smart_quotes", "q = “it’s”\n", "q = \"it’s\"\n"},
		{"expand_tab_indent", "def f():\n\treturn 1\n", "def f():\n    return 1\n"},
		{"json_literals", "ok = true\nnone = null  # true\ns = \"false\"\nx.true\n", "ok = True\nnone = None  # true\ns = \"false\"\nx.true\n"},
		{"fstring_inner_quotes", "q = f\"{d[\"a\"]} + {d[\"b\"]}\"\n", "q = f\"{d['a']} + {d['b']}\"\n"},
		{"fstring_inner_quotes", "q = f'{n:{w}}' + '{x}'\n", "q = f'{n:{w}}' + '{x}'\n"},
		{"truncated_trailer", "def f():\n    return 1\n\ndef g():\n    x = [1,\n    2,", "def f():\n    return 1\n"},
		{"trailing_whitespace", "a = 1   \nb = 2\n\n\n", "a = 1\nb = 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			got, _ := ruleByName(t, tt.rule).Apply(tt.in)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncatedTrailer(t *testing.T) {
	r := ruleByName(t, "truncated_trailer")

	t.Run("dangling header dropped", func(t *testing.T) {
		in := "def generate(level):\n    return {}\n\ndef check(u, c):\n    if u == c:"
		got, applied := r.Apply(in)
		assert.True(t, applied)
		assert.Equal(t, "def generate(level):\n    return {}\n", got)
	})

	t.Run("string cut at EOF", func(t *testing.T) {
		in := "x = 1\ny = 'unfinished"
		got, _ := r.Apply(in)
		assert.Equal(t, "x = 1\n", got)
	})

	t.Run("mid-file unterminated string is not a truncation", func(t *testing.T) {
		in := "def generate(level):\n    q = 'What is 1+1?\n    return {'question_text': q}\n"
		_, applied := r.Apply(in)
		assert.False(t, applied)
	})

	t.Run("missing delimiter before later defs is not a truncation", func(t *testing.T) {
		in := "def generate(level):\n    return {'a': (1\n\ndef check(u, c):\n    return {}\n"
		_, applied := r.Apply(in)
		assert.False(t, applied)
	})

	t.Run("balanced source untouched", func(t *testing.T) {
		in := "x = (1,\n     2)\n"
		_, applied := r.Apply(in)
		assert.False(t, applied)
	})
}

func TestHealer_FiredRulesInOrder(t *testing.T) {
	h := NewHealer(DefaultRules(), 3)
	in := "```python\r\ndef generate(level):\r\n\treturn {“answer”: true}   \r\n```"

	res := h.Heal(in)
	assert.Equal(t, "def generate(level):\n    return {\"answer\": True}\n", res.Source)
	assert.True(t, res.FixedPoint)

	var names []string
	for _, f := range res.Fired {
		names = append(names, f.Rule)
		assert.NotEmpty(t, f.Diff, f.Rule)
	}
	assert.Equal(t, []string{
		"normalize_newlines", "strip_fence_markers", "smart_quotes",
		"expand_tab_indent", "json_literals", "trailing_whitespace",
	}, names)
}

func TestHealer_LogsFiredRules(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.InitializeWithLogger(zap.New(core), config.LoggingConfig{})
	t.Cleanup(func() { logging.InitializeWithLogger(zap.NewNop(), config.LoggingConfig{}) })

	NewHealer(DefaultRules(), 3).Heal("x = true   \n")
	entries := logs.FilterLoggerName("heal").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "fired json_literals,trailing_whitespace")

	// Nothing fired, nothing logged.
	NewHealer(DefaultRules(), 3).Heal("x = True\n")
	assert.Len(t, logs.FilterLoggerName("heal").All(), 1)

	logging.InitializeWithLogger(zap.New(core), config.LoggingConfig{Categories: map[string]bool{"heal": false}})
	NewHealer(DefaultRules(), 3).Heal("x = true\n")
	assert.Len(t, logs.FilterLoggerName("heal").All(), 1)
}

func TestHealer_PassCap(t *testing.T) {
	// A rule that always changes its input never reaches a fixed point.
	grow := Rule{Name: "grow", Rewrite: func(s string) string { return s + "x" }}
	res := NewHealer(Table{grow}, 3).Heal("")
	assert.Equal(t, "xxx", res.Source)
	assert.Equal(t, 3, res.Passes)
	assert.False(t, res.FixedPoint)
	assert.Len(t, res.Fired, 3)
}

func TestHealer_NeverFailsOnGarbage(t *testing.T) {
	h := NewHealer(DefaultRules(), 3)
	inputs := []string{"", "\n\n", "'''", "f\"{", "((((", "#", "\\", "“", "```", "x = f'{a[\"'"}
	for _, in := range inputs {
		assert.NotPanics(t, func() { h.Heal(in) }, "input %q", in)
	}
}

// Healing its own output yields byte-identical source.
func TestHealer_Idempotent(t *testing.T) {
	corpus := []string{
		"def generate(level=1): return {'question_text':'1+1?','answer':'2'}\ndef check(u,c): return {'correct': u==c, 'result': 'ok', 'next_question': True}",
		"```python\r\nimport random\r\n\r\ndef generate(level):\r\n\tn = random.randint(1, 10)\r\n\treturn {“question_text”: f\"{n} squared?\", \"answer\": n * n, \"answer_kind\": \"int\"}\r\n\r\ndef check(user, correct):\r\n\treturn {\"correct\": user == correct, \"result\": null, \"next_question\": true}\r\n```",
		"def generate(level):\n    q = 'What is 1+1?\n    return {'question_text': q}\n",
		"def generate(level):\n    data = {\"a\": 1}\n    return {\"question_text\": f\"value {data[\"a\"]}\", \"answer\": 1}\ndef check(u, c):\n    return {\"correct\": u == c, \"result\": \"\", \"next_question\": False}\n    x = [1, 2,\n",
		`"def generate(level):\n    return {\"question_text\": \"q\", \"answer\": 1}\ndef check(u, c):\n    return {\"correct\": u == c}"`,
		"<|im_start|>assistant\ndef generate(level):\n    return {}<|im_end|>",
		"def f():\n    if True:\n        return [\n",
	}
	h := NewHealer(DefaultRules(), 3)
	for i, in := range corpus {
		once := h.Heal(in).Source
		twice := h.Heal(once)
		require.Equal(t, once, twice.Source, "corpus[%d] not idempotent", i)
		assert.Empty(t, twice.Fired, "corpus[%d] fired on second run", i)
	}
}

func TestTable_Without(t *testing.T) {
	full := DefaultRules()
	trimmed := full.Without("truncated_trailer", "json_literals")
	assert.Len(t, trimmed, len(full)-2)
	assert.NotContains(t, trimmed.Names(), "truncated_trailer")
	assert.Len(t, full, 10)
}

func TestLexStrings(t *testing.T) {
	src := "a = 'x' # c\nb = \"\"\"multi\nline\"\"\"\nc = 'open\n"
	var kinds []tokenKind
	for _, tok := range lex(src) {
		kinds = append(kinds, tok.kind)
	}
	assert.Equal(t, []tokenKind{tokCode, tokString, tokCode, tokComment, tokCode, tokString, tokCode, tokString, tokCode}, kinds)
	assert.True(t, strings.HasPrefix(src[lex(src)[5].start:], `"""multi`))
}
