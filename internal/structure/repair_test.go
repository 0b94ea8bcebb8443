package structure

import (
	"errors"
	"testing"

	"skillforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairer_Fixes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		fix  string
	}{
		{
			name: "missing colon",
			in:   "def f(x)\n    return x\n",
			want: "def f(x):\n    return x\n",
			fix:  "insert_colon",
		},
		{
			name: "unclosed call before next statement",
			in:   "x = foo(1, 2\ny = 3\n",
			want: "x = foo(1, 2)\ny = 3\n",
			fix:  "close_delimiters",
		},
		{
			name: "unclosed dict at end of file",
			in:   "def check(u, c):\n    return {'correct': u == c\n",
			want: "def check(u, c):\n    return {'correct': u == c}\n",
			fix:  "close_delimiters",
		},
		{
			name: "unexpected indent",
			in:   "def f(x):\n    y = 1\n      return y\n",
			want: "def f(x):\n    y = 1\n    return y\n",
			fix:  "fix_indentation",
		},
		{
			name: "unindent between levels",
			in:   "def f(x):\n    y = 1\n  return y\n",
			want: "def f(x):\n    y = 1\n    return y\n",
			fix:  "fix_indentation",
		},
		{
			name: "dangling operator in last statement",
			in:   "def f(x):\n    return x\n\ny = 1 +\n",
			want: "def f(x):\n    return x\n",
			fix:  "drop_trailing_statement",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewRepairer(DefaultFixes(), 3).Repair(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Source)
			require.Len(t, res.Attempts, 1)
			assert.Equal(t, tt.fix, res.Attempts[0].Fix)
			assert.NotEmpty(t, res.Attempts[0].Diff)
			assert.NotNil(t, res.File)
		})
	}
}

func TestRepairer_ValidSourceUntouched(t *testing.T) {
	src := "def generate(level=1): return {'question_text':'1+1?','answer':'2'}\n"
	res, err := NewRepairer(DefaultFixes(), 3).Repair(src)
	require.NoError(t, err)
	assert.Equal(t, src, res.Source)
	assert.Empty(t, res.Attempts)
}

func TestRepairer_UnterminatedStringIsExhausted(t *testing.T) {
	src := "def generate(level):\n    q = 'What is 1+1?\n    return {'question_text': q, 'answer': 2}\n\n" +
		"def check(u, c):\n    return {'correct': u == c}\n"

	_, err := NewRepairer(DefaultFixes(), 3).Repair(src)
	require.Error(t, err)

	var pe *types.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.SyntaxRepairExhausted, pe.Reasons[0].Kind)
	assert.Equal(t, 2, pe.Reasons[0].Line)
	assert.Contains(t, pe.Reasons[0].Detail, "string")
}

func TestRepairer_Budget(t *testing.T) {
	src := "def f(x)\n    return x\n"

	_, err := NewRepairer(DefaultFixes(), 0).Repair(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget 0 exhausted")

	// Two independent faults need two attempts.
	src = "def f(x)\n    return x\n\ndef g(y)\n    return y\n"
	_, err = NewRepairer(DefaultFixes(), 1).Repair(src)
	assert.Error(t, err)
	res, err := NewRepairer(DefaultFixes(), 2).Repair(src)
	require.NoError(t, err)
	assert.Len(t, res.Attempts, 2)
}

func TestInsertColon_Targets(t *testing.T) {
	src := "def check(u, c)\n    return {'correct': u == c}\n"
	want := "def check(u, c):\n    return {'correct': u == c}\n"

	// Reported at the end of the header or at the start of the next line.
	for _, d := range []Diagnostic{{Line: 1, Col: 16}, {Line: 2, Col: 1}, {Line: 2, Col: 5}} {
		out, ok := insertColon(src, d)
		require.True(t, ok, d.String())
		assert.Equal(t, want, out, d.String())
	}

	_, ok := insertColon("x = 1\ny = 2\n", Diagnostic{Line: 2, Col: 1})
	assert.False(t, ok, "no header to close")
}

func TestDropTrailingStatement_KeepsFunctions(t *testing.T) {
	for _, src := range []string{
		"def f(x):\n    return x +\n",
		"def f(x):\n    y = 1\n    return y +\n",
		"def f(x)\n",
	} {
		_, ok := dropTrailingStatement(src, Diagnostic{Line: 2, Col: 1, Msg: "got newline"})
		assert.False(t, ok, src)
	}

	out, ok := dropTrailingStatement("def f(x):\n    return x\n\ny = 1 +\n", Diagnostic{Line: 4, Col: 8})
	require.True(t, ok)
	assert.Equal(t, "def f(x):\n    return x\n", out)
}

func TestRepairer_NeverEmptiesModule(t *testing.T) {
	src := "def check(u, c)\n    return u ==\n"
	res, err := NewRepairer(DefaultFixes(), 5).Repair(src)
	if err == nil {
		assert.Contains(t, res.Source, "def check(u, c):")
		return
	}
	assert.NotEmpty(t, res.Source)
	assert.Contains(t, res.Source, "def check")
}

func TestCodeEnd(t *testing.T) {
	assert.Equal(t, 8, codeEnd("def f(x)  # note: 'x'"))
	assert.Equal(t, 7, codeEnd("x = '#'  "))
	assert.Equal(t, 0, codeEnd("   # only"))
}

func TestOpenAfter(t *testing.T) {
	assert.Equal(t, []byte("({"), openAfter("f(a, {'k': ')'"))
	assert.Empty(t, openAfter("x = [1, 2]  # ("))
}
