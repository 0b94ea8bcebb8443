package sandbox

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"skillforge/internal/types"

	"go.starlark.net/starlark"
)

// ToGo converts a Starlark value into plain Go data suitable for JSON.
// Unsupported values are rendered with their string form.
func ToGo(v starlark.Value) interface{} {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i
		}
		return x.String()
	case starlark.Float:
		return float64(x)
	case starlark.String:
		return string(x)
	case starlark.Tuple:
		return listToGo(x)
	case *starlark.List:
		elems := make([]starlark.Value, x.Len())
		for i := range elems {
			elems[i] = x.Index(i)
		}
		return listToGo(elems)
	case *starlark.Dict:
		out := make(map[string]interface{}, x.Len())
		for _, kv := range x.Items() {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				key = kv[0].String()
			}
			out[key] = ToGo(kv[1])
		}
		return out
	default:
		return v.String()
	}
}

func listToGo(elems []starlark.Value) []interface{} {
	out := make([]interface{}, len(elems))
	for i, e := range elems {
		out[i] = ToGo(e)
	}
	return out
}

// FromGo converts plain Go data into a Starlark value.
func FromGo(x interface{}) (starlark.Value, error) {
	switch v := x.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []interface{}:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := FromGo(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(v))
		for _, k := range keys {
			sv, err := FromGo(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("cannot convert %T to a Starlark value", x)
}

// WrongAnswer derives a value of the same shape as answer that a correct
// checker must reject: numbers and numeric strings are incremented, booleans
// negated, sequences extended and other strings suffixed.
func WrongAnswer(answer starlark.Value) starlark.Value {
	switch x := answer.(type) {
	case starlark.Bool:
		return !x
	case starlark.Int:
		return x.Add(starlark.MakeInt(1))
	case starlark.Float:
		return x + 1
	case starlark.String:
		return starlark.String(wrongString(string(x)))
	case *starlark.List:
		elems := make([]starlark.Value, x.Len(), x.Len()+1)
		for i := range elems {
			elems[i] = x.Index(i)
		}
		return starlark.NewList(append(elems, extension(elems)))
	case starlark.Tuple:
		elems := append(starlark.Tuple{}, x...)
		return append(elems, extension(x))
	}
	return starlark.String("<wrong answer>")
}

func extension(elems []starlark.Value) starlark.Value {
	if len(elems) == 0 {
		return starlark.String("<wrong answer>")
	}
	return WrongAnswer(elems[len(elems)-1])
}

func wrongString(s string) string {
	t := strings.TrimSpace(s)
	if n, ok := new(big.Int).SetString(t, 10); ok {
		return n.Add(n, big.NewInt(1)).String()
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return strconv.FormatFloat(f+1, 'f', -1, 64)
	}
	switch strings.ToLower(t) {
	case "true":
		return "False"
	case "false":
		return "True"
	case "yes":
		return "no"
	case "no":
		return "yes"
	}
	return s + " (wrong)"
}

// parsePayload validates the generator's return value.
func parsePayload(v starlark.Value) (*types.Payload, starlark.Value, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, nil, fmt.Errorf("generator returned %s, want dict", v.Type())
	}
	q, found, _ := d.Get(starlark.String("question_text"))
	if !found {
		return nil, nil, fmt.Errorf("payload lacks question_text")
	}
	text, ok := starlark.AsString(q)
	if !ok || strings.TrimSpace(text) == "" {
		return nil, nil, fmt.Errorf("question_text must be a non-empty string, got %s", q.String())
	}
	answer, found, _ := d.Get(starlark.String("answer"))
	if !found || answer == starlark.None {
		return nil, nil, fmt.Errorf("payload lacks answer")
	}

	p := &types.Payload{QuestionText: text, Answer: ToGo(answer)}
	if k, found, _ := d.Get(starlark.String("answer_kind")); found && k != starlark.None {
		s, ok := starlark.AsString(k)
		if !ok {
			return nil, nil, fmt.Errorf("answer_kind must be a string, got %s", k.Type())
		}
		p.AnswerKind = s
	}
	for _, key := range []string{"context", "context_string"} {
		c, found, _ := d.Get(starlark.String(key))
		if !found || c == starlark.None {
			continue
		}
		if s, ok := starlark.AsString(c); ok {
			p.Context = s
		} else {
			p.Context = c.String()
		}
		break
	}
	return p, answer, nil
}

// parseCheck validates the checker's return value.
func parseCheck(v starlark.Value) (*types.CheckResult, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("checker returned %s, want dict", v.Type())
	}
	c, found, _ := d.Get(starlark.String("correct"))
	if !found {
		return nil, fmt.Errorf("checker result lacks correct")
	}
	res := &types.CheckResult{Correct: bool(c.Truth())}
	if r, found, _ := d.Get(starlark.String("result")); found && r != starlark.None {
		if s, ok := starlark.AsString(r); ok {
			res.Result = s
		} else {
			res.Result = r.String()
		}
	}
	if n, found, _ := d.Get(starlark.String("next_question")); found {
		res.NextQuestion = bool(n.Truth())
	}
	return res, nil
}
