package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"skillforge/internal/regression"
	"skillforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addSkill = "Here is the module.\n\n```python\n" + `def generate(level):
    return {"question_text": "What is 1 + %d?" % level, "answer": str(1 + level)}

def check(user_answer, correct_answer):
    return {"correct": user_answer == correct_answer}
` + "```\n"

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput, verbose, configPath, workers = false, false, "", 0
	procJobsFile, procSkill, procModel, procVariant, procTopic = "", "", "", "", ""
	procLevels, procMinTrials = nil, 3
	regressUpdate, regressAll = false, false
	ablateConfigs = nil
	cfg = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeBattery(t *testing.T, ws string) {
	t.Helper()
	b := "version: 1\nentries:\n" +
		"  - id: add\n    model: m-7b\n    completion_file: add.txt\n    spec: {skill_id: add, levels: [1, 2], min_trials: 2}\n" +
		"  - id: prose\n    model: m-7b\n    completion: \"I cannot help with that.\"\n    spec: {skill_id: prose, levels: [1], min_trials: 1}\n"
	dir := filepath.Join(ws, "golden")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "battery.yaml"), []byte(b), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "add.txt"), []byte(addSkill), 0o644))
}

func TestProcessSyncStats(t *testing.T) {
	ws := t.TempDir()
	reply := filepath.Join(ws, "reply.txt")
	require.NoError(t, os.WriteFile(reply, []byte(addSkill), 0o644))

	out, err := execute(t, "process", "-w", ws, "--skill", "add", "--levels", "1,2", "--min-trials", "2", "--model", "qwen2.5-coder-7b-instruct", reply)
	require.NoError(t, err)
	assert.Contains(t, out, "PASSED")
	assert.FileExists(t, filepath.Join(ws, "registry", "add_7b_base.py"))

	// Publishing the same module again is a no-op.
	_, err = execute(t, "process", "-w", ws, "--skill", "add", "--levels", "1,2", "--min-trials", "2", "--model", "qwen2.5-coder-7b-instruct", reply)
	require.NoError(t, err)

	out, err = execute(t, "sync", "-w", ws, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"published": 0`)

	out, err = execute(t, "stats", "-w", ws, "--json")
	require.NoError(t, err)
	var view statsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, 2, view.Stats.TotalVerdicts)
	assert.Equal(t, 2, view.Stats.ByStatus[types.StatusPassed])
	assert.Len(t, view.Runs, 2)
	assert.Equal(t, types.StatusPassed, view.Latest["add"].Status)
}

func TestProcess_RequiresSpecFlags(t *testing.T) {
	ws := t.TempDir()
	reply := filepath.Join(ws, "reply.txt")
	require.NoError(t, os.WriteFile(reply, []byte(addSkill), 0o644))

	_, err := execute(t, "process", "-w", ws, reply)
	assert.ErrorContains(t, err, "--skill and --model")

	_, err = execute(t, "process", "-w", ws)
	assert.Error(t, err)
}

func TestProcess_Envelope(t *testing.T) {
	ws := t.TempDir()
	env := map[string]interface{}{
		"id":    "env-1",
		"text":  "no code here",
		"model": "m-13b",
		"spec":  map[string]interface{}{"skill_id": "sub", "levels": []int{1}, "min_trials": 1},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	path := filepath.Join(ws, "sub.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out, err := execute(t, "process", "-w", ws, path)
	require.NoError(t, err)
	assert.Contains(t, out, string(types.NoCodeBlock))

	dumps, err := filepath.Glob(filepath.Join(ws, "archive", "failed", "sub_FAILED_*.raw.txt"))
	require.NoError(t, err)
	assert.Len(t, dumps, 1)
}

func TestRegress(t *testing.T) {
	ws := t.TempDir()
	writeBattery(t, ws)

	_, err := execute(t, "regress", "-w", ws, "--update")
	require.NoError(t, err)
	base, err := regression.LoadBaseline(regression.DefaultBaselinePath(ws))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, base.Statuses["add"])
	assert.Equal(t, types.StatusFailed, base.Statuses["prose"])

	out, err := execute(t, "regress", "-w", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "no changes")

	// A baseline that expects prose to pass turns the run into a failure.
	base.Statuses["prose"] = types.StatusPassed
	require.NoError(t, regression.SaveBaseline(regression.DefaultBaselinePath(ws), base))
	_, err = execute(t, "regress", "-w", ws)
	assert.ErrorContains(t, err, "1 regression")

	_, err = os.Stat(filepath.Join(ws, "registry"))
	assert.True(t, os.IsNotExist(err))
}

func TestAblate(t *testing.T) {
	ws := t.TempDir()
	writeBattery(t, ws)

	out, err := execute(t, "ablate", "-w", ws, "--configs", "none,full", "--json")
	require.NoError(t, err)
	var run types.AblationRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, []string{"none", "full"}, run.Configs)
	assert.Equal(t, 1, run.Results["full"].Passed)

	_, err = execute(t, "ablate", "-w", ws, "--configs", "turbo")
	assert.Error(t, err)
}

func TestMetricsTextfile(t *testing.T) {
	ws := t.TempDir()
	reply := filepath.Join(ws, "reply.txt")
	require.NoError(t, os.WriteFile(reply, []byte(addSkill), 0o644))
	t.Setenv("SKILLFORGE_METRICS_FILE", filepath.Join(ws, "metrics", "skillforge.prom"))

	_, err := execute(t, "process", "-w", ws, "--skill", "add", "--model", "m-7b", reply)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws, "metrics", "skillforge.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "skillforge_pipeline_verdicts_total")
}
