package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"skillforge/internal/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New()
	r.ObserveVerdict("full", "base", types.ValidationVerdict{Status: types.StatusPassed})
	r.ObserveVerdict("full", "base", types.ValidationVerdict{
		Status:  types.StatusFailed,
		Reasons: []types.FailureReason{{Kind: types.ExecutionTimeout}},
	})
	r.ObserveRules([]string{"insert_colon", "insert_colon", "cap_loop"})
	r.ObserveTrials([]types.ExecutionTrial{
		{CorrectVerdict: &types.CheckResult{Correct: true}, WrongVerdict: &types.CheckResult{}, Duration: 10 * time.Millisecond},
		{Failure: types.MalformedPayload},
	})
	r.ObservePublish("published")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.verdicts.WithLabelValues("full", "base", "PASSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reasons.WithLabelValues("full", "ExecutionTimeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rules.WithLabelValues("insert_colon")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.trials.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.trials.WithLabelValues("MalformedPayload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.publishes.WithLabelValues("published")))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveVerdict("none", "base", types.ValidationVerdict{Status: types.StatusPartial})

	path := filepath.Join(t.TempDir(), "out", "skillforge.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `skillforge_pipeline_verdicts_total{config="none",status="PARTIAL",variant="base"} 1`)

	assert.NoError(t, r.WriteTextfile(""))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveVerdict("full", "base", types.ValidationVerdict{Status: types.StatusPassed})
	r.ObserveRules([]string{"x"})
	r.ObserveTrials([]types.ExecutionTrial{{}})
	r.ObservePublish("conflict")
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile("/nonexistent/x.prom"))
}
