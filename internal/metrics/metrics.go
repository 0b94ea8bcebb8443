// Package metrics exposes pipeline counters through a Prometheus registry and
// exports them as a node-exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"skillforge/internal/logging"
	"skillforge/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "skillforge"

// Recorder holds one registry's worth of pipeline metrics. A nil Recorder
// records nothing.
type Recorder struct {
	reg *prometheus.Registry

	// verdicts counts classified completions.
	// Labels: config (healing configuration), variant, status
	verdicts *prometheus.CounterVec

	// reasons counts primary failure kinds.
	// Labels: config, kind
	reasons *prometheus.CounterVec

	// rules counts healing rules that changed the source.
	// Labels: rule
	rules *prometheus.CounterVec

	// trials counts sandbox trials by outcome ("ok" or a failure kind).
	// Labels: outcome
	trials *prometheus.CounterVec

	trialDuration prometheus.Histogram
	publishes     *prometheus.CounterVec
}

// New creates a recorder backed by a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "verdicts_total",
			Help:      "Classified completions by status",
		}, []string{"config", "variant", "status"}),
		reasons: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "failure_reasons_total",
			Help:      "Primary failure kind of non-passing completions",
		}, []string{"config", "kind"}),
		rules: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "healing",
			Name:      "rules_fired_total",
			Help:      "Healing rules that changed a candidate module",
		}, []string{"rule"}),
		trials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "trials_total",
			Help:      "Sandbox trials by outcome",
		}, []string{"outcome"}),
		trialDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "trial_duration_seconds",
			Help:      "Wall time of one generator and checker trial",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "publishes_total",
			Help:      "Registry publish attempts by result (published, unchanged, conflict)",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// ObserveVerdict records a classified completion.
func (r *Recorder) ObserveVerdict(config, variant string, v types.ValidationVerdict) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(config, variant, string(v.Status)).Inc()
	if kind := v.PrimaryReason(); kind != "" {
		r.reasons.WithLabelValues(config, string(kind)).Inc()
	}
}

// ObserveRules records the healing rules that fired.
func (r *Recorder) ObserveRules(rules []string) {
	if r == nil {
		return
	}
	for _, rule := range rules {
		r.rules.WithLabelValues(rule).Inc()
	}
}

// ObserveTrials records trial outcomes and durations.
func (r *Recorder) ObserveTrials(trials []types.ExecutionTrial) {
	if r == nil {
		return
	}
	for _, t := range trials {
		outcome := "ok"
		if !t.Succeeded() {
			outcome = string(t.Failure)
			if outcome == "" {
				outcome = string(types.AnswerSelfCheckFailed)
			}
		}
		r.trials.WithLabelValues(outcome).Inc()
		r.trialDuration.Observe(t.Duration.Seconds())
	}
}

// ObservePublish records a registry publish result.
func (r *Recorder) ObservePublish(result string) {
	if r == nil {
		return
	}
	r.publishes.WithLabelValues(result).Inc()
}

// WriteTextfile writes every metric family to path in the text exposition
// format. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		logging.Get(logging.CategoryMetrics).Error("Failed to write metrics to %s: %v", path, err)
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	logging.Get(logging.CategoryMetrics).Debug("Wrote metrics to %s", path)
	return nil
}
