// Package types provides the shared data model used across skillforge packages.
// It has no dependencies on other internal packages so every stage can import it.
package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// =============================================================================
// INPUTS
// =============================================================================

// Completion is one raw model output. Immutable once received.
type Completion struct {
	ID         string    `json:"id" yaml:"id"`
	Text       string    `json:"text" yaml:"text"`
	PromptID   string    `json:"prompt_id,omitempty" yaml:"prompt_id,omitempty"`
	Model      string    `json:"model" yaml:"model"`
	SkillID    string    `json:"skill_id" yaml:"skill_id"`
	TopicPath  string    `json:"topic_path,omitempty" yaml:"topic_path,omitempty"`
	Variant    string    `json:"variant,omitempty" yaml:"variant,omitempty"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
}

// SkillSpec is produced upstream by the prompt system and is read-only here.
type SkillSpec struct {
	SkillID   string `json:"skill_id" yaml:"skill_id" validate:"required,excludesall=/\\"`
	TopicPath string `json:"topic_path,omitempty" yaml:"topic_path,omitempty"`
	Levels    []int  `json:"levels" yaml:"levels" validate:"required,min=1,dive,gte=1"`
	MinTrials int    `json:"min_trials" yaml:"min_trials" validate:"gte=1"`
}

// Validate checks the spec's struct tags.
func (s SkillSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid skill spec %q: %w", s.SkillID, err)
	}
	return nil
}

// SortedLevels returns the required levels ascending and de-duplicated.
func (s SkillSpec) SortedLevels() []int {
	seen := make(map[int]bool, len(s.Levels))
	out := make([]int, 0, len(s.Levels))
	for _, l := range s.Levels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}

// =============================================================================
// HEALING
// =============================================================================

// StageResult records one healing step.
type StageResult struct {
	Stage   string `json:"stage"`
	Rule    string `json:"rule,omitempty"`
	Diff    string `json:"diff,omitempty"`
	Applied bool   `json:"applied"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// HealingAttempt is the append-only log of stage results for one completion.
type HealingAttempt struct {
	CompletionID string        `json:"completion_id"`
	Stages       []StageResult `json:"stages"`
}

// NewHealingAttempt starts an empty log for a completion.
func NewHealingAttempt(completionID string) *HealingAttempt {
	return &HealingAttempt{CompletionID: completionID, Stages: []StageResult{}}
}

// Append adds results to the end of the log.
func (h *HealingAttempt) Append(results ...StageResult) {
	h.Stages = append(h.Stages, results...)
}

// FiredRules returns the names of every applied rule, in order.
func (h *HealingAttempt) FiredRules() []string {
	var out []string
	for _, s := range h.Stages {
		if s.Applied && s.Rule != "" {
			out = append(out, s.Rule)
		}
	}
	return out
}

// CandidateModule is one immutable snapshot of the source under repair.
type CandidateModule struct {
	Source  string   `json:"source"`
	Touched []string `json:"touched,omitempty"`
}

// WithSource returns a new snapshot. The receiver is left untouched; when the
// source is unchanged the stage is not recorded.
func (c CandidateModule) WithSource(stage, source string) CandidateModule {
	if source == c.Source {
		return c
	}
	touched := make([]string, len(c.Touched), len(c.Touched)+1)
	copy(touched, c.Touched)
	return CandidateModule{Source: source, Touched: append(touched, stage)}
}

// =============================================================================
// EXECUTION
// =============================================================================

// Payload is the generator's structured question.
type Payload struct {
	QuestionText string      `json:"question_text"`
	Answer       interface{} `json:"answer"`
	AnswerKind   string      `json:"answer_kind,omitempty"`
	Context      string      `json:"context,omitempty"`
}

// CheckResult is the checker's structured verdict.
type CheckResult struct {
	Correct      bool   `json:"correct"`
	Result       string `json:"result,omitempty"`
	NextQuestion bool   `json:"next_question"`
}

// ExecutionTrial is one (level, seed) invocation record.
type ExecutionTrial struct {
	Level          int           `json:"level"`
	Seed           int64         `json:"seed"`
	Payload        *Payload      `json:"payload,omitempty"`
	CorrectVerdict *CheckResult  `json:"correct_verdict,omitempty"`
	WrongAnswer    interface{}   `json:"wrong_answer,omitempty"`
	WrongVerdict   *CheckResult  `json:"wrong_verdict,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	Failure        FailureKind   `json:"failure,omitempty"`
	Error          string        `json:"error,omitempty"`
	Output         string        `json:"output,omitempty"`
}

// Succeeded reports whether the trial ran cleanly and the checker was self-consistent.
func (t ExecutionTrial) Succeeded() bool {
	return t.Failure == "" &&
		t.CorrectVerdict != nil && t.CorrectVerdict.Correct &&
		t.WrongVerdict != nil && !t.WrongVerdict.Correct
}

// =============================================================================
// VERDICTS
// =============================================================================

// VerdictStatus is the final classification of a completion.
type VerdictStatus string

const (
	StatusPassed  VerdictStatus = "PASSED"
	StatusPartial VerdictStatus = "PARTIAL"
	StatusFailed  VerdictStatus = "FAILED"
)

// Rank orders statuses so regressions can be compared.
func (s VerdictStatus) Rank() int {
	switch s {
	case StatusPassed:
		return 2
	case StatusPartial:
		return 1
	default:
		return 0
	}
}

// ValidationVerdict is the classifier's output.
type ValidationVerdict struct {
	Status       VerdictStatus   `json:"status"`
	Reasons      []FailureReason `json:"reasons,omitempty"`
	PassedLevels []int           `json:"passed_levels,omitempty"`
	FailedLevels []int           `json:"failed_levels,omitempty"`
	Diagnostics  []string        `json:"diagnostics,omitempty"`
}

// PrimaryReason returns the first recorded failure kind, or "" for a clean pass.
func (v ValidationVerdict) PrimaryReason() FailureKind {
	if len(v.Reasons) == 0 {
		return ""
	}
	return v.Reasons[0].Kind
}

// =============================================================================
// HARNESS RUNS
// =============================================================================

// Aggregate counts outcomes for one ablation configuration.
type Aggregate struct {
	Config   string              `json:"config"`
	Passed   int                 `json:"passed"`
	Partial  int                 `json:"partial"`
	Failed   int                 `json:"failed"`
	Total    int                 `json:"total"`
	PassRate float64             `json:"pass_rate"`
	Reasons  map[FailureKind]int `json:"reasons,omitempty"`
}

// Add folds one verdict into the aggregate.
func (a *Aggregate) Add(v ValidationVerdict) {
	a.Total++
	switch v.Status {
	case StatusPassed:
		a.Passed++
	case StatusPartial:
		a.Partial++
	default:
		a.Failed++
	}
	if r := v.PrimaryReason(); r != "" {
		if a.Reasons == nil {
			a.Reasons = make(map[FailureKind]int)
		}
		a.Reasons[r]++
	}
	a.PassRate = float64(a.Passed) / float64(a.Total)
}

// AblationRun compares healing configurations over a benchmark set.
type AblationRun struct {
	ID         string                              `json:"id"`
	Configs    []string                            `json:"configs"`
	Skills     []string                            `json:"skills"`
	Results    map[string]*Aggregate               `json:"results"`
	Verdicts   map[string]map[string]VerdictStatus `json:"verdicts"` // config -> skill -> status
	StartedAt  time.Time                           `json:"started_at"`
	FinishedAt time.Time                           `json:"finished_at"`
}

// DiffKind classifies how a skill's verdict moved against the baseline.
type DiffKind string

const (
	DiffUnchanged DiffKind = "unchanged"
	DiffRegressed DiffKind = "regressed"
	DiffImproved  DiffKind = "improved"
	DiffNew       DiffKind = "new"
	DiffMissing   DiffKind = "missing"
)

// SkillDiff compares one skill's baseline and current status.
type SkillDiff struct {
	SkillID  string        `json:"skill_id" yaml:"skill_id"`
	Baseline VerdictStatus `json:"baseline,omitempty" yaml:"baseline,omitempty"`
	Current  VerdictStatus `json:"current,omitempty" yaml:"current,omitempty"`
	Kind     DiffKind      `json:"kind" yaml:"kind"`
	Reason   FailureKind   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RegressionRun replays the golden corpus against a stored baseline.
type RegressionRun struct {
	ID          string                   `json:"id"`
	Config      string                   `json:"config"`
	Skills      []string                 `json:"skills"`
	Current     map[string]VerdictStatus `json:"current"`
	Baseline    map[string]VerdictStatus `json:"baseline"`
	Diffs       []SkillDiff              `json:"diffs"`
	Regressions int                      `json:"regressions"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
}
