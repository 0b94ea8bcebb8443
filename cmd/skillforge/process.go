package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skillforge/internal/archive"
	"skillforge/internal/inbox"
	"skillforge/internal/ledger"
	"skillforge/internal/pipeline"
	"skillforge/internal/types"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	procSkill     string
	procTopic     string
	procLevels    []int
	procMinTrials int
	procModel     string
	procVariant   string
	procPromptID  string
	procHealing   string
	procJobsFile  string
)

var processCmd = &cobra.Command{
	Use:   "process [completion files...]",
	Short: "Run completions through the full pipeline",
	Long: `Extracts, heals, executes and classifies each completion, archives the
outcome and publishes PASSED modules to the registry.

Inputs:
  - *.json files are completion envelopes carrying their own skill spec
  - other files (or "-" for stdin) are raw completion text, described by flags
  - --jobs points at a YAML list of {completion, spec} jobs

Example:
  skillforge process --skill add_fractions --levels 1,2,3 --model qwen2.5-coder-7b reply.txt`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVar(&procSkill, "skill", "", "Skill id for raw completions")
	processCmd.Flags().StringVar(&procTopic, "topic", "", "Topic path")
	processCmd.Flags().IntSliceVar(&procLevels, "levels", []int{1}, "Difficulty levels to exercise")
	processCmd.Flags().IntVar(&procMinTrials, "min-trials", 3, "Minimum trials per level")
	processCmd.Flags().StringVar(&procModel, "model", "", "Model identifier")
	processCmd.Flags().StringVar(&procVariant, "variant", "", "Prompt variant (default base)")
	processCmd.Flags().StringVar(&procPromptID, "prompt-id", "", "Prompt id")
	processCmd.Flags().StringVar(&procHealing, "healing", "full", "Healing configuration (none, regex, full)")
	processCmd.Flags().StringVar(&procJobsFile, "jobs", "", "YAML file with a list of jobs")
}

func runProcess(cmd *cobra.Command, args []string) error {
	jobs, err := collectJobs(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("nothing to process: pass completion files or --jobs")
	}

	healing, err := healingFlag(procHealing)
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	runID := uuid.NewString()
	p, err := pipeline.New(cfg, pipeline.Options{
		Healing:  healing,
		RunID:    runID,
		Archive:  archive.New(cfg.ArchivePath()),
		Registry: archive.NewRegistry(cfg.RegistryPath()),
		Ledger:   l,
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	results, runErr := p.RunBatch(cmd.Context(), jobs, cfg.Limits.Workers)
	st := p.Stats()
	if err := l.RecordRun(ledger.RunRow{
		ID:         runID,
		Kind:       ledger.RunBatch,
		Config:     healing.ID,
		Total:      st.Runs,
		Passed:     st.Passed,
		Partial:    st.Partial,
		Failed:     st.Failed,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		return runErr
	}

	out := cmd.OutOrStdout()
	printTitle(out, "Processed %d completion(s) with healing %q", len(jobs), healing.ID)
	rows := make([][]string, 0, len(results))
	for i, res := range results {
		if res == nil {
			rows = append(rows, []string{jobs[i].Spec.SkillID, "-", "-", "-", "not run", "-"})
			continue
		}
		v := res.Verdict
		artifact := "-"
		switch {
		case res.Published:
			artifact = res.Artifact
		case res.Conflict:
			artifact = "conflict: " + res.Artifact
		}
		rows = append(rows, []string{
			res.Completion.SkillID,
			string(v.Status),
			levels(v.PassedLevels),
			levels(v.FailedLevels),
			orDash(string(v.PrimaryReason())),
			artifact,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"Skill", "Status", "Passed", "Failed", "Reason", "Published"}, rows, 1, byStatus))

	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d passed, %d partial, %d failed, %d published",
		st.Passed, st.Partial, st.Failed, st.Published)))
	return runErr
}

// collectJobs builds jobs from the --jobs file and the positional inputs.
func collectJobs(stdin io.Reader, args []string) ([]pipeline.Job, error) {
	var jobs []pipeline.Job
	if procJobsFile != "" {
		data, err := os.ReadFile(procJobsFile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &jobs); err != nil {
			return nil, fmt.Errorf("failed to parse jobs file: %w", err)
		}
	}

	for _, arg := range args {
		if strings.EqualFold(filepath.Ext(arg), ".json") {
			env, err := inbox.ReadEnvelope(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", arg, err)
			}
			jobs = append(jobs, pipeline.Job{Completion: env.Completion(), Spec: env.Spec})
			continue
		}

		var data []byte
		var err error
		if arg == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(arg)
		}
		if err != nil {
			return nil, err
		}
		if procSkill == "" || procModel == "" {
			return nil, fmt.Errorf("%s: raw completions need --skill and --model", arg)
		}
		lv := procLevels
		if len(lv) == 0 {
			lv = []int{1}
		}
		spec := types.SkillSpec{
			SkillID:   procSkill,
			TopicPath: procTopic,
			Levels:    lv,
			MinTrials: procMinTrials,
		}
		jobs = append(jobs, pipeline.Job{
			Completion: types.Completion{
				Text:     string(data),
				PromptID: procPromptID,
				Model:    procModel,
				Variant:  procVariant,
			},
			Spec: spec,
		})
	}
	return jobs, nil
}
