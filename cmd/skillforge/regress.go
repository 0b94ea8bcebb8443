package main

import (
	"fmt"

	"skillforge/internal/regression"
	"skillforge/internal/types"

	"github.com/spf13/cobra"
)

var (
	regressBattery  string
	regressBaseline string
	regressHealing  string
	regressUpdate   bool
	regressAll      bool
)

var regressCmd = &cobra.Command{
	Use:   "regress",
	Short: "Replay the golden battery and diff against the baseline",
	Long: `Processes every battery entry and compares the verdicts with the stored
baseline. Exits non-zero when a previously PASSED skill no longer passes.
Nothing is archived or published.

Example:
  skillforge regress --update`,
	RunE: runRegress,
}

func init() {
	regressCmd.Flags().StringVar(&regressBattery, "battery", "", "Battery file (default <workspace>/golden/battery.yaml)")
	regressCmd.Flags().StringVar(&regressBaseline, "baseline", "", "Baseline file (default <workspace>/golden/baseline.yaml)")
	regressCmd.Flags().StringVar(&regressHealing, "healing", "full", "Healing configuration")
	regressCmd.Flags().BoolVar(&regressUpdate, "update", false, "Rewrite the baseline with the current verdicts")
	regressCmd.Flags().BoolVar(&regressAll, "all", false, "Show unchanged skills too")
}

func runRegress(cmd *cobra.Command, args []string) error {
	batteryPath := regressBattery
	if batteryPath == "" {
		batteryPath = regression.DefaultBatteryPath(cfg.Workspace.Root)
	}
	baselinePath := regressBaseline
	if baselinePath == "" {
		baselinePath = regression.DefaultBaselinePath(cfg.Workspace.Root)
	}
	b, err := regression.LoadBattery(batteryPath)
	if err != nil {
		return err
	}
	healing, err := healingFlag(regressHealing, b.Configs...)
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	r := &regression.Runner{Config: cfg, Ledger: l, Metrics: recorder}
	rep, err := r.Run(cmd.Context(), b, regression.Options{
		Healing:      healing,
		BaselinePath: baselinePath,
		Update:       regressUpdate,
	})
	if err != nil {
		return err
	}
	run := rep.Run

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), run); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		printTitle(out, "Regression %s (%s): %d skills", run.ID, run.Config, len(run.Skills))
		var rows [][]string
		for _, d := range run.Diffs {
			if d.Kind == types.DiffUnchanged && !regressAll {
				continue
			}
			rows = append(rows, []string{d.SkillID, orDash(string(d.Baseline)), orDash(string(d.Current)), string(d.Kind), orDash(string(d.Reason))})
		}
		if len(rows) > 0 {
			fmt.Fprintln(out, renderTable([]string{"Skill", "Baseline", "Current", "Change", "Reason"}, rows, 3, byDiff))
		} else {
			fmt.Fprintln(out, mutedStyle.Render("no changes against the baseline"))
		}
		if regressUpdate {
			fmt.Fprintln(out, mutedStyle.Render("baseline updated: "+baselinePath))
		}
	}

	if run.Regressions > 0 && !regressUpdate {
		return fmt.Errorf("%d regression(s) against %s", run.Regressions, baselinePath)
	}
	return nil
}
