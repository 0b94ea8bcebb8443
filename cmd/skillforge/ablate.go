package main

import (
	"fmt"

	"skillforge/internal/ablation"
	"skillforge/internal/regression"

	"github.com/spf13/cobra"
)

var (
	ablateBattery string
	ablateConfigs []string
)

var ablateCmd = &cobra.Command{
	Use:   "ablate",
	Short: "Compare healing configurations over the benchmark battery",
	Long: `Runs every battery entry under every healing configuration and reports pass
rates, failure reasons and the skills whose status changes between the weakest
and the strongest configuration. Nothing is archived or published.

Example:
  skillforge ablate --configs none,regex,full`,
	RunE: runAblate,
}

func init() {
	ablateCmd.Flags().StringVar(&ablateBattery, "battery", "", "Battery file (default <workspace>/golden/battery.yaml)")
	ablateCmd.Flags().StringSliceVar(&ablateConfigs, "configs", nil, "Healing configurations to compare (default all)")
}

func runAblate(cmd *cobra.Command, args []string) error {
	path := ablateBattery
	if path == "" {
		path = regression.DefaultBatteryPath(cfg.Workspace.Root)
	}
	b, err := regression.LoadBattery(path)
	if err != nil {
		return err
	}
	configs, err := ablation.Configs(b, ablateConfigs)
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	h := &ablation.Harness{Config: cfg, Ledger: l, Metrics: recorder}
	rep, err := h.Run(cmd.Context(), b, configs)
	if err != nil {
		return err
	}
	run := rep.Run
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), run)
	}

	out := cmd.OutOrStdout()
	printTitle(out, "Ablation %s: %d entries", run.ID, len(run.Skills))
	rows := make([][]string, 0, len(run.Configs))
	for _, id := range run.Configs {
		agg := run.Results[id]
		top := "-"
		most := 0
		for kind, n := range agg.Reasons {
			if n > most || (n == most && string(kind) < top) {
				top, most = string(kind), n
			}
		}
		rows = append(rows, []string{
			id,
			fmt.Sprintf("%.0f%%", agg.PassRate*100),
			fmt.Sprint(agg.Passed),
			fmt.Sprint(agg.Partial),
			fmt.Sprint(agg.Failed),
			top,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"Config", "Pass rate", "Passed", "Partial", "Failed", "Top reason"}, rows, -1, nil))

	for _, msg := range ablation.Monotonic(run, run.Configs) {
		fmt.Fprintln(out, warningStyle.Render("non-monotonic: "+msg))
	}

	if len(run.Configs) >= 2 {
		from, to := run.Configs[0], run.Configs[len(run.Configs)-1]
		flips := ablation.Flips(run, from, to)
		if len(flips) > 0 {
			printTitle(out, "Changed between %s and %s", from, to)
			frows := make([][]string, 0, len(flips))
			for _, f := range flips {
				frows = append(frows, []string{f.SkillID, string(f.Baseline), string(f.Current), string(f.Kind)})
			}
			fmt.Fprintln(out, renderTable([]string{"Skill", from, to, "Change"}, frows, 3, byDiff))
		}
	}
	if rep.ReportPath != "" {
		fmt.Fprintln(out, mutedStyle.Render("report: "+rep.ReportPath))
	}
	return nil
}
