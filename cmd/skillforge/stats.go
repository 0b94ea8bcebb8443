package main

import (
	"fmt"
	"sort"

	"skillforge/internal/ledger"
	"skillforge/internal/types"

	"github.com/spf13/cobra"
)

var (
	statsRuns   int
	statsConfig string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the verdict ledger",
	Long: `Shows verdict counts by status and failure reason, the latest verdict for
each skill, and the most recent ablation, regression and batch runs.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsRuns, "runs", 10, "Number of recent runs to show")
	statsCmd.Flags().StringVar(&statsConfig, "healing", "", "Only consider verdicts from this healing configuration")
}

type statsView struct {
	Stats  *ledger.Stats                `json:"stats"`
	Latest map[string]ledger.VerdictRow `json:"latest"`
	Runs   []ledger.RunRow              `json:"runs"`
}

func runStats(cmd *cobra.Command, args []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	var view statsView
	if view.Stats, err = l.GetStats(); err != nil {
		return err
	}
	if view.Latest, err = l.LatestVerdicts(statsConfig); err != nil {
		return err
	}
	if view.Runs, err = l.RecentRuns(statsRuns); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), view)
	}

	out := cmd.OutOrStdout()
	st := view.Stats
	printTitle(out, "Ledger: %d verdicts, %d runs", st.TotalVerdicts, st.Runs)

	var statusRows [][]string
	for _, s := range []types.VerdictStatus{types.StatusPassed, types.StatusPartial, types.StatusFailed} {
		statusRows = append(statusRows, []string{string(s), fmt.Sprint(st.ByStatus[s])})
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Count"}, statusRows, 0, byStatus))

	if len(st.ByReason) > 0 {
		reasons := make([]types.FailureKind, 0, len(st.ByReason))
		for k := range st.ByReason {
			reasons = append(reasons, k)
		}
		sort.Slice(reasons, func(i, j int) bool {
			if st.ByReason[reasons[i]] != st.ByReason[reasons[j]] {
				return st.ByReason[reasons[i]] > st.ByReason[reasons[j]]
			}
			return reasons[i] < reasons[j]
		})
		rows := make([][]string, 0, len(reasons))
		for _, k := range reasons {
			rows = append(rows, []string{string(k), fmt.Sprint(st.ByReason[k])})
		}
		fmt.Fprintln(out, renderTable([]string{"Reason", "Count"}, rows, -1, nil))
	}

	if len(view.Latest) > 0 {
		skills := make([]string, 0, len(view.Latest))
		for id := range view.Latest {
			skills = append(skills, id)
		}
		sort.Strings(skills)
		rows := make([][]string, 0, len(skills))
		for _, id := range skills {
			v := view.Latest[id]
			rows = append(rows, []string{id, v.Model, v.Config, string(v.Status), orDash(string(v.Reason)), v.CreatedAt.Format("2006-01-02 15:04")})
		}
		printTitle(out, "Latest verdict per skill")
		fmt.Fprintln(out, renderTable([]string{"Skill", "Model", "Healing", "Status", "Reason", "At"}, rows, 3, byStatus))
	}

	if len(view.Runs) > 0 {
		rows := make([][]string, 0, len(view.Runs))
		for _, r := range view.Runs {
			rows = append(rows, []string{
				string(r.Kind), r.Config,
				fmt.Sprintf("%d/%d", r.Passed, r.Total),
				fmt.Sprint(r.Regressions),
				r.FinishedAt.Format("2006-01-02 15:04"),
			})
		}
		printTitle(out, "Recent runs")
		fmt.Fprintln(out, renderTable([]string{"Kind", "Healing", "Passed", "Regressions", "Finished"}, rows, -1, nil))
	}
	return nil
}
