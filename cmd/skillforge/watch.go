package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"skillforge/internal/archive"
	"skillforge/internal/inbox"
	"skillforge/internal/logging"
	"skillforge/internal/pipeline"
	"skillforge/internal/types"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	watchHealing  string
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Process completion envelopes as they land in the inbox",
	Long: `Watches the inbox directory for *.json completion envelopes and runs each
through the full pipeline. Handled envelopes move to inbox/processed, malformed
ones to inbox/rejected. Stops on SIGINT or SIGTERM.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchHealing, "healing", "full", "Healing configuration")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before an envelope is read")
}

func runWatch(cmd *cobra.Command, args []string) error {
	healing, err := healingFlag(watchHealing)
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	p, err := pipeline.New(cfg, pipeline.Options{
		Healing:  healing,
		RunID:    uuid.NewString(),
		Archive:  archive.New(cfg.ArchivePath()),
		Registry: archive.NewRegistry(cfg.RegistryPath()),
		Ledger:   l,
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	handler := func(ctx context.Context, c types.Completion, spec types.SkillSpec) error {
		res, err := p.Run(ctx, c, spec)
		if res != nil {
			fmt.Fprintf(out, "%s %s %s\n",
				statusStyle(res.Verdict.Status).Render(string(res.Verdict.Status)),
				res.Completion.SkillID,
				mutedStyle.Render(orDash(string(res.Verdict.PrimaryReason()))))
		}
		if err == nil {
			// Keep the textfile current for long-running watches.
			err = recorder.WriteTextfile(cfg.Metrics.TextfilePath)
		}
		return err
	}

	w, err := inbox.NewWatcher(cfg.InboxPath(), watchDebounce, handler)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Start(ctx); err != nil {
		return err
	}
	printTitle(out, "Watching %s (healing %q, Ctrl+C to stop)", cfg.InboxPath(), healing.ID)

	select {
	case <-ctx.Done():
	case <-w.Done():
	}
	w.Stop()

	st := w.Stats()
	pst := p.Stats()
	logging.Inbox("watch finished: %d processed, %d rejected, %d errors", st.Processed, st.Rejected, st.Errors)
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d processed (%d passed, %d published), %d rejected",
		st.Processed, pst.Passed, pst.Published, st.Rejected)))
	return nil
}
