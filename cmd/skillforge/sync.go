package main

import (
	"fmt"

	"skillforge/internal/archive"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Publish archived PASSED modules missing from the registry",
	Long: `Walks the archive and publishes every PASSED artifact to the registry.
Artifacts already published with identical content are skipped; a registry
file with different content is reported as a conflict and left untouched.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	res, err := archive.Sync(archive.New(cfg.ArchivePath()), archive.NewRegistry(cfg.RegistryPath()))
	if err != nil {
		return err
	}
	for range res.Published {
		recorder.ObservePublish("published")
	}
	for range res.Conflicts {
		recorder.ObservePublish("conflict")
	}
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		printTitle(out, "Registry sync")
		if len(res.Conflicts) > 0 {
			rows := make([][]string, 0, len(res.Conflicts))
			for _, name := range res.Conflicts {
				rows = append(rows, []string{name, "conflict"})
			}
			fmt.Fprintln(out, renderTable([]string{"Artifact", "Result"}, rows, -1, nil))
		}
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d published, %d skipped, %d conflicts",
			res.Published, res.Skipped, len(res.Conflicts))))
	}
	if len(res.Conflicts) > 0 {
		return fmt.Errorf("%d registry conflict(s)", len(res.Conflicts))
	}
	return nil
}
