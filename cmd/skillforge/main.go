package main

import (
	"fmt"
	"os"
	"path/filepath"

	"skillforge/internal/config"
	"skillforge/internal/ledger"
	"skillforge/internal/logging"
	"skillforge/internal/metrics"
	"skillforge/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	workers    int
	jsonOutput bool

	// Loaded in PersistentPreRunE
	cfg      *config.Config
	recorder *metrics.Recorder
)

var rootCmd = &cobra.Command{
	Use:   "skillforge",
	Short: "skillforge - heal, validate and publish model-written skill modules",
	Long: `skillforge turns free-text model completions into executable skill modules.

Each completion is extracted, healed textually and structurally, executed in a
sandbox across difficulty levels and seeds, classified PASSED, PARTIAL or FAILED,
archived, and, when it passes, published to the skill registry.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = filepath.Join(workspace, config.DefaultConfigFile)
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("workspace") || loaded.Workspace.Root == "." {
			loaded.Workspace.Root = workspace
		}
		if workers > 0 {
			loaded.Limits.Workers = workers
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		if err := logging.Initialize(loaded.Logging); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		recorder = metrics.New()
		logging.Boot("skillforge %s (%s)", cmd.Name(), cfg.Workspace.Root)
		logging.BootDebug("workspace %s, %d workers", cfg.Workspace.Root, cfg.Limits.Workers)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		defer logging.CloseAll()
		if cfg == nil {
			return nil
		}
		return recorder.WriteTextfile(cfg.Metrics.TextfilePath)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default <workspace>/skillforge.yaml)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Worker pool size (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(processCmd, ablateCmd, regressCmd, syncCmd, watchCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// openLedger opens the workspace ledger.
func openLedger() (*ledger.Ledger, error) {
	l, err := ledger.Open(cfg.LedgerFile())
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

// healingFlag resolves a --healing value; battery configs may be passed as extras.
func healingFlag(id string, extra ...pipeline.Healing) (pipeline.Healing, error) {
	if id == "" {
		return pipeline.HealingFull, nil
	}
	return pipeline.LookupHealing(id, extra...)
}
