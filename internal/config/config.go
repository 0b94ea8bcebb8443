package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the file name looked up in the workspace root.
const DefaultConfigFile = "skillforge.yaml"

// Config holds all skillforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Directory layout for archives, registry and reports
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Textual and structural healing
	Healing HealingConfig `yaml:"healing"`

	// Sandbox execution and trial matrix
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Forbidden-construct policy
	Policy PolicyConfig `yaml:"policy"`

	// Worker pool and input limits
	Limits CoreLimits `yaml:"limits"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Metrics export
	Metrics MetricsConfig `yaml:"metrics"`
}

// WorkspaceConfig locates every on-disk store. Relative paths resolve against Root.
type WorkspaceConfig struct {
	Root        string `yaml:"root"`
	ArchiveDir  string `yaml:"archive_dir" validate:"required"`
	RegistryDir string `yaml:"registry_dir" validate:"required"`
	ReportsDir  string `yaml:"reports_dir" validate:"required"`
	InboxDir    string `yaml:"inbox_dir" validate:"required"`
	LedgerPath  string `yaml:"ledger_path" validate:"required"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	// TextfilePath, when set, receives the metric families after each command.
	TextfilePath string `yaml:"textfile_path"`
}

// PolicyConfig configures the Mangle forbidden-construct policy.
type PolicyConfig struct {
	ExtraRulesPath string `yaml:"extra_rules_path"`
	FactLimit      int    `yaml:"fact_limit" validate:"gte=100"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "skillforge",
		Version: "0.4.0",

		Workspace: WorkspaceConfig{
			Root:        ".",
			ArchiveDir:  "archive",
			RegistryDir: "registry",
			ReportsDir:  "reports",
			InboxDir:    "inbox",
			LedgerPath:  "reports/ledger.db",
		},

		Healing: DefaultHealingConfig(),
		Sandbox: DefaultSandboxConfig(),

		Policy: PolicyConfig{
			FactLimit: 20000,
		},

		Limits: CoreLimits{
			Workers:            4,
			MaxCompletionBytes: 256 * 1024,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("SKILLFORGE_WORKSPACE"); root != "" {
		c.Workspace.Root = root
	}
	if level := os.Getenv("SKILLFORGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if workers := os.Getenv("SKILLFORGE_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			c.Limits.Workers = n
		}
	}
	if timeout := os.Getenv("SKILLFORGE_TRIAL_TIMEOUT"); timeout != "" {
		c.Sandbox.TrialTimeout = timeout
	}
	if path := os.Getenv("SKILLFORGE_METRICS_FILE"); path != "" {
		c.Metrics.TextfilePath = path
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.ValidateCoreLimits(); err != nil {
		return err
	}
	for _, seed := range c.Sandbox.Seeds {
		if seed < 0 {
			return fmt.Errorf("sandbox seeds must be non-negative, got %d", seed)
		}
	}
	return nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	root := c.Workspace.Root
	if root == "" {
		root = "."
	}
	return filepath.Join(root, p)
}

// ArchivePath returns the absolute-or-root-relative archive directory.
func (c *Config) ArchivePath() string { return c.resolve(c.Workspace.ArchiveDir) }

// RegistryPath returns the registry directory consumed by the serving application.
func (c *Config) RegistryPath() string { return c.resolve(c.Workspace.RegistryDir) }

// ReportsPath returns the report store used by ablation and regression runs.
func (c *Config) ReportsPath() string { return c.resolve(c.Workspace.ReportsDir) }

// InboxPath returns the directory watched for pending completions.
func (c *Config) InboxPath() string { return c.resolve(c.Workspace.InboxDir) }

// LedgerFile returns the SQLite ledger path.
func (c *Config) LedgerFile() string { return c.resolve(c.Workspace.LedgerPath) }

// PolicyRulesPath returns the resolved extra policy rules file, if any.
func (c *Config) PolicyRulesPath() string { return c.resolve(c.Policy.ExtraRulesPath) }
