package config

import "time"

// SandboxConfig configures the capability-restricted interpreter and the trial matrix.
type SandboxConfig struct {
	// Per-invocation wall clock limit.
	TrialTimeout string `yaml:"trial_timeout" json:"trial_timeout" validate:"required,duration"`

	// Limit for executing the module's top-level statements.
	LoadTimeout string `yaml:"load_timeout" json:"load_timeout" validate:"required,duration"`

	// Interpreter step budget per invocation (0 = unlimited).
	MaxSteps uint64 `yaml:"max_steps" json:"max_steps"`

	// Concurrent sandbox executions across the whole process.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent" validate:"gte=1"`

	// Fixed seeds; every required level runs once per seed.
	Seeds []int64 `yaml:"seeds" json:"seeds" validate:"min=1"`

	// Modules a skill may load.
	AllowedModules []string `yaml:"allowed_modules" json:"allowed_modules"`

	// Calls treated as I/O or escape primitives.
	DeniedCalls []string `yaml:"denied_calls" json:"denied_calls"`

	// Bytes of print() output kept per trial.
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes" validate:"gte=0"`
}

// DefaultSandboxConfig returns the default sandbox limits.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		TrialTimeout:   "2s",
		LoadTimeout:    "2s",
		MaxSteps:       5_000_000,
		MaxConcurrent:  4,
		Seeds:          []int64{7, 42, 1337},
		AllowedModules: []string{"math", "random", "json"},
		DeniedCalls: []string{
			"open", "input", "exec", "eval", "compile", "__import__",
			"exit", "quit", "globals", "locals", "breakpoint", "system",
		},
		MaxOutputBytes: 4096,
	}
}

// GetTrialTimeout returns the per-invocation timeout as a duration.
func (c *Config) GetTrialTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.TrialTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetLoadTimeout returns the module load timeout as a duration.
func (c *Config) GetLoadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.LoadTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
