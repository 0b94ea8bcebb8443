package config

import "fmt"

// CoreLimits enforces process-wide resource constraints.
type CoreLimits struct {
	Workers            int `yaml:"workers" json:"workers"`                           // Concurrent pipeline runs
	MaxCompletionBytes int `yaml:"max_completion_bytes" json:"max_completion_bytes"` // Larger completions are rejected as NoCodeBlock
}

// ValidateCoreLimits checks that core limits are within acceptable ranges.
func (c *Config) ValidateCoreLimits() error {
	if c.Limits.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.Limits.MaxCompletionBytes < 1024 {
		return fmt.Errorf("max_completion_bytes must be >= 1024")
	}
	if c.Sandbox.MaxConcurrent > c.Limits.Workers*4 {
		return fmt.Errorf("sandbox.max_concurrent (%d) exceeds 4x workers (%d)", c.Sandbox.MaxConcurrent, c.Limits.Workers)
	}
	return nil
}
