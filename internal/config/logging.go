package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string          `yaml:"format" json:"format,omitempty" validate:"omitempty,oneof=json console"`
	Output     string          `yaml:"output" json:"output,omitempty"`         // stderr, stdout or a file path
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Categories not listed are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
