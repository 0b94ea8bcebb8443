package config

// HealingConfig bounds every repair loop in the healing stages.
type HealingConfig struct {
	// Fixed-point passes of the regex healer.
	RegexMaxPasses int `yaml:"regex_max_passes" json:"regex_max_passes" validate:"gte=1,lte=10"`

	// Lowering passes over the Python surface syntax.
	LoweringPasses int `yaml:"lowering_passes" json:"lowering_passes" validate:"gte=1,lte=10"`

	// Parse-repair attempts (K) before SyntaxRepairExhausted.
	SyntaxRepairBudget int `yaml:"syntax_repair_budget" json:"syntax_repair_budget" validate:"gte=0,lte=10"`

	// Iteration cap written into unbounded loops.
	LoopIterationCap int `yaml:"loop_iteration_cap" json:"loop_iteration_cap" validate:"gte=1"`

	// Accepted entry point names, first match wins.
	GeneratorNames []string `yaml:"generator_names" json:"generator_names" validate:"min=1,dive,required"`
	CheckerNames   []string `yaml:"checker_names" json:"checker_names" validate:"min=1,dive,required"`
}

// DefaultHealingConfig returns the default healing bounds.
func DefaultHealingConfig() HealingConfig {
	return HealingConfig{
		RegexMaxPasses:     3,
		LoweringPasses:     4,
		SyntaxRepairBudget: 3,
		LoopIterationCap:   1000,
		GeneratorNames:     []string{"generate", "generate_question"},
		CheckerNames:       []string{"check", "check_answer"},
	}
}
