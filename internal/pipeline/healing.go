package pipeline

import (
	"fmt"

	"skillforge/internal/config"
	"skillforge/internal/structure"
)

// Healing selects which healing stages run. Shape validation always runs, so
// every configuration can still produce a descriptor from clean input.
type Healing struct {
	ID         string `yaml:"id" json:"id" validate:"required"`
	Regex      bool   `yaml:"regex" json:"regex"`
	Lowering   bool   `yaml:"lowering" json:"lowering"`
	Structural bool   `yaml:"structural" json:"structural"`
}

// Built-in healing configurations.
var (
	HealingNone  = Healing{ID: "none"}
	HealingRegex = Healing{ID: "regex", Regex: true}
	HealingFull  = Healing{ID: "full", Regex: true, Lowering: true, Structural: true}
)

// BuiltinHealing returns the built-in configurations in ascending strength.
func BuiltinHealing() []Healing {
	return []Healing{HealingNone, HealingRegex, HealingFull}
}

// LookupHealing finds a configuration by id among the built-ins and extra.
func LookupHealing(id string, extra ...Healing) (Healing, error) {
	for _, h := range append(BuiltinHealing(), extra...) {
		if h.ID == id {
			return h, nil
		}
	}
	return Healing{}, fmt.Errorf("unknown healing configuration %q", id)
}

// structureOptions maps the configuration onto the structural healer.
func (h Healing) structureOptions(cfg config.HealingConfig, members map[string][]string) structure.Options {
	opts := structure.OptionsFromConfig(cfg, members)
	opts.Lower = h.Lowering
	opts.Repair = h.Structural
	opts.Fix = h.Structural
	return opts
}
