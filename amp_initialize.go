package main

// ===========================================================================
// WHAT'S GOING ON HERE: The AMP Front Door
// ===========================================================================
//
// Initialize is the one call a training script makes to opt into mixed
// precision:
//
//	model, optimizer, err := Initialize(model, optimizer, InitConfig{
//		Enabled:  true,
//		OptLevel: "O2",
//		Overrides: map[string]any{
//			"loss_scale": "128.0",
//		},
//	})
//
// The resolution pipeline: pick the opt level's preset defaults, apply the
// caller's overrides through the validated Properties setter, publish the
// resolved configuration as shared state, then hand the models and
// optimizers to the casting/patching engine.
//
// Overrides are applied to a STAGING copy. If any override is unknown or
// fails coercion, Initialize returns an error and the previously published
// configuration - and the models and optimizers - are untouched. There is
// no partially-applied state to reason about after a failure.
//
// Disabled AMP is the no-op escape hatch: the inputs come back unmodified
// and the shared configuration resets to blank, so a script can flip one
// flag to compare against plain fp32 training.
//
// ===========================================================================

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadOptLevel indicates an opt_level outside the recognized names.
var ErrBadOptLevel = errors.New("amp: unexpected optimization level")

// InitConfig carries the caller's choices into Initialize.
type InitConfig struct {
	// Enabled turns the whole layer on. When false, Initialize is an
	// identity pass-through.
	Enabled bool

	// OptLevel selects the preset defaults; one of "O0".."O3". Required
	// when Enabled is true.
	OptLevel string

	// HardOverride downgrades later consistency errors (WarnOrErr) to
	// printed warnings. The reserved override key "hard_override" in
	// Overrides sets the same flag.
	HardOverride bool

	// Overrides are option-by-option adjustments applied on top of the
	// opt level's defaults, keyed by option name. Nil values are ignored,
	// so a caller can build the map unconditionally and only fill in what
	// the user actually supplied.
	Overrides map[string]any
}

// DefaultInitConfig returns an enabled configuration for the given opt
// level with no overrides.
func DefaultInitConfig(optLevel string) InitConfig {
	return InitConfig{Enabled: true, OptLevel: optLevel}
}

// Initialize configures mixed precision for a single model/optimizer pair
// and returns the handles to train with. The returned optimizer is the AMP
// wrapper; name the results over the originals, as in the example above.
func Initialize(model *GPT, optimizer Optimizer, cfg InitConfig) (*GPT, Optimizer, error) {
	models, optimizers, err := InitializeAll([]*GPT{model}, []Optimizer{optimizer}, cfg)
	if err != nil {
		return nil, nil, err
	}
	return models[0], optimizers[0], nil
}

// InitializeAll is Initialize for multiple models and/or optimizers. The
// return shapes mirror the argument shapes: len(models) models in,
// len(models) models out, likewise optimizers.
func InitializeAll(models []*GPT, optimizers []Optimizer, cfg InitConfig) ([]*GPT, []Optimizer, error) {
	return ampState.initialize(models, optimizers, cfg)
}

// initialize resolves the configuration and applies it. See the file
// comment for the pipeline.
func (s *AmpState) initialize(models []*GPT, optimizers []Optimizer, cfg InitConfig) ([]*GPT, []Optimizer, error) {
	hardOverride := cfg.HardOverride
	if v, ok := cfg.Overrides["hard_override"]; ok && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			return nil, nil, fmt.Errorf("%w: hard_override must be a bool, got %T", ErrInvalidOptionValue, v)
		}
		hardOverride = b
	}

	if !cfg.Enabled {
		// The designed no-op: reset shared state, undo any function
		// patching from a previous run, hand everything back untouched.
		s.hardOverride = hardOverride
		s.properties = NewProperties()
		s.scaler = nil
		restoreMatMul()
		return models, optimizers, nil
	}

	level, ok := optLevels[cfg.OptLevel]
	if !ok {
		return nil, nil, fmt.Errorf("%w %q: options are %q",
			ErrBadOptLevel, cfg.OptLevel, strings.Join(optLevelNames, ", "))
	}

	// Stage the resolution: defaults first, then overrides. Nothing is
	// published until every override has been accepted.
	props := level.defaults()

	fmt.Printf("Selected optimization level %s\n", level.brief)
	fmt.Println("Defaults for this optimization level are:")
	fmt.Print(props.Summary())

	fmt.Println("Processing user overrides (supplied overrides that are not nil)...")
	for _, name := range sortedOverrideNames(cfg.Overrides) {
		value := cfg.Overrides[name]
		if value == nil || name == "hard_override" {
			continue
		}
		if err := props.Set(name, value); err != nil {
			return nil, nil, err
		}
	}

	fmt.Println("After processing overrides, optimization options are:")
	fmt.Print(props.Summary())

	s.hardOverride = hardOverride
	s.properties = &props

	return s.apply(models, optimizers, &props)
}
