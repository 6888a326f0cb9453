package main

import (
	"errors"
	"math"
	"strings"
	"testing"
)

// testModelAndOptimizer builds a tiny model with a matching Adam optimizer.
func testModelAndOptimizer() (*GPT, Optimizer) {
	model := NewGPT(tinyTestConfig())
	return model, NewAdamOptimizer(model.Parameters(), 0.9, 0.999, 1e-8, 0.0)
}

// TestInitializeDisabled tests the identity pass-through: same handles
// back, shared state reset.
func TestInitializeDisabled(t *testing.T) {
	resetAMP(t)

	model, optimizer := testModelAndOptimizer()
	gotModel, gotOpt, err := Initialize(model, optimizer, InitConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	if gotModel != model {
		t.Error("disabled Initialize returned a different model")
	}
	if gotOpt != optimizer {
		t.Error("disabled Initialize wrapped the optimizer")
	}
	if CurrentProperties().Enabled {
		t.Error("disabled Initialize published an enabled configuration")
	}
}

// TestInitializeDisabledUndoesPatch tests that a disabled run after an
// enabled one restores the reference tensor functions.
func TestInitializeDisabledUndoesPatch(t *testing.T) {
	resetAMP(t)

	model, optimizer := testModelAndOptimizer()
	if _, _, err := Initialize(model, optimizer, DefaultInitConfig("O1")); err != nil {
		t.Fatal(err)
	}

	// O1 patched MatMul: an off-grid product is rounded
	a := NewTensor(1, 1)
	a.Set(offGridValue, 0, 0)
	b := NewTensor(1, 1)
	b.Set(1.0, 0, 0)
	if got := MatMul(a, b).At(0, 0); got != fp16Of(offGridValue) {
		t.Fatalf("O1 did not patch MatMul: product %v", got)
	}

	model2, optimizer2 := testModelAndOptimizer()
	if _, _, err := Initialize(model2, optimizer2, InitConfig{Enabled: false}); err != nil {
		t.Fatal(err)
	}

	if got := MatMul(a, b).At(0, 0); got != offGridValue {
		t.Errorf("disabled Initialize left MatMul patched: product %v", got)
	}
}

// TestInitializeBadOptLevel tests the error and that shared state is left
// untouched by a failed call.
func TestInitializeBadOptLevel(t *testing.T) {
	resetAMP(t)

	// Publish a known-good configuration first
	model, optimizer := testModelAndOptimizer()
	if _, _, err := Initialize(model, optimizer, DefaultInitConfig("O1")); err != nil {
		t.Fatal(err)
	}

	model2, optimizer2 := testModelAndOptimizer()
	_, _, err := Initialize(model2, optimizer2, DefaultInitConfig("O5"))
	if !errors.Is(err, ErrBadOptLevel) {
		t.Fatalf("got %v, expected ErrBadOptLevel", err)
	}
	for _, name := range optLevelNames {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not list level %s: %v", name, err)
		}
	}

	// The O1 configuration must still be published
	if props := CurrentProperties(); props.OptLevel != "O1" {
		t.Errorf("failed Initialize disturbed the published configuration: %+v", props)
	}
}

// TestInitializeOverrides tests user overrides applied on top of preset
// defaults.
func TestInitializeOverrides(t *testing.T) {
	t.Run("O1 with static loss scale", func(t *testing.T) {
		resetAMP(t)

		model, optimizer := testModelAndOptimizer()
		_, optimizers, err := InitializeAll(
			[]*GPT{model}, []Optimizer{optimizer}, InitConfig{
				Enabled:  true,
				OptLevel: "O1",
				Overrides: map[string]any{
					"loss_scale": "128.0",
				},
			})
		if err != nil {
			t.Fatal(err)
		}

		props := CurrentProperties()
		if props.DynamicLossScale || props.LossScale != 128.0 {
			t.Errorf("override not applied: dynamic=%v scale=%v",
				props.DynamicLossScale, props.LossScale)
		}

		amp := optimizers[0].(*AMPOptimizer)
		if amp.Scaler().Dynamic() || amp.Scaler().Scale() != 128.0 {
			t.Errorf("scaler ignored the override: dynamic=%v scale=%v",
				amp.Scaler().Dynamic(), amp.Scaler().Scale())
		}
	})

	t.Run("O2 without the norm exemption", func(t *testing.T) {
		resetAMP(t)

		model, optimizer := testModelAndOptimizer()
		seedOffGrid(model)
		_, _, err := Initialize(model, optimizer, InitConfig{
			Enabled:  true,
			OptLevel: "O2",
			Overrides: map[string]any{
				"keep_layernorm_fp32": "False",
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		props := CurrentProperties()
		if props.KeepLayerNormFP32 != BoolFalse {
			t.Errorf("keep_layernorm_fp32 = %v, expected false", props.KeepLayerNormFP32)
		}
		// The rest of the O2 preset survives
		if !props.MasterWeights || props.CastModelType != DTypeFP16 {
			t.Errorf("override bled into other options: %+v", props)
		}

		// Norm params were cast along with everything else
		for _, np := range model.NamedParameters() {
			if np.Norm && np.Param.data[0] != fp16Of(offGridValue) {
				t.Errorf("%s escaped the cast", np.Name)
			}
		}
	})

	t.Run("nil overrides are ignored", func(t *testing.T) {
		resetAMP(t)

		model, optimizer := testModelAndOptimizer()
		_, _, err := Initialize(model, optimizer, InitConfig{
			Enabled:  true,
			OptLevel: "O2",
			Overrides: map[string]any{
				"loss_scale":          nil,
				"keep_layernorm_fp32": nil,
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		props := CurrentProperties()
		if !props.DynamicLossScale || props.KeepLayerNormFP32 != BoolTrue {
			t.Errorf("nil overrides disturbed preset defaults: %+v", props)
		}
	})
}

// TestInitializeAtomicOverrides tests that a failing override publishes
// nothing: the previously published configuration survives intact.
func TestInitializeAtomicOverrides(t *testing.T) {
	resetAMP(t)

	model, optimizer := testModelAndOptimizer()
	if _, _, err := Initialize(model, optimizer, DefaultInitConfig("O0")); err != nil {
		t.Fatal(err)
	}

	model2, optimizer2 := testModelAndOptimizer()
	_, _, err := Initialize(model2, optimizer2, InitConfig{
		Enabled:  true,
		OptLevel: "O2",
		Overrides: map[string]any{
			"loss_scale":     64.0,    // Valid, sorts before the bad one
			"master_weights": "maybe", // Fails coercion
		},
	})
	if !errors.Is(err, ErrInvalidOptionValue) {
		t.Fatalf("got %v, expected ErrInvalidOptionValue", err)
	}

	// The O0 configuration is still the published one; neither the O2
	// defaults nor the valid loss_scale override leaked out.
	props := CurrentProperties()
	if props.OptLevel != "O0" {
		t.Errorf("published opt level %q, expected O0", props.OptLevel)
	}
	if props.LossScale != 1.0 {
		t.Errorf("published loss scale %v, expected 1.0", props.LossScale)
	}
}

// TestInitializeUnknownOverride tests that a typo'd override name fails
// loudly instead of being ignored.
func TestInitializeUnknownOverride(t *testing.T) {
	resetAMP(t)

	model, optimizer := testModelAndOptimizer()
	_, _, err := Initialize(model, optimizer, InitConfig{
		Enabled:  true,
		OptLevel: "O1",
		Overrides: map[string]any{
			"keep_layernorm_fp16": true,
		},
	})
	if !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("got %v, expected ErrUnknownOption", err)
	}
}

// TestInitializeHardOverride tests both spellings of the escape hatch.
func TestInitializeHardOverride(t *testing.T) {
	t.Run("struct field", func(t *testing.T) {
		resetAMP(t)

		model, optimizer := testModelAndOptimizer()
		cfg := DefaultInitConfig("O1")
		cfg.HardOverride = true
		if _, _, err := Initialize(model, optimizer, cfg); err != nil {
			t.Fatal(err)
		}
		if !ampState.HardOverride() {
			t.Error("hard override not published")
		}
		if err := WarnOrErr("test message"); err != nil {
			t.Errorf("WarnOrErr still errored: %v", err)
		}
	})

	t.Run("override key", func(t *testing.T) {
		resetAMP(t)

		model, optimizer := testModelAndOptimizer()
		_, _, err := Initialize(model, optimizer, InitConfig{
			Enabled:  true,
			OptLevel: "O1",
			Overrides: map[string]any{
				"hard_override": true,
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if !ampState.HardOverride() {
			t.Error("hard_override override key not honored")
		}
	})

	t.Run("override key survives disabled", func(t *testing.T) {
		resetAMP(t)

		model, optimizer := testModelAndOptimizer()
		_, _, err := Initialize(model, optimizer, InitConfig{
			Enabled: false,
			Overrides: map[string]any{
				"hard_override": true,
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if !ampState.HardOverride() {
			t.Error("hard_override ignored on the disabled path")
		}
	})

	t.Run("non-bool rejected", func(t *testing.T) {
		resetAMP(t)

		model, optimizer := testModelAndOptimizer()
		_, _, err := Initialize(model, optimizer, InitConfig{
			Enabled:  true,
			OptLevel: "O1",
			Overrides: map[string]any{
				"hard_override": "True",
			},
		})
		if !errors.Is(err, ErrInvalidOptionValue) {
			t.Fatalf("got %v, expected ErrInvalidOptionValue", err)
		}
	})
}

// TestInitializeWrapsOptimizers tests the returned handle types per level.
func TestInitializeWrapsOptimizers(t *testing.T) {
	for _, level := range optLevelNames {
		t.Run(level, func(t *testing.T) {
			resetAMP(t)

			model, optimizer := testModelAndOptimizer()
			_, gotOpt, err := Initialize(model, optimizer, DefaultInitConfig(level))
			if err != nil {
				t.Fatal(err)
			}

			amp, ok := gotOpt.(*AMPOptimizer)
			if !ok {
				t.Fatalf("level %s returned an unwrapped optimizer", level)
			}
			if amp.Inner() != optimizer {
				t.Errorf("level %s lost the inner optimizer", level)
			}
		})
	}
}

// TestInitializeTrainsEveryLevel runs a few real training steps under each
// opt level and checks the loss stays finite and generally decreases.
func TestInitializeTrainsEveryLevel(t *testing.T) {
	for _, level := range optLevelNames {
		t.Run(level, func(t *testing.T) {
			resetAMP(t)

			model, optimizer := testModelAndOptimizer()
			model, optimizer, err := Initialize(model, optimizer, DefaultInitConfig(level))
			if err != nil {
				t.Fatal(err)
			}

			batch := [][]int{{1, 2, 3, 4}}
			targets := [][]int{{2, 3, 4, 5}}

			first := TrainStep(model, batch, targets, optimizer, 0.01)
			var last float64
			for i := 0; i < 15; i++ {
				last = TrainStep(model, batch, targets, optimizer, 0.01)
			}

			if math.IsNaN(last) || math.IsInf(last, 0) {
				t.Fatalf("level %s produced non-finite loss %v", level, last)
			}
			if last >= first {
				t.Errorf("level %s: loss did not decrease (%v -> %v)", level, first, last)
			}
		})
	}
}
