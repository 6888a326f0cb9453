package main

// ===========================================================================
// WHAT'S GOING ON HERE: Optimization Levels
// ===========================================================================
//
// The four opt levels are named bundles of mixed precision defaults,
// ordered from "pure fp32" to "pure fp16". Each is a pure function from
// nothing to a fully populated Properties value; selecting a level twice
// yields the same configuration. User overrides are applied on top by
// Initialize, so a level is a starting point, not a straitjacket.
//
// The ladder:
//
//   O0  fp32 everywhere. The control group: AMP is active but changes
//       nothing numerically. Useful for A/B-ing accuracy.
//   O1  Patch tensor functions so compute-heavy ops round-trip through
//       fp16 while weights stay fp32. The safe default for trying mixed
//       precision.
//   O2  Cast the model to fp16, keep LayerNorm in fp32, maintain fp32
//       master weights for the optimizer. "Almost fp16" with stability
//       rails.
//   O3  Pure fp16, no rails. Establishes the speed/memory ceiling; if
//       training holds together here, take the win.
//
// ===========================================================================

// optLevel describes one optimization level: its name, a one-line brief
// printed at selection time, a longer description for the CLI, and a pure
// producer of its default Properties.
type optLevel struct {
	name     string
	brief    string
	more     string
	defaults func() Properties
}

// optLevels is the registry of recognized optimization levels.
var optLevels = map[string]optLevel{
	"O0": {
		name:  "O0",
		brief: "O0: Pure FP32 training.",
		more: "Model weights are verified to be finite full-precision values, but\n" +
			"nothing is cast and no tensor functions are patched. This mode disables\n" +
			"all fp16 arithmetic and serves as the accuracy baseline.",
		defaults: func() Properties {
			return Properties{
				Enabled:           true,
				OptLevel:          "O0",
				CastModelType:     DTypeFP32,
				KeepLayerNormFP32: BoolUnset,
				LossScale:         1.0,
			}
		},
	},

	"O1": {
		name:  "O1",
		brief: "O1: Insert automatic casts around tensor functions.",
		more: "Model weights are not altered. Matrix multiplication is patched so its\n" +
			"inputs round-trip through fp16, reproducing Tensor Core-style numerics\n" +
			"while keeping weights and updates in full precision. Dynamic loss\n" +
			"scaling protects small gradients. The recommended starting point for\n" +
			"mixed precision training.",
		defaults: func() Properties {
			return Properties{
				Enabled:              true,
				OptLevel:             "O1",
				CastModelType:        DTypeNone,
				PatchTensorFunctions: true,
				KeepLayerNormFP32:    BoolUnset,
				DynamicLossScale:     true,
				LossScale:            1.0,
			}
		},
	},

	"O2": {
		name:  "O2",
		brief: "O2: FP16 training with FP32 layer norms and FP32 master weights.",
		more: "Model weights are quantized to the fp16 grid, except LayerNorm gains\n" +
			"and shifts, which stay full precision for stability. The optimizer\n" +
			"updates fp32 master copies and re-quantizes the working weights after\n" +
			"each step. Dynamic loss scaling protects small gradients.",
		defaults: func() Properties {
			return Properties{
				Enabled:           true,
				OptLevel:          "O2",
				CastModelType:     DTypeFP16,
				KeepLayerNormFP32: BoolTrue,
				MasterWeights:     true,
				DynamicLossScale:  true,
				LossScale:         1.0,
			}
		},
	},

	"O3": {
		name:  "O3",
		brief: "O3: Pure FP16 training.",
		more: "Every model weight, LayerNorm included, is quantized to the fp16 grid\n" +
			"and updated in place. No master weights, no loss scaling. This mode\n" +
			"establishes a performance ceiling; training may or may not be stable.",
		defaults: func() Properties {
			return Properties{
				Enabled:           true,
				OptLevel:          "O3",
				CastModelType:     DTypeFP16,
				KeepLayerNormFP32: BoolFalse,
				LossScale:         1.0,
			}
		},
	},
}

// optLevelNames lists the accepted level names, used in error messages and
// the CLI. Kept explicit so the order is stable.
var optLevelNames = []string{"O0", "O1", "O2", "O3"}
