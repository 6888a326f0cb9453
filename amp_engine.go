package main

// ===========================================================================
// WHAT'S GOING ON HERE: The Casting/Patching Engine
// ===========================================================================
//
// Once Initialize has resolved a Properties value, this file makes it
// real. Three mechanisms, driven entirely by the resolved options:
//
// 1. MODEL CAST (cast_model_type): fp16 quantizes every parameter onto the
//    fp16 grid in place, optionally sparing normalization parameters
//    (keep_layernorm_fp32). fp32 casts nothing but verifies the model is
//    finite - catching a model that was already poisoned by a previous
//    half-precision experiment.
//
// 2. FUNCTION PATCH (patch_tensor_functions): swaps the package MatMul
//    implementation for one that round-trips its inputs through fp16.
//    Weights stay full precision; only compute-heavy ops see fp16
//    numerics. This is the O1 mechanism.
//
// 3. OPTIMIZER WRAP: every optimizer comes back wrapped in AMPOptimizer,
//    which unscales gradients, skips steps on overflow, keeps fp32 master
//    weights where configured, and re-quantizes fp16 working weights
//    after each update.
//
// The wrap binds positionally to the models' parameter lists, so Step must
// receive parameters in model.Parameters() order - the same contract the
// Adam moment buffers already impose.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// installCastingMatMul routes MatMul through the fp16 casting wrapper.
func installCastingMatMul() {
	matMulFunc = castingMatMul
}

// restoreMatMul routes MatMul back to the reference implementation.
func restoreMatMul() {
	matMulFunc = matMulNaive
}

// castingMatMul quantizes both inputs onto the fp16 grid before
// multiplying, reproducing the numerics of half-precision compute without
// touching the caller's tensors.
func castingMatMul(a, b *Tensor) *Tensor {
	ac := a.Clone()
	ac.QuantizeFP16()
	bc := b.Clone()
	bc.QuantizeFP16()
	return matMulNaive(ac, bc)
}

// castModelFP16 quantizes a model's parameters onto the fp16 grid,
// sparing normalization parameters when keepNorm is set.
func castModelFP16(m *GPT, keepNorm bool) {
	for _, np := range m.NamedParameters() {
		if keepNorm && np.Norm {
			continue
		}
		np.Param.QuantizeFP16()
	}
}

// verifyModelFP32 checks that every parameter is finite, reporting
// offenders through the warn-or-err chokepoint.
func (s *AmpState) verifyModelFP32(m *GPT) error {
	for _, np := range m.NamedParameters() {
		for _, v := range np.Param.data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return s.WarnOrErr(fmt.Sprintf("Parameter %s contains non-finite values; the model does not look like a clean FP32 model.", np.Name))
			}
		}
	}
	return nil
}

// apply wires a resolved configuration into the models and optimizers and
// returns the (possibly wrapped) handles.
func (s *AmpState) apply(models []*GPT, optimizers []Optimizer, props *Properties) ([]*GPT, []Optimizer, error) {
	if props.PatchTensorFunctions {
		installCastingMatMul()
	} else {
		restoreMatMul()
	}

	keepNorm := props.KeepLayerNormFP32 == BoolTrue

	// Collect every parameter across all models, in the order Step will
	// receive them, and decide per parameter whether it is quantized.
	var named []NamedParam
	for _, m := range models {
		named = append(named, m.NamedParameters()...)
	}

	quantized := make([]bool, len(named))
	if props.CastModelType == DTypeFP16 {
		for i, np := range named {
			quantized[i] = !(keepNorm && np.Norm)
		}
	}

	// Master copies must be taken before quantization destroys precision.
	masters := make([]*Tensor, len(named))
	if props.MasterWeights {
		for i, np := range named {
			if quantized[i] {
				masters[i] = np.Param.Clone()
			}
		}
	}

	switch props.CastModelType {
	case DTypeFP16:
		for _, m := range models {
			castModelFP16(m, keepNorm)
		}
	case DTypeFP32:
		for _, m := range models {
			if err := s.verifyModelFP32(m); err != nil {
				return nil, nil, err
			}
		}
	}

	scaler := newLossScaler(props)
	s.scaler = scaler

	wrapped := make([]Optimizer, len(optimizers))
	for i, opt := range optimizers {
		wrapped[i] = &AMPOptimizer{
			inner:     opt,
			scaler:    scaler,
			masters:   masters,
			quantized: quantized,
		}
	}

	return models, wrapped, nil
}

// AMPOptimizer wraps an optimizer with the mixed precision step protocol:
// unscale, overflow check, master-weight update, working-weight
// re-quantization.
type AMPOptimizer struct {
	inner  Optimizer
	scaler *LossScaler

	// masters[i] is the fp32 master copy for parameter i, or nil when the
	// parameter is updated directly. quantized[i] marks parameters whose
	// working values live on the fp16 grid.
	masters   []*Tensor
	quantized []bool

	// boundParams records the parameter list from the most recent Step so
	// MasterParams can interleave masters with working parameters.
	boundParams []*Tensor

	skippedSteps int
}

// Inner returns the wrapped optimizer.
func (a *AMPOptimizer) Inner() Optimizer {
	return a.inner
}

// Scaler returns the loss scaler driving this optimizer.
func (a *AMPOptimizer) Scaler() *LossScaler {
	return a.scaler
}

// SkippedSteps returns how many steps were dropped due to gradient
// overflow.
func (a *AMPOptimizer) SkippedSteps() int {
	return a.skippedSteps
}

// ScaleLoss multiplies a loss by the current loss scale.
func (a *AMPOptimizer) ScaleLoss(loss float64) float64 {
	return a.scaler.ScaleLoss(loss)
}

// MasterParams returns the full-precision view of the bound parameters:
// master copies where they exist, the working parameters elsewhere.
// Returns nil until the wrapper has been bound by its first Step.
func (a *AMPOptimizer) MasterParams() []*Tensor {
	if a.boundParams == nil {
		return nil
	}
	out := make([]*Tensor, len(a.boundParams))
	for i, p := range a.boundParams {
		if a.masters[i] != nil {
			out[i] = a.masters[i]
		} else {
			out[i] = p
		}
	}
	return out
}

// Step runs the mixed precision step protocol and delegates the actual
// update to the wrapped optimizer.
func (a *AMPOptimizer) Step(params []*Tensor, lr float64) {
	if len(params) != len(a.masters) {
		panic(fmt.Sprintf("amp: optimizer bound to %d params, got %d", len(a.masters), len(params)))
	}
	a.boundParams = params

	a.scaler.UnscaleGrads(params)

	if a.scaler.HasOverflow(params) {
		a.skippedSteps++
		a.scaler.Update(true)
		fmt.Printf("amp: gradient overflow detected, skipping step (loss scale now %g)\n", a.scaler.Scale())
		return
	}

	// Build the parameter list the inner optimizer updates: masters
	// substitute positionally for their fp16 working copies.
	stepParams := params
	hasMasters := false
	for i := range a.masters {
		if a.masters[i] != nil {
			hasMasters = true
			break
		}
	}
	if hasMasters {
		stepParams = make([]*Tensor, len(params))
		for i, p := range params {
			if a.masters[i] != nil {
				copy(a.masters[i].grad, p.grad)
				stepParams[i] = a.masters[i]
			} else {
				stepParams[i] = p
			}
		}
	}

	a.inner.Step(stepParams, lr)

	// Keep fp16 working weights on the fp16 grid after the update.
	for i, p := range params {
		if !a.quantized[i] {
			continue
		}
		if a.masters[i] != nil {
			copy(p.data, a.masters[i].data)
		}
		p.QuantizeFP16()
	}

	a.scaler.Update(false)
}

// ZeroGrad clears gradients on the working parameters.
func (a *AMPOptimizer) ZeroGrad(params []*Tensor) {
	a.inner.ZeroGrad(params)
}
