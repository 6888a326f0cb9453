package main

// ===========================================================================
// WHAT'S GOING ON HERE: Loss Scaling
// ===========================================================================
//
// Gradients in fp16 underflow below 2^-14, and the gradients that matter
// late in training are exactly the small ones. Loss scaling multiplies the
// loss (equivalently, the gradient entering backprop) by a large factor,
// shifting the whole gradient distribution up into representable range,
// then divides it back out before the optimizer update.
//
// Static scaling uses a fixed factor chosen by the user. Dynamic scaling
// finds the largest workable factor automatically:
//
//   - start high (2^16);
//   - on overflow (any inf/NaN gradient), skip the step and halve;
//   - after a stretch of clean steps (2000), double.
//
// The result rides just below the overflow boundary, which maximizes
// underflow protection.
//
// ===========================================================================

import "math"

const (
	// dynamicScaleInit is the starting factor for dynamic scaling (2^16).
	dynamicScaleInit = 65536.0

	// scaleGrowthFactor and scaleBackoffFactor adjust the dynamic scale up
	// after clean stretches and down after overflow.
	scaleGrowthFactor  = 2.0
	scaleBackoffFactor = 0.5

	// scaleGrowthInterval is how many consecutive overflow-free steps
	// trigger a growth.
	scaleGrowthInterval = 2000

	// minLossScale floors the dynamic scale so repeated overflows cannot
	// drive it to zero.
	minLossScale = 1.0
)

// LossScaler manages the gradient scale factor for one training run.
type LossScaler struct {
	dynamic   bool
	scale     float64
	goodSteps int
}

// NewStaticLossScaler returns a scaler with a fixed factor.
func NewStaticLossScaler(scale float64) *LossScaler {
	return &LossScaler{scale: scale}
}

// NewDynamicLossScaler returns a scaler that manages its factor
// automatically.
func NewDynamicLossScaler() *LossScaler {
	return &LossScaler{dynamic: true, scale: dynamicScaleInit}
}

// newLossScaler builds the scaler a resolved configuration asks for.
func newLossScaler(props *Properties) *LossScaler {
	if props.DynamicLossScale {
		return NewDynamicLossScaler()
	}
	return NewStaticLossScaler(props.LossScale)
}

// Dynamic reports whether the scale is managed automatically.
func (s *LossScaler) Dynamic() bool {
	return s.dynamic
}

// Scale returns the current factor.
func (s *LossScaler) Scale() float64 {
	return s.scale
}

// ScaleLoss multiplies a loss value by the current factor.
func (s *LossScaler) ScaleLoss(loss float64) float64 {
	return loss * s.scale
}

// UnscaleGrads divides every parameter gradient by the current factor,
// undoing the scaling before the optimizer sees the gradients.
func (s *LossScaler) UnscaleGrads(params []*Tensor) {
	if s.scale == 1.0 {
		return
	}
	inv := 1.0 / s.scale
	for _, p := range params {
		for i := range p.grad {
			p.grad[i] *= inv
		}
	}
}

// HasOverflow reports whether any parameter gradient is inf or NaN.
func (s *LossScaler) HasOverflow(params []*Tensor) bool {
	for _, p := range params {
		for _, g := range p.grad {
			if math.IsInf(g, 0) || math.IsNaN(g) {
				return true
			}
		}
	}
	return false
}

// Update advances the dynamic scale after a step: backoff on overflow,
// growth after a clean stretch. Static scalers ignore it.
func (s *LossScaler) Update(overflow bool) {
	if !s.dynamic {
		return
	}

	if overflow {
		s.scale = math.Max(s.scale*scaleBackoffFactor, minLossScale)
		s.goodSteps = 0
		return
	}

	s.goodSteps++
	if s.goodSteps >= scaleGrowthInterval {
		s.scale *= scaleGrowthFactor
		s.goodSteps = 0
	}
}
