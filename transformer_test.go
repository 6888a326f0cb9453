package main

import (
	"math"
	"testing"
)

// tinyTestConfig is small enough that the finite-difference gradient check
// runs in well under a second.
func tinyTestConfig() Config {
	return Config{
		VocabSize: 11,
		SeqLen:    6,
		EmbedDim:  8,
		NumLayers: 1,
		FFHidden:  16,
	}
}

// TestGPTForwardShape tests that the model produces (seqLen, vocabSize)
// logits for any input length up to the context window.
func TestGPTForwardShape(t *testing.T) {
	model := NewGPT(tinyTestConfig())

	for _, n := range []int{1, 3, 6} {
		input := make([]int, n)
		for i := range input {
			input[i] = i % 11
		}

		logits := model.Forward(input)
		shape := logits.Shape()
		if shape[0] != n || shape[1] != 11 {
			t.Errorf("input length %d: expected shape [%d 11], got %v", n, n, shape)
		}
	}
}

// TestGPTForwardDeterministic tests that the forward pass is a pure
// function of the weights and input.
func TestGPTForwardDeterministic(t *testing.T) {
	model := NewGPT(tinyTestConfig())
	input := []int{1, 2, 3, 4}

	a := model.Forward(input)
	b := model.Forward(input)

	for i := range a.data {
		if a.data[i] != b.data[i] {
			t.Fatalf("forward pass not deterministic at element %d: %v vs %v",
				i, a.data[i], b.data[i])
		}
	}
}

// TestCausalMask tests that changing a token never affects logits at
// earlier positions.
func TestCausalMask(t *testing.T) {
	model := NewGPT(tinyTestConfig())

	base := model.Forward([]int{1, 2, 3, 4})
	changed := model.Forward([]int{1, 2, 3, 9}) // Only the last token differs

	vocab := base.Shape()[1]
	for pos := 0; pos < 3; pos++ {
		for v := 0; v < vocab; v++ {
			if base.At(pos, v) != changed.At(pos, v) {
				t.Fatalf("position %d saw a change in a future token", pos)
			}
		}
	}
}

// TestNamedParameterOrder tests that NamedParameters and Parameters agree
// and that normalization parameters are marked.
func TestNamedParameterOrder(t *testing.T) {
	model := NewGPT(tinyTestConfig())

	named := model.NamedParameters()
	params := model.Parameters()

	if len(named) != len(params) {
		t.Fatalf("NamedParameters has %d entries, Parameters has %d", len(named), len(params))
	}
	for i := range named {
		if named[i].Param != params[i] {
			t.Errorf("entry %d: NamedParameters and Parameters disagree", i)
		}
	}

	normCount := 0
	for _, np := range named {
		if np.Norm {
			normCount++
		}
	}
	// 1 block * 2 LayerNorms * 2 params + final norm's 2 params
	if normCount != 6 {
		t.Errorf("expected 6 normalization parameters, got %d", normCount)
	}
}

// TestLayerNormForward tests normalization statistics on a known input.
func TestLayerNormForward(t *testing.T) {
	ln := NewLayerNorm(4)
	x := NewTensor(1, 4)
	x.Set(1, 0, 0)
	x.Set(2, 0, 1)
	x.Set(3, 0, 2)
	x.Set(4, 0, 3)

	out := ln.Forward(x)

	// With identity gamma/beta the output row has mean 0, variance ~1
	mean := 0.0
	for j := 0; j < 4; j++ {
		mean += out.At(0, j)
	}
	mean /= 4
	if math.Abs(mean) > 1e-9 {
		t.Errorf("normalized mean %v, expected 0", mean)
	}

	variance := 0.0
	for j := 0; j < 4; j++ {
		variance += out.At(0, j) * out.At(0, j)
	}
	variance /= 4
	if math.Abs(variance-1.0) > 1e-3 {
		t.Errorf("normalized variance %v, expected ~1", variance)
	}
}

// TestGradientCheck verifies the hand-written backward pass against
// numerical differentiation on a tiny model. Every parameter tensor gets a
// few sampled elements checked.
func TestGradientCheck(t *testing.T) {
	restoreMatMul()

	model := NewGPT(tinyTestConfig())
	input := []int{1, 2, 3, 4}
	targets := []int{2, 3, 4, 5}

	lossAt := func() float64 {
		return CrossEntropyLoss(model.Forward(input), targets)
	}

	// Analytic gradients
	params := model.Parameters()
	for _, p := range params {
		p.ZeroGrad()
	}
	logits, cache := model.ForwardWithCache(input)
	model.Backward(CrossEntropyBackward(logits, targets), cache)

	const (
		eps       = 1e-5
		tolerance = 1e-4
	)

	for _, np := range model.NamedParameters() {
		p := np.Param

		// Sample a few elements spread through the tensor
		indices := []int{0, len(p.data) / 2, len(p.data) - 1}
		for _, idx := range indices {
			orig := p.data[idx]

			p.data[idx] = orig + eps
			lossPlus := lossAt()
			p.data[idx] = orig - eps
			lossMinus := lossAt()
			p.data[idx] = orig

			numeric := (lossPlus - lossMinus) / (2 * eps)
			analytic := p.grad[idx]

			// Relative error with an absolute floor for near-zero grads
			denom := math.Max(math.Abs(numeric)+math.Abs(analytic), 1e-6)
			relErr := math.Abs(numeric-analytic) / denom
			if relErr > tolerance {
				t.Errorf("%s[%d]: analytic %v vs numeric %v (rel err %v)",
					np.Name, idx, analytic, numeric, relErr)
			}
		}
	}
}

// TestBackwardAccumulates tests that two backward passes without ZeroGrad
// double the gradients, which batch accumulation in TrainStep relies on.
func TestBackwardAccumulates(t *testing.T) {
	restoreMatMul()

	model := NewGPT(tinyTestConfig())
	input := []int{1, 2, 3}
	targets := []int{2, 3, 4}

	for _, p := range model.Parameters() {
		p.ZeroGrad()
	}

	logits, cache := model.ForwardWithCache(input)
	model.Backward(CrossEntropyBackward(logits, targets), cache)
	single := append([]float64(nil), model.lmHead.grad...)

	logits, cache = model.ForwardWithCache(input)
	model.Backward(CrossEntropyBackward(logits, targets), cache)

	for i := range single {
		if math.Abs(model.lmHead.grad[i]-2*single[i]) > 1e-12 {
			t.Fatalf("gradient %d did not accumulate: %v vs 2*%v",
				i, model.lmHead.grad[i], single[i])
		}
	}
}
