package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Hand-written backpropagation for the GPT model. ForwardWithCache retains
// every intermediate activation the chain rule needs; Backward walks the
// graph in reverse and accumulates into each parameter's grad buffer.
//
// The op-level gradient formulas:
//
//   C = A @ B          ->  dA = dC @ B^T,  dB = A^T @ dC
//   y = softmax(x)     ->  dx[i] = y[i] * (dy[i] - sum_j dy[j]*y[j])  (per row)
//   y = LayerNorm(x)   ->  standard normalization backward (recompute stats)
//   y = GELU(x)        ->  analytic derivative of the tanh approximation
//   residual y = a + b ->  gradient flows to both addends unchanged
//
// The causal mask needs no gradient handling: masked scores are replaced
// by a large negative constant, their softmax outputs are ~0, and the
// softmax backward formula already sends ~0 gradient through them.
//
// Loss scaling composes cleanly with all of this: scaling the gradient
// that enters Backward scales every parameter gradient linearly, which is
// exactly the property the loss scaler relies on (amp_loss_scaler.go).
//
// ===========================================================================

import "math"

// blockCache holds a transformer block's forward intermediates.
type blockCache struct {
	x    *Tensor    // block input
	n1   *Tensor    // ln1 output (attention input)
	attn *attnCache // attention intermediates
	res1 *Tensor    // x + attention output
	n2   *Tensor    // ln2 output (feed-forward input)
	h1   *Tensor    // first linear output, pre-GELU
	act  *Tensor    // GELU(h1)
}

// forwardCache holds everything Backward needs for one sequence.
type forwardCache struct {
	inputIDs []int
	blocks   []*blockCache
	xf       *Tensor // final block output (lnFinal input)
	nf       *Tensor // lnFinal output
}

// forwardCached runs the block and retains intermediates.
func (tb *TransformerBlock) forwardCached(x *Tensor) (*Tensor, *blockCache) {
	c := &blockCache{x: x}

	c.n1 = tb.ln1.Forward(x)
	attnOut, ac := tb.attn.forwardCached(c.n1)
	c.attn = ac
	c.res1 = Add(x, attnOut)

	c.n2 = tb.ln2.Forward(c.res1)
	c.h1 = addBias(MatMul(c.n2, tb.ff.w1), tb.ff.b1)
	c.act = GELU(c.h1)
	out := Add(c.res1, addBias(MatMul(c.act, tb.ff.w2), tb.ff.b2))

	return out, c
}

// ForwardWithCache computes logits and retains the activations needed for
// Backward.
func (g *GPT) ForwardWithCache(inputIDs []int) (*Tensor, *forwardCache) {
	cache := &forwardCache{inputIDs: inputIDs}

	x := g.embed(inputIDs)
	for _, block := range g.blocks {
		var c *blockCache
		x, c = block.forwardCached(x)
		cache.blocks = append(cache.blocks, c)
	}

	cache.xf = x
	cache.nf = g.lnFinal.Forward(x)
	logits := MatMul(cache.nf, g.lmHead)

	return logits, cache
}

// Backward propagates gradLogits through the model, accumulating parameter
// gradients. Call (*Tensor).ZeroGrad on the parameters first (or use an
// optimizer's ZeroGrad) when starting a fresh step.
func (g *GPT) Backward(gradLogits *Tensor, cache *forwardCache) {
	// Head: logits = nf @ lmHead.
	g.lmHead.AccumulateGrad(MatMul(Transpose(cache.nf), gradLogits))
	gradNf := MatMul(gradLogits, Transpose(g.lmHead))

	// Final layer norm.
	gradX, gradGamma, gradBeta := layerNormBackward(cache.xf, g.lnFinal.gamma, gradNf, g.lnFinal.eps)
	g.lnFinal.gamma.AccumulateGrad(gradGamma)
	g.lnFinal.beta.AccumulateGrad(gradBeta)

	// Blocks, in reverse.
	for i := len(g.blocks) - 1; i >= 0; i-- {
		gradX = g.blocks[i].backward(gradX, cache.blocks[i])
	}

	// Embedding lookup: each position's gradient lands on its token's
	// embedding row and its position's embedding row.
	embedDim := g.config.EmbedDim
	for i, tokenID := range cache.inputIDs {
		for j := 0; j < embedDim; j++ {
			v := gradX.At(i, j)
			g.tokenEmbed.grad[tokenID*embedDim+j] += v
			g.posEmbed.grad[i*embedDim+j] += v
		}
	}
}

// backward propagates the gradient of the block output back to the block
// input, accumulating parameter gradients along the way.
func (tb *TransformerBlock) backward(gradOut *Tensor, c *blockCache) *Tensor {
	// Feed-forward branch: out = res1 + (GELU(n2@w1+b1) @ w2 + b2).
	tb.ff.b2.AccumulateGrad(columnSums(gradOut))
	tb.ff.w2.AccumulateGrad(MatMul(Transpose(c.act), gradOut))
	gradAct := MatMul(gradOut, Transpose(tb.ff.w2))

	gradH1 := geluBackward(c.h1, gradAct)
	tb.ff.b1.AccumulateGrad(columnSums(gradH1))
	tb.ff.w1.AccumulateGrad(MatMul(Transpose(c.n2), gradH1))
	gradN2 := MatMul(gradH1, Transpose(tb.ff.w1))

	gradRes1LN, gradGamma2, gradBeta2 := layerNormBackward(c.res1, tb.ln2.gamma, gradN2, tb.ln2.eps)
	tb.ln2.gamma.AccumulateGrad(gradGamma2)
	tb.ln2.beta.AccumulateGrad(gradBeta2)

	// Residual: res1 feeds both the ln2 branch and the output directly.
	gradRes1 := Add(gradOut, gradRes1LN)

	// Attention branch: res1 = x + (weights @ v) @ wo.
	tb.attn.wo.AccumulateGrad(MatMul(Transpose(c.attn.out), gradRes1))
	gradAttnOut := MatMul(gradRes1, Transpose(tb.attn.wo))

	gradWeights := MatMul(gradAttnOut, Transpose(c.attn.v))
	gradV := MatMul(Transpose(c.attn.weights), gradAttnOut)

	gradScores := softmaxBackward(c.attn.weights, gradWeights)

	// scores = (q @ k^T) / sqrt(d); the mask is an additive constant.
	scale := 1.0 / math.Sqrt(float64(tb.attn.embedDim))
	gradQ := Scale(MatMul(gradScores, c.attn.k), scale)
	gradK := Scale(MatMul(Transpose(gradScores), c.attn.q), scale)

	tb.attn.wq.AccumulateGrad(MatMul(Transpose(c.n1), gradQ))
	tb.attn.wk.AccumulateGrad(MatMul(Transpose(c.n1), gradK))
	tb.attn.wv.AccumulateGrad(MatMul(Transpose(c.n1), gradV))

	gradN1 := MatMul(gradQ, Transpose(tb.attn.wq))
	gradN1 = Add(gradN1, MatMul(gradK, Transpose(tb.attn.wk)))
	gradN1 = Add(gradN1, MatMul(gradV, Transpose(tb.attn.wv)))

	gradXLN, gradGamma1, gradBeta1 := layerNormBackward(c.x, tb.ln1.gamma, gradN1, tb.ln1.eps)
	tb.ln1.gamma.AccumulateGrad(gradGamma1)
	tb.ln1.beta.AccumulateGrad(gradBeta1)

	// Residual: x feeds both the ln1 branch and res1 directly.
	return Add(gradRes1, gradXLN)
}

// softmaxBackward computes the row-wise softmax gradient:
// dx[i] = y[i] * (dy[i] - sum_j dy[j]*y[j]).
func softmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("transformer: softmaxBackward requires 2D tensor")
	}
	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(rows, cols)

	for i := 0; i < rows; i++ {
		dot := 0.0
		for j := 0; j < cols; j++ {
			dot += gradY.At(i, j) * y.At(i, j)
		}
		for j := 0; j < cols; j++ {
			gradX.Set(y.At(i, j)*(gradY.At(i, j)-dot), i, j)
		}
	}
	return gradX
}

// geluBackward computes the gradient of the tanh-approximation GELU.
func geluBackward(x, gradY *Tensor) *Tensor {
	const (
		sqrt2OverPi = 0.7978845608028654
		geluCoeff   = 0.044715
	)
	gradX := NewTensor(x.shape...)

	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		tanhInner := math.Tanh(inner)
		sech2 := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
		deriv := 0.5*(1.0+tanhInner) + 0.5*v*sech2*innerDeriv
		gradX.data[i] = gradY.data[i] * deriv
	}
	return gradX
}

// layerNormBackward computes gradients through layer normalization,
// recomputing the per-row statistics from the saved input.
func layerNormBackward(x, gamma, gradY *Tensor, eps float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("transformer: layerNormBackward requires 2D tensor")
	}
	rows, features := x.shape[0], x.shape[1]
	n := float64(features)

	gradX = NewTensor(rows, features)
	gradGamma = NewTensor(features)
	gradBeta = NewTensor(features)

	for i := 0; i < rows; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= n

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= n
		std := math.Sqrt(variance + eps)

		sumGradNorm := 0.0
		sumGradNormXNorm := 0.0
		for j := 0; j < features; j++ {
			xNorm := (x.At(i, j) - mean) / std
			gy := gradY.At(i, j)

			gradGamma.data[j] += gy * xNorm
			gradBeta.data[j] += gy

			gradNorm := gy * gamma.data[j]
			sumGradNorm += gradNorm
			sumGradNormXNorm += gradNorm * xNorm
		}

		for j := 0; j < features; j++ {
			xNorm := (x.At(i, j) - mean) / std
			gradNorm := gradY.At(i, j) * gamma.data[j]
			gradX.Set((n*gradNorm-sumGradNorm-xNorm*sumGradNormXNorm)/(n*std), i, j)
		}
	}

	return gradX, gradGamma, gradBeta
}

// columnSums sums a 2D tensor over rows, producing the bias gradient.
func columnSums(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("transformer: columnSums requires 2D tensor")
	}
	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[j] += x.At(i, j)
		}
	}
	return out
}
