package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The training loop: loss, optimizers, learning rate schedule, and the
// per-step plumbing that ties them to the mixed precision layer.
//
// A training step under AMP differs from a plain step in three places:
//
//   1. The loss gradient is multiplied by the loss scale before the
//      backward pass, pushing small fp16-range gradients away from
//      underflow.
//   2. The optimizer wrapper divides gradients by the same factor before
//      updating, so parameter updates are numerically unchanged.
//   3. If any gradient overflowed (inf/NaN), the step is skipped and the
//      dynamic scaler backs off.
//
// TrainStep doesn't know which of these apply; it scales through whatever
// the optimizer reports (ScaleLoss is 1x for an unwrapped optimizer) and
// lets the optimizer's Step decide whether to apply or skip.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step performs one update. Parameters must be passed in the same
	// order on every call.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements stochastic gradient descent with weight decay.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{weightDecay: weightDecay}
}

// Step updates parameters: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			p.data[i] -= lr * (p.grad[i] + opt.weightDecay*p.data[i])
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam: momentum plus adaptive per-parameter
// learning rates with bias correction.
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad^2
//	param -= lr * (m_t / (1 - beta1^t)) / (sqrt(v_t / (1 - beta2^t)) + eps)
//
// Moment buffers are indexed positionally, so Step must always receive
// parameters in the order the optimizer was created with. The AMP wrapper
// preserves this: master weights substitute positionally for their fp16
// working copies.
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*Tensor // First moment
	v []*Tensor // Second moment
	t int       // Step count, for bias correction
}

// NewAdamOptimizer creates an Adam optimizer for the given parameters.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step performs one Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	if len(params) != len(opt.m) {
		panic(fmt.Sprintf("train: Adam bound to %d params, got %d", len(opt.m), len(params)))
	}
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			opt.m[i].data[j] = opt.beta1*opt.m[i].data[j] + (1.0-opt.beta1)*grad
			opt.v[i].data[j] = opt.beta2*opt.v[i].data[j] + (1.0-opt.beta2)*grad*grad

			mHat := opt.m[i].data[j] / bias1
			vHat := opt.v[i].data[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler implements linear warmup followed by cosine decay.
type LRScheduler struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRScheduler creates a learning rate scheduler.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, decaySteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
	}
}

// GetLR advances the schedule and returns the learning rate for this step.
func (sched *LRScheduler) GetLR() float64 {
	sched.step++

	if sched.step < sched.warmupSteps {
		return sched.baseLR * float64(sched.step) / float64(sched.warmupSteps)
	}

	if sched.step < sched.decaySteps {
		progress := float64(sched.step-sched.warmupSteps) / float64(sched.decaySteps-sched.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return sched.minLR + (sched.baseLR-sched.minLR)*cosine
	}

	return sched.minLR
}

// CrossEntropyLoss computes the average next-token cross-entropy for
// logits of shape (batch, vocabSize) against target token IDs.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("train: CrossEntropyLoss expects 2D logits")
	}
	batchSize, vocabSize := logits.shape[0], logits.shape[1]
	if len(targets) != batchSize {
		panic(fmt.Sprintf("train: target length %d != batch size %d", len(targets), batchSize))
	}

	totalLoss := 0.0
	for b := 0; b < batchSize; b++ {
		maxLogit := logits.At(b, 0)
		for v := 1; v < vocabSize; v++ {
			if l := logits.At(b, v); l > maxLogit {
				maxLogit = l
			}
		}

		sumExp := 0.0
		for v := 0; v < vocabSize; v++ {
			sumExp += math.Exp(logits.At(b, v) - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		totalLoss += logSumExp - logits.At(b, targets[b])
	}

	return totalLoss / float64(batchSize)
}

// CrossEntropyBackward computes the loss gradient with respect to logits:
// softmax(logits) - one_hot(targets), averaged over the batch.
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("train: CrossEntropyBackward expects 2D logits")
	}
	batchSize, vocabSize := logits.shape[0], logits.shape[1]

	probs := Softmax(logits)
	gradLogits := NewTensor(batchSize, vocabSize)

	for b := 0; b < batchSize; b++ {
		for v := 0; v < vocabSize; v++ {
			g := probs.At(b, v)
			if v == targets[b] {
				g -= 1.0
			}
			gradLogits.Set(g/float64(batchSize), b, v)
		}
	}
	return gradLogits
}

// lossScaleOf returns the optimizer's loss scale, 1.0 for optimizers
// outside the AMP wrapper.
func lossScaleOf(optimizer Optimizer) float64 {
	if a, ok := optimizer.(*AMPOptimizer); ok {
		return a.Scaler().Scale()
	}
	return 1.0
}

// TrainStep performs a single training step over a batch of sequences and
// returns the (unscaled) average loss.
func TrainStep(model *GPT, batch [][]int, targets [][]int, optimizer Optimizer, lr float64) float64 {
	params := model.Parameters()
	optimizer.ZeroGrad(params)

	scale := lossScaleOf(optimizer)
	totalLoss := 0.0

	for i := range batch {
		logits, cache := model.ForwardWithCache(batch[i])
		totalLoss += CrossEntropyLoss(logits, targets[i])

		gradLogits := CrossEntropyBackward(logits, targets[i])
		if scale != 1.0 {
			gradLogits = Scale(gradLogits, scale)
		}
		model.Backward(gradLogits, cache)
	}

	clipGradients(params, 1.0*scale)
	optimizer.Step(params, lr)

	return totalLoss / float64(len(batch))
}

// clipGradients clips gradients by global norm. The caller scales maxNorm
// by the loss scale so clipping behaves identically with and without AMP.
func clipGradients(params []*Tensor, maxNorm float64) {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if globalNorm > maxNorm && !math.IsInf(globalNorm, 0) && !math.IsNaN(globalNorm) {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
}
