package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements a small GPT-style transformer language model: token
// and positional embeddings, pre-norm transformer blocks (self-attention +
// feed-forward, each behind a LayerNorm with a residual connection), a
// final LayerNorm, and a linear head projecting to vocabulary logits.
//
// INTENTION:
// Provide a real model for the mixed precision layer to operate on. The
// AMP engine (amp_engine.go) needs three things from a model:
//
//   - Parameters() in a stable order, so optimizers and master-weight
//     copies line up;
//   - NamedParameters() with a Norm marker, so "keep normalization layers
//     in fp32" can skip LayerNorm gains and shifts without string matching;
//   - a Forward pass whose matrix multiplies route through MatMul, so the
//     casting patch (opt level O1) actually intercepts compute.
//
// Attention is single-head. Multi-head attention changes the bookkeeping,
// not the precision behavior, and single-head keeps the hand-written
// backward pass (transformer_backward.go) short enough to verify by eye.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// Config holds model hyperparameters.
type Config struct {
	VocabSize int // Vocabulary size
	SeqLen    int // Maximum sequence length (context window)
	EmbedDim  int // Embedding dimension
	NumLayers int // Number of transformer blocks
	FFHidden  int // Feed-forward hidden dimension (typically 4 * EmbedDim)
}

// DefaultConfig returns a small configuration suitable for demos and tests.
func DefaultConfig() Config {
	return Config{
		VocabSize: 64,
		SeqLen:    32,
		EmbedDim:  32,
		NumLayers: 2,
		FFHidden:  128,
	}
}

// Attention implements single-head causal self-attention.
//
// Mechanism: project the input to query, key, and value matrices, score
// every position against every earlier position (softmax(QK^T/sqrt(d))),
// and take the score-weighted sum of values.
type Attention struct {
	embedDim int

	wq, wk, wv, wo *Tensor
}

// attnCache holds the intermediate activations the backward pass needs.
type attnCache struct {
	q, k, v *Tensor
	weights *Tensor // post-softmax attention weights
	out     *Tensor // weights @ v, before the output projection
}

// NewAttention creates an attention layer with scaled random projections.
func NewAttention(embedDim int) *Attention {
	scale := math.Sqrt(2.0 / float64(embedDim))

	wq := NewTensorRand(embedDim, embedDim)
	wk := NewTensorRand(embedDim, embedDim)
	wv := NewTensorRand(embedDim, embedDim)
	wo := NewTensorRand(embedDim, embedDim)
	for i := range wq.data {
		wq.data[i] *= scale
		wk.data[i] *= scale
		wv.data[i] *= scale
		wo.data[i] *= scale
	}

	return &Attention{embedDim: embedDim, wq: wq, wk: wk, wv: wv, wo: wo}
}

// Forward computes attention output for x of shape (seqLen, embedDim).
func (a *Attention) Forward(x *Tensor) *Tensor {
	out, _ := a.forwardCached(x)
	return out
}

// forwardCached computes attention output and retains the intermediates
// needed for the backward pass.
func (a *Attention) forwardCached(x *Tensor) (*Tensor, *attnCache) {
	if len(x.shape) != 2 {
		panic("transformer: attention input must be 2D (seqLen, embedDim)")
	}
	seqLen := x.shape[0]

	c := &attnCache{}
	c.q = MatMul(x, a.wq)
	c.k = MatMul(x, a.wk)
	c.v = MatMul(x, a.wv)

	scores := Scale(MatMul(c.q, Transpose(c.k)), 1.0/math.Sqrt(float64(a.embedDim)))

	// Causal mask: a position may not attend to the future.
	for i := 0; i < seqLen; i++ {
		for j := i + 1; j < seqLen; j++ {
			scores.Set(-1e9, i, j)
		}
	}

	c.weights = Softmax(scores)
	c.out = MatMul(c.weights, c.v)

	return MatMul(c.out, a.wo), c
}

// LayerNorm normalizes activations across features for each position
// independently: y = gamma * (x - mean) / std + beta.
//
// These are the parameters "keep_layernorm_fp32" protects: normalization
// statistics are the classic place where fp16 training destabilizes.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates a layer normalization layer (identity-initialized).
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{
		dim:   dim,
		eps:   1e-5,
		gamma: gamma,
		beta:  NewTensor(dim),
	}
}

// Forward applies layer normalization to x of shape (seqLen, features).
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("transformer: LayerNorm input must be 2D")
	}
	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(features)

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < features; j++ {
			out.Set((x.At(i, j)-mean)/std*ln.gamma.data[j]+ln.beta.data[j], i, j)
		}
	}
	return out
}

// FeedForward is the position-wise two-layer MLP:
// FFN(x) = GELU(x @ W1 + b1) @ W2 + b2.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(embedDim, hiddenDim int) *FeedForward {
	return &FeedForward{
		w1: NewTensorRand(embedDim, hiddenDim),
		b1: NewTensor(hiddenDim),
		w2: NewTensorRand(hiddenDim, embedDim),
		b2: NewTensor(embedDim),
	}
}

// Forward applies the feed-forward network to x of shape (seqLen, embedDim).
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	hidden := GELU(addBias(MatMul(x, ff.w1), ff.b1))
	return addBias(MatMul(hidden, ff.w2), ff.b2)
}

// TransformerBlock is a pre-norm GPT block:
//
//	x = x + Attention(LayerNorm(x))
//	x = x + FeedForward(LayerNorm(x))
type TransformerBlock struct {
	attn *Attention
	ln1  *LayerNorm
	ff   *FeedForward
	ln2  *LayerNorm
}

// NewTransformerBlock creates a transformer block.
func NewTransformerBlock(config Config) *TransformerBlock {
	return &TransformerBlock{
		attn: NewAttention(config.EmbedDim),
		ln1:  NewLayerNorm(config.EmbedDim),
		ff:   NewFeedForward(config.EmbedDim, config.FFHidden),
		ln2:  NewLayerNorm(config.EmbedDim),
	}
}

// Forward applies the block to x of shape (seqLen, embedDim).
func (tb *TransformerBlock) Forward(x *Tensor) *Tensor {
	out, _ := tb.forwardCached(x)
	return out
}

// GPT is the language model: embeddings, transformer blocks, final norm,
// and a linear head to vocabulary logits.
type GPT struct {
	config Config

	tokenEmbed *Tensor // (vocabSize, embedDim)
	posEmbed   *Tensor // (seqLen, embedDim)

	blocks []*TransformerBlock

	lnFinal *LayerNorm
	lmHead  *Tensor // (embedDim, vocabSize)
}

// NewGPT creates a model with randomly initialized weights.
func NewGPT(config Config) *GPT {
	tokenEmbed := NewTensorRand(config.VocabSize, config.EmbedDim)
	posEmbed := NewTensorRand(config.SeqLen, config.EmbedDim)

	blocks := make([]*TransformerBlock, config.NumLayers)
	for i := range blocks {
		blocks[i] = NewTransformerBlock(config)
	}

	return &GPT{
		config:     config,
		tokenEmbed: tokenEmbed,
		posEmbed:   posEmbed,
		blocks:     blocks,
		lnFinal:    NewLayerNorm(config.EmbedDim),
		lmHead:     NewTensorRand(config.EmbedDim, config.VocabSize),
	}
}

// Config returns the model's configuration.
func (g *GPT) Config() Config {
	return g.config
}

// Forward computes logits of shape (seqLen, vocabSize) for input token IDs.
func (g *GPT) Forward(inputIDs []int) *Tensor {
	logits, _ := g.ForwardWithCache(inputIDs)
	return logits
}

// embed builds the (seqLen, embedDim) input from token and positional
// embeddings.
func (g *GPT) embed(inputIDs []int) *Tensor {
	seqLen := len(inputIDs)
	if seqLen == 0 || seqLen > g.config.SeqLen {
		panic(fmt.Sprintf("transformer: sequence length %d outside [1,%d]", seqLen, g.config.SeqLen))
	}

	x := NewTensor(seqLen, g.config.EmbedDim)
	for i, tokenID := range inputIDs {
		if tokenID < 0 || tokenID >= g.config.VocabSize {
			panic(fmt.Sprintf("transformer: token ID %d out of vocabulary range [0,%d)", tokenID, g.config.VocabSize))
		}
		for j := 0; j < g.config.EmbedDim; j++ {
			x.Set(g.tokenEmbed.At(tokenID, j)+g.posEmbed.At(i, j), i, j)
		}
	}
	return x
}

// NamedParam associates a parameter tensor with a stable name and a marker
// for normalization-layer parameters. The AMP engine keys master-weight
// bookkeeping on the name and uses Norm to honor keep_layernorm_fp32.
type NamedParam struct {
	Name  string
	Param *Tensor
	Norm  bool
}

// NamedParameters returns all trainable parameters in a stable order.
func (g *GPT) NamedParameters() []NamedParam {
	params := []NamedParam{
		{Name: "tokenEmbed", Param: g.tokenEmbed},
		{Name: "posEmbed", Param: g.posEmbed},
	}

	for i, block := range g.blocks {
		prefix := fmt.Sprintf("blocks.%d.", i)
		params = append(params,
			NamedParam{Name: prefix + "attn.wq", Param: block.attn.wq},
			NamedParam{Name: prefix + "attn.wk", Param: block.attn.wk},
			NamedParam{Name: prefix + "attn.wv", Param: block.attn.wv},
			NamedParam{Name: prefix + "attn.wo", Param: block.attn.wo},
			NamedParam{Name: prefix + "ln1.gamma", Param: block.ln1.gamma, Norm: true},
			NamedParam{Name: prefix + "ln1.beta", Param: block.ln1.beta, Norm: true},
			NamedParam{Name: prefix + "ff.w1", Param: block.ff.w1},
			NamedParam{Name: prefix + "ff.b1", Param: block.ff.b1},
			NamedParam{Name: prefix + "ff.w2", Param: block.ff.w2},
			NamedParam{Name: prefix + "ff.b2", Param: block.ff.b2},
			NamedParam{Name: prefix + "ln2.gamma", Param: block.ln2.gamma, Norm: true},
			NamedParam{Name: prefix + "ln2.beta", Param: block.ln2.beta, Norm: true},
		)
	}

	params = append(params,
		NamedParam{Name: "lnFinal.gamma", Param: g.lnFinal.gamma, Norm: true},
		NamedParam{Name: "lnFinal.beta", Param: g.lnFinal.beta, Norm: true},
		NamedParam{Name: "lmHead", Param: g.lmHead},
	)

	return params
}

// Parameters returns all trainable parameters in the same order as
// NamedParameters.
func (g *GPT) Parameters() []*Tensor {
	named := g.NamedParameters()
	params := make([]*Tensor, len(named))
	for i, np := range named {
		params[i] = np.Param
	}
	return params
}
