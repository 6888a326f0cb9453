package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the dense tensor type underlying the training stack.
//
// INTENTION:
// Provide the minimal set of tensor operations a GPT-style model needs for
// forward and backward passes: element access, element-wise arithmetic,
// matrix multiplication, and the activation functions used by the model.
//
// Data is stored as float64 in row-major (C-contiguous) order. Gradients
// live alongside the data in a parallel buffer, which keeps backpropagation
// simple: an optimizer reads p.grad and writes p.data.
//
// Why float64 as the working type when the whole point of this repository
// is mixed precision? Because mixed precision is about STORAGE and COMPUTE
// precision, not about the accumulator type. The AMP layer (amp_*.go)
// quantizes values through a float16 codec (tensor_float16.go) and the
// tensors here hold the dequantized result. This mirrors how CPU reference
// implementations of fp16 training work: values are constrained to the
// fp16 grid, arithmetic happens in a wider type.
//
// MatMul dispatches through a package-level function variable so the AMP
// layer can install a casting wrapper around it (the "patch tensor
// functions" optimization level). See amp_engine.go.
//
// ===========================================================================

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values with an
// attached gradient buffer. Data is row-major.
//
// Tensor is not safe for concurrent use.
type Tensor struct {
	data  []float64 // Flat element storage
	shape []int     // Dimensions
	grad  []float64 // Gradient accumulated during the backward pass
}

// NewTensor creates a zero-initialized tensor with the given shape.
// Panics on an invalid shape; shape errors are programmer bugs, not
// runtime conditions to handle gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor with small random normal values
// (Box-Muller transform, stddev 0.02). Used for weight initialization.
func NewTensorRand(shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rand.Float64(), rand.Float64()
		mag := 0.02 * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices. Panics on invalid indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices. Panics on invalid indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat offset.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer. Call before a backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor, including its gradient.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// AccumulateGrad adds grad's data into the tensor's gradient buffer.
// Used when a tensor contributes to the loss through multiple paths.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("tensor: AccumulateGrad shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

// Add returns the element-wise sum a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Add shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Scale returns a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// Transpose returns the transpose of a 2D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}
	rows, cols := a.shape[0], a.shape[1]
	out := NewTensor(cols, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(a.At(i, j), j, i)
		}
	}
	return out
}

// matMulFunc is the active matrix multiplication implementation. The AMP
// layer swaps this for a casting wrapper when the "patch tensor functions"
// option is on (see amp_engine.go); everything else should call MatMul.
var matMulFunc func(a, b *Tensor) *Tensor = matMulNaive

// MatMul returns the matrix product a @ b for 2D tensors.
func MatMul(a, b *Tensor) *Tensor {
	return matMulFunc(a, b)
}

// matMulNaive is the reference matrix multiplication (ikj loop order for
// cache-friendly access to b).
func matMulNaive(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	m, k := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: MatMul inner dimension mismatch %d vs %d", k, k2))
	}

	out := NewTensor(m, n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a.data[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.data[i*n+j] += av * b.data[p*n+j]
			}
		}
	}
	return out
}

// addBias adds a 1D bias vector to every row of a 2D tensor.
func addBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic("tensor: addBias shape mismatch")
	}
	out := NewTensor(x.shape...)
	rows, cols := x.shape[0], x.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = x.data[i*cols+j] + bias.data[j]
		}
	}
	return out
}

// GELU applies the Gaussian Error Linear Unit activation (tanh
// approximation, the variant used by GPT-2).
func GELU(x *Tensor) *Tensor {
	const (
		sqrt2OverPi = 0.7978845608028654
		geluCoeff   = 0.044715
	)
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

// Softmax applies a row-wise softmax to a 2D tensor, with max subtraction
// for numerical stability.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}
	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for i := 0; i < rows; i++ {
		maxVal := x.data[i*cols]
		for j := 1; j < cols; j++ {
			if v := x.data[i*cols+j]; v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for j := 0; j < cols; j++ {
			e := math.Exp(x.data[i*cols+j] - maxVal)
			out.data[i*cols+j] = e
			sum += e
		}
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] /= sum
		}
	}
	return out
}

// shapeEqual reports whether two shapes are identical.
func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
