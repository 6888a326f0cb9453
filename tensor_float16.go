package main

// ===========================================================================
// WHAT'S GOING ON HERE: The Float16 Codec
// ===========================================================================
//
// Go has no native float16 type, so half precision is implemented as a
// software codec: Float16 is a uint16 holding IEEE 754 binary16 bits, with
// explicit conversion to and from float32.
//
// The mixed precision layer uses this codec in two ways:
//
// 1. STORAGE: TensorFloat16 holds model weights at half the memory cost
//    of float32 (a quarter of our float64 working buffers).
//
// 2. QUANTIZATION: (*Tensor).QuantizeFP16 rounds a tensor's values onto
//    the fp16 grid in place. Running a model whose weights and activations
//    have been quantized this way reproduces the numerics of real fp16
//    training - overflow above 65504, underflow below 2^-14 - which is
//    exactly what loss scaling exists to protect against.
//
// Format: 1 sign bit, 5 exponent bits (bias 15), 10 mantissa bits.
// Range ±65504, ~3-4 decimal digits of precision, smallest normal 2^-14.
//
// This is a portable reference implementation. Hardware conversion
// (F16C on x86, FCVT on ARM) is out of scope here.
//
// ===========================================================================

import "math"

// Float16 is an IEEE 754 half-precision value stored as raw bits.
type Float16 uint16

// Float32ToFloat16 converts a float32 to float16.
// Overflow clamps to signed infinity; values below the smallest normal
// flush to signed zero (denormals are not preserved).
func Float32ToFloat16(f float32) Float16 {
	if math.IsNaN(float64(f)) {
		return 0x7E00
	}
	if math.IsInf(float64(f), 1) {
		return 0x7C00
	}
	if math.IsInf(float64(f), -1) {
		return 0xFC00
	}

	bits := math.Float32bits(f)
	sign := bits & 0x80000000
	bits &= 0x7FFFFFFF

	// Overflow: anything at or above 65504 becomes infinity.
	if bits >= 0x47800000 {
		return Float16((sign >> 16) | 0x7C00)
	}

	// Underflow: below 2^-14, flush to zero.
	if bits < 0x38800000 {
		return Float16(sign >> 16)
	}

	// Rebias the exponent (127 -> 15) and drop 13 mantissa bits.
	exp := (bits >> 23) - 127 + 15
	mantissa := bits >> 13

	return Float16((sign >> 16) | (exp << 10) | (mantissa & 0x3FF))
}

// Float16ToFloat32 converts a float16 back to float32.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	mantissa := uint32(h & 0x3FF)

	if exp == 0x1F {
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000) // Infinity
		}
		return math.Float32frombits(sign | 0x7FC00000) // NaN
	}

	if exp == 0 {
		// Zero, or a denormal we flushed on the way in.
		return math.Float32frombits(sign)
	}

	exp32 := (exp - 15 + 127) << 23
	mantissa32 := mantissa << 13

	return math.Float32frombits(sign | exp32 | mantissa32)
}

// QuantizeFP16 rounds every value in the tensor onto the float16 grid in
// place by round-tripping through the codec. Gradients are untouched.
//
// This is how the AMP engine "casts a model to fp16": the storage stays
// float64, but the values a forward pass sees are exactly those an fp16
// model would hold.
func (t *Tensor) QuantizeFP16() {
	for i, v := range t.data {
		t.data[i] = float64(Float16ToFloat32(Float32ToFloat16(float32(v))))
	}
}

// TensorFloat16 is a tensor stored in half precision. Used for
// memory-efficient weight snapshots.
type TensorFloat16 struct {
	data  []Float16
	shape []int
}

// NewTensorFloat16 creates a float16 tensor with the given shape.
func NewTensorFloat16(shape ...int) *TensorFloat16 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &TensorFloat16{
		data:  make([]Float16, size),
		shape: append([]int(nil), shape...),
	}
}

// FromTensor fills the float16 tensor from a full-precision source.
func (t *TensorFloat16) FromTensor(src *Tensor) {
	if len(t.data) != len(src.data) {
		panic("tensor: float16 conversion size mismatch")
	}
	for i, v := range src.data {
		t.data[i] = Float32ToFloat16(float32(v))
	}
}

// ToTensor expands the float16 tensor back to full precision.
func (t *TensorFloat16) ToTensor() *Tensor {
	out := NewTensor(t.shape...)
	for i, h := range t.data {
		out.data[i] = float64(Float16ToFloat32(h))
	}
	return out
}
