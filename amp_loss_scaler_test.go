package main

import (
	"math"
	"testing"
)

// TestStaticLossScaler tests the fixed-factor scaler.
func TestStaticLossScaler(t *testing.T) {
	s := NewStaticLossScaler(128.0)

	if s.Dynamic() {
		t.Error("static scaler reports dynamic")
	}
	if got := s.ScaleLoss(2.0); got != 256.0 {
		t.Errorf("ScaleLoss(2) = %v, expected 256", got)
	}

	// Update is a no-op for static scalers, overflow or not
	s.Update(true)
	s.Update(false)
	if s.Scale() != 128.0 {
		t.Errorf("static scale moved to %v", s.Scale())
	}
}

// TestUnscaleGrads tests that unscaling inverts the loss scale exactly.
func TestUnscaleGrads(t *testing.T) {
	s := NewStaticLossScaler(64.0)

	p := NewTensor(3)
	p.grad[0] = 64.0
	p.grad[1] = -128.0
	p.grad[2] = 0.0

	s.UnscaleGrads([]*Tensor{p})

	want := []float64{1.0, -2.0, 0.0}
	for i := range want {
		if p.grad[i] != want[i] {
			t.Errorf("grad[%d] = %v, expected %v", i, p.grad[i], want[i])
		}
	}

	// Data must not be touched
	if p.At(0) != 0 {
		t.Error("unscaling touched parameter data")
	}
}

// TestHasOverflow tests inf/NaN gradient detection.
func TestHasOverflow(t *testing.T) {
	s := NewDynamicLossScaler()

	clean := NewTensor(2)
	clean.grad[0] = 1e300
	if s.HasOverflow([]*Tensor{clean}) {
		t.Error("finite gradients flagged as overflow")
	}

	inf := NewTensor(2)
	inf.grad[1] = math.Inf(-1)
	if !s.HasOverflow([]*Tensor{clean, inf}) {
		t.Error("infinite gradient not detected")
	}

	nan := NewTensor(1)
	nan.grad[0] = math.NaN()
	if !s.HasOverflow([]*Tensor{nan}) {
		t.Error("NaN gradient not detected")
	}
}

// TestDynamicScalerBackoff tests that overflow halves the scale and
// repeated overflow floors at the minimum.
func TestDynamicScalerBackoff(t *testing.T) {
	s := NewDynamicLossScaler()

	if s.Scale() != dynamicScaleInit {
		t.Fatalf("initial scale %v, expected %v", s.Scale(), dynamicScaleInit)
	}

	s.Update(true)
	if s.Scale() != dynamicScaleInit/2 {
		t.Errorf("scale after one overflow %v, expected %v", s.Scale(), dynamicScaleInit/2)
	}

	// Hammer it: the floor must hold
	for i := 0; i < 100; i++ {
		s.Update(true)
	}
	if s.Scale() != minLossScale {
		t.Errorf("scale after repeated overflow %v, expected floor %v", s.Scale(), minLossScale)
	}
}

// TestDynamicScalerGrowth tests doubling after the clean-step interval and
// that an overflow resets the streak.
func TestDynamicScalerGrowth(t *testing.T) {
	s := NewDynamicLossScaler()

	for i := 0; i < scaleGrowthInterval-1; i++ {
		s.Update(false)
	}
	if s.Scale() != dynamicScaleInit {
		t.Fatalf("scale grew early: %v", s.Scale())
	}

	s.Update(false)
	if s.Scale() != dynamicScaleInit*2 {
		t.Errorf("scale after interval %v, expected %v", s.Scale(), dynamicScaleInit*2)
	}

	// An overflow mid-streak resets the counter
	for i := 0; i < scaleGrowthInterval/2; i++ {
		s.Update(false)
	}
	s.Update(true)
	for i := 0; i < scaleGrowthInterval-1; i++ {
		s.Update(false)
	}
	if s.Scale() != dynamicScaleInit {
		t.Errorf("scale %v, expected %v after reset streak", s.Scale(), dynamicScaleInit)
	}
}

// TestNewLossScalerFromProperties tests the configuration-driven
// constructor.
func TestNewLossScalerFromProperties(t *testing.T) {
	dynamic := optLevels["O1"].defaults()
	if s := newLossScaler(&dynamic); !s.Dynamic() || s.Scale() != dynamicScaleInit {
		t.Errorf("O1 scaler: dynamic=%v scale=%v", s.Dynamic(), s.Scale())
	}

	static := optLevels["O0"].defaults()
	if s := newLossScaler(&static); s.Dynamic() || s.Scale() != 1.0 {
		t.Errorf("O0 scaler: dynamic=%v scale=%v", s.Dynamic(), s.Scale())
	}

	overridden := optLevels["O2"].defaults()
	if err := overridden.Set(OptLossScale, 128.0); err != nil {
		t.Fatal(err)
	}
	if s := newLossScaler(&overridden); s.Dynamic() || s.Scale() != 128.0 {
		t.Errorf("overridden scaler: dynamic=%v scale=%v", s.Dynamic(), s.Scale())
	}
}
