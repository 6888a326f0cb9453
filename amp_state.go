package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Shared AMP state. Training code scattered across the package (and user
// code) needs to consult the resolved mixed precision configuration after
// Initialize has run, so the published Properties and the hard-override
// flag live on an AmpState value with a single package-level default
// instance.
//
// All behavior is methods on AmpState; the package-level functions are
// thin forwards to the default instance. Tests construct their own
// AmpState or reset the default. Setup is assumed to happen once, before
// any training runs; AmpState is not safe for concurrent mutation.
//
// ===========================================================================

import "fmt"

// AmpState holds the process-wide mixed precision state: the published
// configuration, the loss scaler built from it, and the hard-override
// escape hatch that downgrades consistency errors to warnings.
type AmpState struct {
	hardOverride bool
	properties   *Properties
	scaler       *LossScaler
}

// NewAmpState returns state with a blank configuration (AMP disabled).
func NewAmpState() *AmpState {
	return &AmpState{properties: NewProperties()}
}

// ampState is the default shared instance consulted by the package-level
// helpers and published to by Initialize.
var ampState = NewAmpState()

// Properties returns the currently published configuration.
func (s *AmpState) Properties() *Properties {
	return s.properties
}

// HardOverride reports whether consistency errors are downgraded to
// warnings.
func (s *AmpState) HardOverride() bool {
	return s.hardOverride
}

// WarnOrErr reports a configuration inconsistency discovered after
// initialization. With the hard override set the message is printed as a
// warning and training continues; otherwise it comes back as an error with
// a remediation hint. This is the single chokepoint for post-init
// consistency complaints, so the escape hatch works uniformly.
func (s *AmpState) WarnOrErr(msg string) error {
	if s.hardOverride {
		fmt.Println("Warning: " + msg)
		return nil
	}
	return fmt.Errorf("%s If you are sure you know what you are doing, pass HardOverride: true to Initialize to downgrade this error to a warning.", msg)
}

// CurrentProperties returns the configuration published by the most recent
// Initialize call (blank defaults if Initialize has not run or ran
// disabled).
func CurrentProperties() *Properties {
	return ampState.properties
}

// WarnOrErr reports a consistency problem against the default state.
func WarnOrErr(msg string) error {
	return ampState.WarnOrErr(msg)
}

// MasterParams returns the full-precision parameters backing an optimizer
// returned from Initialize: master copies where they exist, the working
// parameters elsewhere. For an optimizer AMP never wrapped it returns nil.
func MasterParams(optimizer Optimizer) []*Tensor {
	if a, ok := optimizer.(*AMPOptimizer); ok {
		return a.MasterParams()
	}
	return nil
}
