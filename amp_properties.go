package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The AMP options set. Properties is a typed record of every recognized
// mixed precision option, with a string-keyed Set/Get surface for the
// override path (CLI flags, override maps) on top of the plain fields.
//
// Two rules govern this type:
//
//   - The option set is CLOSED. Set and Get fail loudly on any name
//     outside the recognized seven; a typo in an override must never be
//     silently ignored.
//   - Coercion happens at WRITE time, never at read time. "dynamic",
//     "128.0", "True" and friends are parsed in Set, so everything
//     downstream reads clean typed values.
//
// The coercion rules live in a table (option name -> coerce function)
// rather than a switch inside Set, so each rule is independently testable
// and adding an option means adding a row.
//
// ===========================================================================

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnknownOption indicates an option name outside the recognized set.
	ErrUnknownOption = errors.New("amp: unknown option")

	// ErrInvalidOptionValue indicates a value that failed coercion.
	ErrInvalidOptionValue = errors.New("amp: invalid option value")
)

// DType identifies the precision a model is cast to.
type DType int

const (
	// DTypeNone means model weights are left untouched.
	DTypeNone DType = iota
	// DTypeFP16 casts model weights to half precision.
	DTypeFP16
	// DTypeFP32 keeps model weights in full precision (and verifies them).
	DTypeFP32
)

// String returns the dtype's display name.
func (d DType) String() string {
	switch d {
	case DTypeFP16:
		return "float16"
	case DTypeFP32:
		return "float32"
	default:
		return "none"
	}
}

// OptionalBool is a tri-state boolean for options whose unset state is
// meaningful (the opt level decides the behavior when unset).
type OptionalBool int

const (
	// BoolUnset leaves the decision to the optimization level.
	BoolUnset OptionalBool = iota
	// BoolFalse is an explicit false.
	BoolFalse
	// BoolTrue is an explicit true.
	BoolTrue
)

// String returns the tri-state's display name.
func (b OptionalBool) String() string {
	switch b {
	case BoolTrue:
		return "true"
	case BoolFalse:
		return "false"
	default:
		return "unset"
	}
}

// Recognized option names. These are the only keys Set and Get accept.
const (
	OptEnabled              = "enabled"
	OptOptLevel             = "opt_level"
	OptCastModelType        = "cast_model_type"
	OptPatchTensorFunctions = "patch_tensor_functions"
	OptKeepLayerNormFP32    = "keep_layernorm_fp32"
	OptMasterWeights        = "master_weights"
	OptLossScale            = "loss_scale"
)

// Properties is the resolved mixed precision configuration: an opt level's
// defaults merged with user overrides. It is a plain value; copying it
// copies the configuration.
type Properties struct {
	Enabled              bool
	OptLevel             string
	CastModelType        DType
	PatchTensorFunctions bool
	KeepLayerNormFP32    OptionalBool
	MasterWeights        bool

	// LossScale is the static scale factor; DynamicLossScale selects
	// automatic scale management instead, in which case LossScale is
	// ignored.
	LossScale        float64
	DynamicLossScale bool
}

// NewProperties returns the blank default configuration: AMP disabled, no
// opt level selected, loss scale 1.
func NewProperties() *Properties {
	return &Properties{LossScale: 1.0}
}

// coerceFunc validates and stores one option's value.
type coerceFunc func(p *Properties, value any) error

// optionCoercers maps each recognized option to its write-time rule.
var optionCoercers = map[string]coerceFunc{
	OptEnabled: func(p *Properties, value any) error {
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s must be a bool, got %T", ErrInvalidOptionValue, OptEnabled, value)
		}
		p.Enabled = b
		return nil
	},

	OptOptLevel: func(p *Properties, value any) error {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidOptionValue, OptOptLevel, value)
		}
		p.OptLevel = s
		return nil
	},

	OptCastModelType: func(p *Properties, value any) error {
		switch v := value.(type) {
		case DType:
			p.CastModelType = v
			return nil
		case bool:
			// false means "no cast"; true has no meaning here.
			if v {
				return fmt.Errorf("%w: %s must be a DType or false", ErrInvalidOptionValue, OptCastModelType)
			}
			p.CastModelType = DTypeNone
			return nil
		default:
			return fmt.Errorf("%w: %s must be a DType or false, got %T", ErrInvalidOptionValue, OptCastModelType, value)
		}
	},

	OptPatchTensorFunctions: func(p *Properties, value any) error {
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s must be a bool, got %T", ErrInvalidOptionValue, OptPatchTensorFunctions, value)
		}
		p.PatchTensorFunctions = b
		return nil
	},

	OptKeepLayerNormFP32: coerceKeepLayerNormFP32,

	OptMasterWeights: func(p *Properties, value any) error {
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s must be a bool, got %T", ErrInvalidOptionValue, OptMasterWeights, value)
		}
		p.MasterWeights = b
		return nil
	},

	OptLossScale: coerceLossScale,
}

// coerceKeepLayerNormFP32 accepts a bool, the strings "True"/"False", an
// OptionalBool, or nil (unset).
func coerceKeepLayerNormFP32(p *Properties, value any) error {
	switch v := value.(type) {
	case nil:
		p.KeepLayerNormFP32 = BoolUnset
	case bool:
		if v {
			p.KeepLayerNormFP32 = BoolTrue
		} else {
			p.KeepLayerNormFP32 = BoolFalse
		}
	case OptionalBool:
		p.KeepLayerNormFP32 = v
	case string:
		switch v {
		case "True":
			p.KeepLayerNormFP32 = BoolTrue
		case "False":
			p.KeepLayerNormFP32 = BoolFalse
		default:
			return fmt.Errorf("%w: %s must be a bool, the string %q or %q, or unset; got %q",
				ErrInvalidOptionValue, OptKeepLayerNormFP32, "True", "False", v)
		}
	default:
		return fmt.Errorf("%w: %s must be a bool, the string %q or %q, or unset; got %T",
			ErrInvalidOptionValue, OptKeepLayerNormFP32, "True", "False", value)
	}
	return nil
}

// coerceLossScale accepts the token "dynamic", a positive number, or a
// string encoding a positive number.
func coerceLossScale(p *Properties, value any) error {
	var scale float64

	switch v := value.(type) {
	case string:
		if v == "dynamic" {
			p.DynamicLossScale = true
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: %s must be a positive number, a numeric string, or %q; got %q",
				ErrInvalidOptionValue, OptLossScale, "dynamic", v)
		}
		scale = parsed
	case float64:
		scale = v
	case float32:
		scale = float64(v)
	case int:
		scale = float64(v)
	default:
		return fmt.Errorf("%w: %s must be a positive number, a numeric string, or %q; got %T",
			ErrInvalidOptionValue, OptLossScale, "dynamic", value)
	}

	if scale <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidOptionValue, OptLossScale, scale)
	}

	p.DynamicLossScale = false
	p.LossScale = scale
	return nil
}

// Set validates and stores one option by name, applying the option's
// coercion rule. Unknown names are always an error.
func (p *Properties) Set(name string, value any) error {
	coerce, ok := optionCoercers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	return coerce(p, value)
}

// Get returns one option's current value by name. loss_scale reads back as
// either the string "dynamic" or a float64, matching what Set accepted.
func (p *Properties) Get(name string) (any, error) {
	switch name {
	case OptEnabled:
		return p.Enabled, nil
	case OptOptLevel:
		return p.OptLevel, nil
	case OptCastModelType:
		return p.CastModelType, nil
	case OptPatchTensorFunctions:
		return p.PatchTensorFunctions, nil
	case OptKeepLayerNormFP32:
		return p.KeepLayerNormFP32, nil
	case OptMasterWeights:
		return p.MasterWeights, nil
	case OptLossScale:
		if p.DynamicLossScale {
			return "dynamic", nil
		}
		return p.LossScale, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
}

// OptionNames returns the recognized option names in display order.
func OptionNames() []string {
	return []string{
		OptEnabled,
		OptOptLevel,
		OptCastModelType,
		OptPatchTensorFunctions,
		OptKeepLayerNormFP32,
		OptMasterWeights,
		OptLossScale,
	}
}

// Summary formats all options as aligned "name : value" lines.
func (p *Properties) Summary() string {
	var sb strings.Builder
	for _, name := range OptionNames() {
		value, _ := p.Get(name)
		fmt.Fprintf(&sb, "%-22s : %v\n", name, value)
	}
	return sb.String()
}

// sortedOverrideNames returns the override map's keys in a stable order so
// application and error reporting are deterministic.
func sortedOverrideNames(overrides map[string]any) []string {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
