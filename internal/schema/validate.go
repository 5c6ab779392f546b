package schema

import (
	"github.com/gcdcore/agent/internal/errs"
)

// Validate checks v against t's constraints, recursing into object fields
// and array items. It returns an *errs.Error in the "commands" domain on
// the first violation found, wrapping a constraint-specific code so the
// chain narrates exactly which constraint failed.
func (t *PropType) Validate(v *Value) error {
	if v == nil {
		return errs.New(errs.DomainCommands, "invalid_parameter_value", "value is nil")
	}
	switch t.Kind {
	case KindInteger, KindNumber:
		return t.validateNumeric(v)
	case KindString:
		return t.validateString(v)
	case KindObject:
		return t.validateObject(v)
	case KindArray:
		return t.validateArray(v)
	default:
		return nil
	}
}

func (t *PropType) numericValue(v *Value) float64 {
	if t.Kind == KindInteger {
		return float64(v.Int)
	}
	return v.Num
}

func (t *PropType) validateNumeric(v *Value) error {
	n := t.numericValue(v)
	if t.Constraints.Minimum != nil && n < *t.Constraints.Minimum {
		return errs.Wrapf(
			errs.Newf(errs.DomainCommands, "out_of_range", "value %v is below minimum %v", n, *t.Constraints.Minimum),
			errs.DomainCommands, "invalid_parameter_value", "numeric value out of range")
	}
	if t.Constraints.Maximum != nil && n > *t.Constraints.Maximum {
		return errs.Wrapf(
			errs.Newf(errs.DomainCommands, "out_of_range", "value %v exceeds maximum %v", n, *t.Constraints.Maximum),
			errs.DomainCommands, "invalid_parameter_value", "numeric value out of range")
	}
	if len(t.Constraints.OneOf) > 0 && !t.oneOfMatches(v) {
		return errs.Wrapf(
			errs.Newf(errs.DomainCommands, "not_one_of", "value %v is not one of the allowed values", n),
			errs.DomainCommands, "invalid_parameter_value", "numeric value not allowed")
	}
	return nil
}

func (t *PropType) validateString(v *Value) error {
	length := len([]rune(v.Str))
	if t.Constraints.MinLength != nil && length < *t.Constraints.MinLength {
		return errs.Wrapf(
			errs.Newf(errs.DomainCommands, "out_of_range", "string length %d is below minLength %d", length, *t.Constraints.MinLength),
			errs.DomainCommands, "invalid_parameter_value", "string length out of range")
	}
	if t.Constraints.MaxLength != nil && length > *t.Constraints.MaxLength {
		return errs.Wrapf(
			errs.Newf(errs.DomainCommands, "out_of_range", "string length %d exceeds maxLength %d", length, *t.Constraints.MaxLength),
			errs.DomainCommands, "invalid_parameter_value", "string length out of range")
	}
	if len(t.Constraints.OneOf) > 0 && !t.oneOfMatches(v) {
		return errs.Wrapf(
			errs.Newf(errs.DomainCommands, "not_one_of", "value %q is not one of the allowed values", v.Str),
			errs.DomainCommands, "invalid_parameter_value", "string value not allowed")
	}
	return nil
}

func (t *PropType) oneOfMatches(v *Value) bool {
	for _, candidate := range t.Constraints.OneOf {
		if v.Equal(candidate) {
			return true
		}
	}
	return false
}

func (t *PropType) validateObject(v *Value) error {
	for _, name := range t.Fields {
		fv, ok := v.Obj[name]
		if !ok {
			continue
		}
		ft := t.FieldTypes[name]
		if err := ft.Validate(fv); err != nil {
			return errs.Wrapf(err, errs.DomainCommands, "invalid_parameter_value", "invalid field %q", name)
		}
	}
	return nil
}

func (t *PropType) validateArray(v *Value) error {
	for i, item := range v.Arr {
		if err := t.Item.Validate(item); err != nil {
			return errs.Wrapf(err, errs.DomainCommands, "invalid_parameter_value", "invalid array item %d", i)
		}
	}
	return nil
}

// IsRefinementOf reports whether t is a valid refinement of base: same
// shape, and every constraint t carries is narrower-or-equal to base's
// corresponding constraint. Used by dictionary inheritance (§4.1) to
// decide whether a derived command definition is acceptable.
func (t *PropType) IsRefinementOf(base *PropType) bool {
	if t == nil || base == nil {
		return t == base
	}
	if t.Kind != base.Kind {
		return false
	}
	switch t.Kind {
	case KindInteger, KindNumber:
		if !floatPtrNarrower(base.Constraints.Minimum, t.Constraints.Minimum, false) {
			return false
		}
		if !floatPtrNarrower(base.Constraints.Maximum, t.Constraints.Maximum, true) {
			return false
		}
	case KindString:
		if !intPtrNarrower(base.Constraints.MinLength, t.Constraints.MinLength, false) {
			return false
		}
		if !intPtrNarrower(base.Constraints.MaxLength, t.Constraints.MaxLength, true) {
			return false
		}
	case KindObject:
		for _, name := range base.Fields {
			baseField := base.FieldTypes[name]
			derivedField := t.FieldTypes[name]
			if derivedField == nil {
				return false
			}
			if !derivedField.IsRefinementOf(baseField) {
				return false
			}
		}
	case KindArray:
		return t.Item.IsRefinementOf(base.Item)
	}
	return true
}

// floatPtrNarrower reports whether derived is at least as narrow as base
// for a bound in the "upper" direction (max-like, smaller-is-narrower) or
// the "lower" direction (min-like, larger-is-narrower) depending on upper.
// A nil base bound means unconstrained, so any derived bound is narrower;
// a nil derived bound when base has one means the derived side widened the
// constraint, which is not a valid refinement.
func floatPtrNarrower(base, derived *float64, upper bool) bool {
	if base == nil {
		return true
	}
	if derived == nil {
		return false
	}
	if upper {
		return *derived <= *base
	}
	return *derived >= *base
}

func intPtrNarrower(base, derived *int, upper bool) bool {
	if base == nil {
		return true
	}
	if derived == nil {
		return false
	}
	if upper {
		return *derived <= *base
	}
	return *derived >= *base
}
