package schema

import (
	"encoding/json"
	"math"

	"github.com/gcdcore/agent/internal/errs"
)

// constraintKeys are the keys that mark a bare JSON object as a primitive
// shorthand rather than an object- or array-shaped PropType (§4.1).
var constraintKeys = []string{"minimum", "maximum", "minLength", "maxLength", "enum", "oneOf", "default", "type"}

// ParsePropType parses a single type-spec node (one field's worth of schema
// JSON) into a PropType. raw may be:
//   - a bare string ("boolean" | "integer" | "number" | "string")
//   - {"items": <type-spec>}                                   (array form)
//   - {"properties": {...}, "additionalProperties": bool?}    (object form)
//   - an object carrying only constraint keys                 (shorthand)
func ParsePropType(raw json.RawMessage) (*PropType, error) {
	var shortForm string
	if err := json.Unmarshal(raw, &shortForm); err == nil {
		return parsePrimitiveKind(shortForm)
	}

	obj, err := decodeOrderedObject(raw)
	if err != nil {
		return nil, err
	}

	switch {
	case obj.has("items"):
		return parseArrayForm(obj)
	case obj.has("properties"):
		return parseObjectForm(obj)
	case hasAnyConstraintKey(obj):
		return parseConstraintShorthand(obj)
	default:
		// An object with no recognised keys describes an object type with
		// no declared fields (extraPropertiesAllowed defaults to false).
		return &PropType{Kind: KindObject, FieldTypes: map[string]*PropType{}}, nil
	}
}

func hasAnyConstraintKey(obj *orderedObject) bool {
	for _, k := range constraintKeys {
		if obj.has(k) {
			return true
		}
	}
	return false
}

func parsePrimitiveKind(name string) (*PropType, error) {
	switch name {
	case "boolean":
		return &PropType{Kind: KindBoolean}, nil
	case "integer":
		return &PropType{Kind: KindInteger}, nil
	case "number":
		return &PropType{Kind: KindNumber}, nil
	case "string":
		return &PropType{Kind: KindString}, nil
	default:
		return nil, errs.Newf(errs.DomainCommands, "invalid_command_definition", "unrecognised type name %q", name)
	}
}

func parseArrayForm(obj *orderedObject) (*PropType, error) {
	item, err := ParsePropType(obj.Values["items"])
	if err != nil {
		return nil, errs.Wrap(err, errs.DomainCommands, "invalid_command_definition", "parsing array item type")
	}
	return &PropType{Kind: KindArray, Item: item}, nil
}

func parseObjectForm(obj *orderedObject) (*PropType, error) {
	props, err := decodeOrderedObject(obj.Values["properties"])
	if err != nil {
		return nil, errs.Wrap(err, errs.DomainCommands, "invalid_command_definition", "parsing properties")
	}

	t := &PropType{Kind: KindObject, FieldTypes: map[string]*PropType{}}
	for _, name := range props.Keys {
		fieldType, err := ParsePropType(props.Values[name])
		if err != nil {
			return nil, errs.Wrap(err, errs.DomainCommands, "invalid_command_definition", "parsing field "+name)
		}
		t.Fields = append(t.Fields, name)
		t.FieldTypes[name] = fieldType
	}

	if obj.has("additionalProperties") {
		var allowed bool
		if err := json.Unmarshal(obj.Values["additionalProperties"], &allowed); err != nil {
			return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "additionalProperties must be a boolean")
		}
		t.Constraints.ExtraPropertiesAllowed = allowed
	}

	if err := attachDefault(t, obj); err != nil {
		return nil, err
	}
	return t, nil
}

// parseConstraintShorthand handles an object carrying only constraint keys
// (no "items"/"properties"), inferring Integer vs Number vs String from an
// explicit "type" key, or from whether the supplied numeric constraints are
// integral when no "type" is given. This ambiguity is explicitly left to
// the implementation by the spec.
func parseConstraintShorthand(obj *orderedObject) (*PropType, error) {
	t := &PropType{}

	explicitType := ""
	if obj.has("type") {
		if err := json.Unmarshal(obj.Values["type"], &explicitType); err != nil {
			return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "type must be a string")
		}
	}

	switch {
	case obj.has("minLength") || obj.has("maxLength"):
		t.Kind = KindString
	case explicitType == "number":
		t.Kind = KindNumber
	case explicitType == "integer":
		t.Kind = KindInteger
	case explicitType == "string":
		t.Kind = KindString
	case explicitType == "boolean":
		t.Kind = KindBoolean
	case obj.has("minimum") || obj.has("maximum"):
		t.Kind = inferNumericKind(obj)
	case obj.has("enum") || obj.has("oneOf"):
		t.Kind = inferKindFromEnum(obj)
	default:
		t.Kind = KindString
	}

	if err := applyNumericConstraints(t, obj); err != nil {
		return nil, err
	}
	if err := applyStringConstraints(t, obj); err != nil {
		return nil, err
	}
	if err := applyEnumConstraint(t, obj); err != nil {
		return nil, err
	}
	if err := attachDefault(t, obj); err != nil {
		return nil, err
	}
	return t, nil
}

func inferNumericKind(obj *orderedObject) Kind {
	for _, key := range []string{"minimum", "maximum"} {
		if !obj.has(key) {
			continue
		}
		var n float64
		if err := json.Unmarshal(obj.Values[key], &n); err != nil {
			continue
		}
		if n != math.Trunc(n) {
			return KindNumber
		}
	}
	return KindInteger
}

func inferKindFromEnum(obj *orderedObject) Kind {
	key := "enum"
	if !obj.has(key) {
		key = "oneOf"
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(obj.Values[key], &raw); err != nil || len(raw) == 0 {
		return KindString
	}
	var s string
	if json.Unmarshal(raw[0], &s) == nil {
		return KindString
	}
	var b bool
	if json.Unmarshal(raw[0], &b) == nil {
		return KindBoolean
	}
	var n float64
	if json.Unmarshal(raw[0], &n) == nil {
		if n == math.Trunc(n) {
			return KindInteger
		}
		return KindNumber
	}
	return KindString
}

func applyNumericConstraints(t *PropType, obj *orderedObject) error {
	if t.Kind != KindInteger && t.Kind != KindNumber {
		if obj.has("minimum") || obj.has("maximum") {
			return errs.New(errs.DomainCommands, "invalid_command_definition", "minimum/maximum are only valid on integer or number types")
		}
		return nil
	}
	if obj.has("minimum") {
		v, err := decodeFloat(obj.Values["minimum"])
		if err != nil {
			return err
		}
		t.Constraints.Minimum = &v
	}
	if obj.has("maximum") {
		v, err := decodeFloat(obj.Values["maximum"])
		if err != nil {
			return err
		}
		t.Constraints.Maximum = &v
	}
	return nil
}

func applyStringConstraints(t *PropType, obj *orderedObject) error {
	if t.Kind != KindString {
		if obj.has("minLength") || obj.has("maxLength") {
			return errs.New(errs.DomainCommands, "invalid_command_definition", "minLength/maxLength are only valid on string types")
		}
		return nil
	}
	if obj.has("minLength") {
		var v int
		if err := json.Unmarshal(obj.Values["minLength"], &v); err != nil {
			return errs.Wrap(err, errs.DomainJSON, "parse_error", "minLength must be an integer")
		}
		t.Constraints.MinLength = &v
	}
	if obj.has("maxLength") {
		var v int
		if err := json.Unmarshal(obj.Values["maxLength"], &v); err != nil {
			return errs.Wrap(err, errs.DomainJSON, "parse_error", "maxLength must be an integer")
		}
		t.Constraints.MaxLength = &v
	}
	return nil
}

func applyEnumConstraint(t *PropType, obj *orderedObject) error {
	key := "enum"
	if !obj.has(key) {
		key = "oneOf"
	}
	if !obj.has(key) {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(obj.Values[key], &raw); err != nil {
		return errs.Wrap(err, errs.DomainJSON, "parse_error", key+" must be an array")
	}
	for _, r := range raw {
		v, err := ParseValue(r, t)
		if err != nil {
			return errs.Wrap(err, errs.DomainCommands, "invalid_command_definition", "parsing "+key+" entry")
		}
		t.Constraints.OneOf = append(t.Constraints.OneOf, v)
	}
	return nil
}

func attachDefault(t *PropType, obj *orderedObject) error {
	if !obj.has("default") {
		return nil
	}
	v, err := ParseValue(obj.Values["default"], t)
	if err != nil {
		return errs.Wrap(err, errs.DomainCommands, "invalid_command_definition", "parsing default value")
	}
	if err := t.Validate(v); err != nil {
		return errs.Wrap(err, errs.DomainCommands, "invalid_command_definition", "default value violates its own constraints")
	}
	t.Default = v
	return nil
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, errs.Wrap(err, errs.DomainJSON, "parse_error", "expected a JSON number")
	}
	return v, nil
}
