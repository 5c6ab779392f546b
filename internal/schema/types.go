// Package schema implements the typed schema and value engine: parsing
// schema JSON into immutable PropType trees, parsing/validating/serializing
// PropValues against those trees, and the ObjectSchema used by command
// parameter/result/progress definitions and state properties alike.
package schema

import "fmt"

// Kind is the tag of a PropType's underlying primitive or composite shape.
type Kind int

const (
	KindBoolean Kind = iota
	KindInteger
	KindNumber
	KindString
	KindObject
	KindArray
)

// String returns the JSON-schema spelling of the kind, used in error messages.
func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Constraints holds the type-appropriate constraints a PropType may carry.
// Only the fields meaningful for the PropType's Kind are ever set; the
// parser enforces that (§4.1 invariant: "constraints are type-appropriate").
type Constraints struct {
	Minimum                *float64
	Maximum                *float64
	MinLength              *int
	MaxLength              *int
	OneOf                  []*Value
	ExtraPropertiesAllowed bool
}

// PropType is an immutable description of one typed slot. It is built once
// at schema-load time and never mutated afterwards; clients that need a
// modified PropType (e.g. a narrower derived definition) build a new one.
type PropType struct {
	Kind Kind

	// Object fields, in declaration order. Nil for non-object kinds.
	Fields     []string
	FieldTypes map[string]*PropType

	// Item type for arrays. Nil for non-array kinds.
	Item *PropType

	Constraints Constraints
	Default     *Value
}

// Value is a concrete value paired with the PropType that describes it.
// Values are immutable after construction: Clone() is always used instead
// of mutating in place, matching the source's shared-pointer PropValue
// semantics translated into Go value semantics.
type Value struct {
	Type *PropType

	Bool bool
	Int  int64
	Num  float64
	Str  string
	Obj  map[string]*Value
	Arr  []*Value
}

// NewBool, NewInt, NewNumber and NewString construct primitive Values of
// the given PropType. Callers are expected to pass a PropType whose Kind
// matches; these constructors do not themselves validate constraints —
// use PropType.Validate for that.
func NewBool(t *PropType, v bool) *Value      { return &Value{Type: t, Bool: v} }
func NewInt(t *PropType, v int64) *Value      { return &Value{Type: t, Int: v} }
func NewNumber(t *PropType, v float64) *Value { return &Value{Type: t, Num: v} }
func NewString(t *PropType, v string) *Value  { return &Value{Type: t, Str: v} }

// NewObject constructs an object Value from a field map. The map is copied.
func NewObject(t *PropType, fields map[string]*Value) *Value {
	cp := make(map[string]*Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return &Value{Type: t, Obj: cp}
}

// NewArray constructs an array Value. The slice is copied.
func NewArray(t *PropType, items []*Value) *Value {
	cp := make([]*Value, len(items))
	copy(cp, items)
	return &Value{Type: t, Arr: cp}
}

// Clone returns a deep, independent copy of v.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	cp := &Value{Type: v.Type, Bool: v.Bool, Int: v.Int, Num: v.Num, Str: v.Str}
	if v.Obj != nil {
		cp.Obj = make(map[string]*Value, len(v.Obj))
		for k, fv := range v.Obj {
			cp.Obj[k] = fv.Clone()
		}
	}
	if v.Arr != nil {
		cp.Arr = make([]*Value, len(v.Arr))
		for i, iv := range v.Arr {
			cp.Arr[i] = iv.Clone()
		}
	}
	return cp
}

// Equal reports whether v and other have matching types and equal contents.
// Object comparison is set-equality of field name/value pairs; array
// comparison is order-sensitive; primitives compare by value.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if !v.Type.sameShape(other.Type) {
		return false
	}
	switch v.Type.Kind {
	case KindBoolean:
		return v.Bool == other.Bool
	case KindInteger:
		return v.Int == other.Int
	case KindNumber:
		return v.Num == other.Num
	case KindString:
		return v.Str == other.Str
	case KindArray:
		if len(v.Arr) != len(other.Arr) {
			return false
		}
		for i := range v.Arr {
			if !v.Arr[i].Equal(other.Arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Obj) != len(other.Obj) {
			return false
		}
		for k, fv := range v.Obj {
			ov, ok := other.Obj[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// sameShape reports whether two PropTypes describe the same kind of value,
// which is all Equal needs (it does not require pointer identity, since
// derived/refined PropTypes are distinct objects that still compare equal
// in shape).
func (t *PropType) sameShape(other *PropType) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Kind == other.Kind
}

// fieldType returns the declared PropType for field name, or nil.
func (t *PropType) fieldType(name string) *PropType {
	if t.FieldTypes == nil {
		return nil
	}
	return t.FieldTypes[name]
}

// String is a debugging aid; it is not used for any protocol-level encoding.
func (t *PropType) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case KindObject:
		return fmt.Sprintf("object{%v}", t.Fields)
	case KindArray:
		return fmt.Sprintf("array[%v]", t.Item)
	default:
		return t.Kind.String()
	}
}
