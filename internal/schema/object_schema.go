package schema

import "encoding/json"

// ObjectSchema is an ordered field-name -> PropType mapping used wherever
// the spec calls for a bare field map rather than a full type-spec node:
// command parameters/results/progress, and state property declarations.
// It is backed by a KindObject PropType so Validate/IsRefinementOf/ToJSON
// machinery is shared rather than duplicated.
type ObjectSchema struct {
	propType *PropType
}

// NewObjectSchema builds an ObjectSchema directly from field declarations,
// useful for tests and for constructing schemas in code rather than JSON.
func NewObjectSchema(fields []string, fieldTypes map[string]*PropType, extraPropertiesAllowed bool) *ObjectSchema {
	return &ObjectSchema{propType: &PropType{
		Kind:       KindObject,
		Fields:     fields,
		FieldTypes: fieldTypes,
		Constraints: Constraints{
			ExtraPropertiesAllowed: extraPropertiesAllowed,
		},
	}}
}

// ParseObjectSchema parses a top-level field map: {"fieldName": <type-spec>, ...}
// plus an optional top-level "additionalProperties" boolean. This is the
// form used for a command's parameters/results/progress blocks and for a
// state property group, as opposed to the nested {"properties": {...}} form
// used inside a type-spec for an object-typed field.
func ParseObjectSchema(raw json.RawMessage) (*ObjectSchema, error) {
	obj, err := decodeOrderedObject(raw)
	if err != nil {
		return nil, err
	}

	t := &PropType{Kind: KindObject, FieldTypes: map[string]*PropType{}}
	for _, name := range obj.Keys {
		if name == "additionalProperties" {
			continue
		}
		fieldType, err := ParsePropType(obj.Values[name])
		if err != nil {
			return nil, err
		}
		t.Fields = append(t.Fields, name)
		t.FieldTypes[name] = fieldType
	}

	if obj.has("additionalProperties") {
		var allowed bool
		if err := json.Unmarshal(obj.Values["additionalProperties"], &allowed); err == nil {
			t.Constraints.ExtraPropertiesAllowed = allowed
		}
	}

	return &ObjectSchema{propType: t}, nil
}

// PropType exposes the backing KindObject PropType, for code that needs to
// treat an ObjectSchema as the type of a nested field (e.g. a command's
// parameters schema embedded as one field of a larger envelope).
func (s *ObjectSchema) PropType() *PropType {
	return s.propType
}

// Fields returns the declared field names in declaration order.
func (s *ObjectSchema) Fields() []string {
	return s.propType.Fields
}

// FieldType returns the declared PropType for name, or nil if undeclared.
func (s *ObjectSchema) FieldType(name string) *PropType {
	return s.propType.fieldType(name)
}

// ExtraPropertiesAllowed reports whether values may carry fields beyond
// those declared.
func (s *ObjectSchema) ExtraPropertiesAllowed() bool {
	return s.propType.Constraints.ExtraPropertiesAllowed
}

// ParseValue decodes raw JSON into a Value shaped by s.
func (s *ObjectSchema) ParseValue(raw json.RawMessage) (*Value, error) {
	return ParseValue(raw, s.propType)
}

// Validate checks v against s's constraints.
func (s *ObjectSchema) Validate(v *Value) error {
	return s.propType.Validate(v)
}

// IsRefinementOf reports whether s is a valid refinement of base, per the
// same rule PropType.IsRefinementOf applies to object-shaped types.
func (s *ObjectSchema) IsRefinementOf(base *ObjectSchema) bool {
	if s == nil || base == nil {
		return s == base
	}
	return s.propType.IsRefinementOf(base.propType)
}

// Merge returns a new ObjectSchema combining base's fields with s's fields,
// with s's field declarations overriding base's on name collision. Used to
// build a derived command's effective parameter schema from its base
// dictionary entry plus its own overrides (§4.1 dictionary inheritance).
func (s *ObjectSchema) Merge(base *ObjectSchema) *ObjectSchema {
	if base == nil {
		return s
	}
	if s == nil {
		return base
	}
	fieldTypes := make(map[string]*PropType, len(base.propType.FieldTypes)+len(s.propType.FieldTypes))
	var fields []string
	seen := map[string]bool{}
	for _, name := range base.propType.Fields {
		fields = append(fields, name)
		seen[name] = true
		fieldTypes[name] = base.propType.FieldTypes[name]
	}
	for _, name := range s.propType.Fields {
		if !seen[name] {
			fields = append(fields, name)
			seen[name] = true
		}
		fieldTypes[name] = s.propType.FieldTypes[name]
	}
	return NewObjectSchema(fields, fieldTypes, s.propType.Constraints.ExtraPropertiesAllowed)
}
