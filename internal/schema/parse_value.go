package schema

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/gcdcore/agent/internal/errs"
)

// ParseValue decodes raw JSON into a Value typed by t, recursing into object
// fields and array items. It does not check constraints; callers that need
// constraint enforcement call t.Validate on the result, which reports the
// first constraint violation it finds.
func ParseValue(raw json.RawMessage, t *PropType) (*Value, error) {
	if t == nil {
		return nil, errs.New(errs.DomainCommands, "invalid_parameter_value", "no type given for value")
	}
	switch t.Kind {
	case KindBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, errs.Wrap(err, errs.DomainCommands, "type_mismatch", "expected a boolean")
		}
		return NewBool(t, b), nil
	case KindInteger:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, errs.Wrap(err, errs.DomainCommands, "type_mismatch", "expected an integer")
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return nil, errs.Wrap(err, errs.DomainCommands, "type_mismatch", "expected an integer")
		}
		return NewInt(t, i), nil
	case KindNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, errs.Wrap(err, errs.DomainCommands, "type_mismatch", "expected a number")
		}
		return NewNumber(t, n), nil
	case KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errs.Wrap(err, errs.DomainCommands, "type_mismatch", "expected a string")
		}
		return NewString(t, s), nil
	case KindArray:
		return parseArrayValue(raw, t)
	case KindObject:
		return parseObjectValue(raw, t)
	default:
		return nil, errs.Newf(errs.DomainCommands, "invalid_parameter_value", "unknown kind %v", t.Kind)
	}
}

func parseArrayValue(raw json.RawMessage, t *PropType) (*Value, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errs.Wrap(err, errs.DomainCommands, "type_mismatch", "expected an array")
	}
	parsed := make([]*Value, len(items))
	for i, raw := range items {
		v, err := ParseValue(raw, t.Item)
		if err != nil {
			return nil, errs.Wrapf(err, errs.DomainCommands, "invalid_parameter_value", "array item %d", i)
		}
		parsed[i] = v
	}
	return NewArray(t, parsed), nil
}

func parseObjectValue(raw json.RawMessage, t *PropType) (*Value, error) {
	obj, err := decodeOrderedObject(raw)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]*Value, len(obj.Keys))
	for _, name := range obj.Keys {
		ft := t.fieldType(name)
		if ft == nil {
			if !t.Constraints.ExtraPropertiesAllowed {
				return nil, errs.Newf(errs.DomainCommands, "unknown_property", "property %q is not declared and extra properties are not allowed", name)
			}
			// An extra string, boolean or number is kept with a type inferred
			// from its JSON; an extra object, array or null is not kept.
			var extra any
			if err := json.Unmarshal(obj.Values[name], &extra); err != nil {
				return nil, errs.Wrapf(err, errs.DomainCommands, "type_mismatch", "field %q", name)
			}
			switch x := extra.(type) {
			case string:
				fields[name] = NewString(&PropType{Kind: KindString}, x)
			case bool:
				fields[name] = NewBool(&PropType{Kind: KindBoolean}, x)
			case float64:
				fields[name] = NewNumber(&PropType{Kind: KindNumber}, x)
			}
			continue
		}
		fv, err := ParseValue(obj.Values[name], ft)
		if err != nil {
			return nil, errs.Wrapf(err, errs.DomainCommands, "invalid_parameter_value", "field %q", name)
		}
		fields[name] = fv
	}

	// Fields absent from raw but carrying a declared default are filled in,
	// matching the source's "missing optional parameter defaults" behaviour.
	// A declared field with no default and no value supplied is a missing
	// required parameter.
	for _, name := range t.Fields {
		if _, ok := fields[name]; ok {
			continue
		}
		ft := t.FieldTypes[name]
		if ft.Default != nil {
			fields[name] = ft.Default.Clone()
			continue
		}
		return nil, errs.Newf(errs.DomainCommands, "parameter_missing", "required parameter %q is missing", name)
	}

	return NewObject(t, fields), nil
}

// ToJSON serializes v back to JSON. Object fields are emitted in the
// PropType's declaration order followed by any extra properties in the
// order they appear in the map (extra properties have no declared order to
// preserve, since ObjectSchema only records order for declared fields); this
// is what makes ToJSON(ParseValue(x)) reproduce x's declared-field ordering
// rather than the arbitrary order a map[string]any round-trip would give.
func (v *Value) ToJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) writeJSON(buf *bytes.Buffer) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch v.Type.Kind {
	case KindBoolean:
		return writeEncoded(buf, v.Bool)
	case KindInteger:
		return writeEncoded(buf, v.Int)
	case KindNumber:
		return writeEncoded(buf, v.Num)
	case KindString:
		return writeEncoded(buf, v.Str)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.Arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case KindObject:
		return v.writeObjectJSON(buf)
	default:
		buf.WriteString("null")
		return nil
	}
}

func (v *Value) writeObjectJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	written := 0
	emit := func(name string, fv *Value) error {
		if written > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := fv.writeJSON(buf); err != nil {
			return err
		}
		written++
		return nil
	}

	declared := make(map[string]bool, len(v.Type.Fields))
	for _, name := range v.Type.Fields {
		declared[name] = true
		fv, ok := v.Obj[name]
		if !ok {
			continue
		}
		if err := emit(name, fv); err != nil {
			return err
		}
	}
	for name, fv := range v.Obj {
		if declared[name] {
			continue
		}
		if err := emit(name, fv); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeEncoded(buf *bytes.Buffer, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(err, errs.DomainJSON, "encode_error", "encoding value")
	}
	buf.Write(enc)
	return nil
}
