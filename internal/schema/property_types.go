package schema

import "encoding/json"

// ParsePropertyTypes parses a flat JSON object mapping qualified state
// property name to a type-spec node, the same grammar ParsePropType accepts
// for one field. It is the state-property counterpart of a command
// dictionary's per-field schema, used to build the fixed type map
// state.New requires.
func ParsePropertyTypes(raw json.RawMessage) (map[string]*PropType, error) {
	obj, err := decodeOrderedObject(raw)
	if err != nil {
		return nil, err
	}
	types := make(map[string]*PropType, len(obj.Keys))
	for _, name := range obj.Keys {
		t, err := ParsePropType(obj.Values[name])
		if err != nil {
			return nil, err
		}
		types[name] = t
	}
	return types, nil
}
