package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gcdcore/agent/internal/errs"
)

// orderedObject is the result of decoding a JSON object while preserving
// source key order. encoding/json's map[string]any loses that order, and
// the round-trip law (§8) requires emitting object fields back out in
// schema declaration order, so every object-shaped schema/value node in
// this package is decoded through this helper instead of json.Unmarshal
// into a plain map.
type orderedObject struct {
	Keys   []string
	Values map[string]json.RawMessage
}

// decodeOrderedObject reads a single JSON object from raw, preserving key
// order. It returns an error in the "json" domain if raw is not a JSON
// object.
func decodeOrderedObject(raw json.RawMessage) (*orderedObject, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "reading JSON token")
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, errs.New(errs.DomainJSON, "object_expected", "expected a JSON object")
	}

	out := &orderedObject{Values: make(map[string]json.RawMessage)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "reading object key")
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errs.New(errs.DomainJSON, "parse_error", "object key is not a string")
		}

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", fmt.Sprintf("reading value for %q", key))
		}

		if _, dup := out.Values[key]; !dup {
			out.Keys = append(out.Keys, key)
		}
		out.Values[key] = val
	}
	// Consume the closing '}'.
	if _, err := dec.Token(); err != nil {
		return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "reading closing brace")
	}
	return out, nil
}

// has reports whether key was present in the source object.
func (o *orderedObject) has(key string) bool {
	_, ok := o.Values[key]
	return ok
}
