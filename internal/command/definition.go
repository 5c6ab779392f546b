package command

import (
	"encoding/json"
	"sync"

	"github.com/gcdcore/agent/internal/errs"
	"github.com/gcdcore/agent/internal/schema"
)

// Definition is a CommandDefinition (spec.md §3): a category-tagged command
// shape with parameter/result/progress schemas.
type Definition struct {
	Category   string
	Name       string // qualified name, "<namespace>.<verb>"
	Parameters *schema.ObjectSchema
	Results    *schema.ObjectSchema
	Progress   *schema.ObjectSchema
}

// Dictionary is a CommandDictionary: a mapping of qualified name to
// Definition, with an optional read-only base dictionary used to seed
// overrides and checked for refinement compatibility (spec.md §4.1).
type Dictionary struct {
	mu   sync.RWMutex
	base map[string]*Definition
	defs map[string]*Definition
}

// NewDictionary creates an empty Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		base: map[string]*Definition{},
		defs: map[string]*Definition{},
	}
}

// LoadBaseCommands parses raw as a command-schema document and installs the
// result as the base dictionary. Must be called before any device command
// load that references base definitions (spec.md §4.2).
func (d *Dictionary) LoadBaseCommands(raw json.RawMessage) error {
	defs, err := parseCommandDocument(raw, "base")
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, def := range defs {
		d.base[name] = def
		d.defs[name] = def
	}
	return nil
}

// LoadCommands parses raw as a command-schema document tagged with category
// and merges it into the device dictionary. If a command of the same
// qualified name exists in the base dictionary, the newly loaded definition
// must be a refinement of it (every parameter/result/progress constraint
// narrower-or-equal); otherwise the load fails with
// commands/invalid_command_definition and nothing is installed.
func (d *Dictionary) LoadCommands(raw json.RawMessage, category string) error {
	defs, err := parseCommandDocument(raw, category)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	effective := make(map[string]*Definition, len(defs))
	for name, def := range defs {
		baseDef, ok := d.base[name]
		if !ok {
			effective[name] = def
			continue
		}
		merged := mergeDefinitionWithBase(def, baseDef)
		if !isDefinitionRefinementOf(merged, baseDef) {
			return errs.Newf(errs.DomainCommands, "invalid_command_definition",
				"command %q is not a valid refinement of its base definition", name)
		}
		effective[name] = merged
	}
	for name, def := range effective {
		d.defs[name] = def
	}
	return nil
}

// mergeDefinitionWithBase fills in whatever the device left undeclared from
// baseDef, so a device command only needs to redeclare the fields it
// narrows rather than restate its base definition in full (spec.md §4.1:
// "LoadCommands populates/overrides the device dictionary using the base as
// fallback").
func mergeDefinitionWithBase(derived, base *Definition) *Definition {
	return &Definition{
		Category:   derived.Category,
		Name:       derived.Name,
		Parameters: mergeObjectSchemaWithBase(derived.Parameters, base.Parameters),
		Results:    mergeObjectSchemaWithBase(derived.Results, base.Results),
		Progress:   mergeObjectSchemaWithBase(derived.Progress, base.Progress),
	}
}

// mergeObjectSchemaWithBase falls back to base verbatim when derived declares
// no fields of its own (the device document omitted this block entirely),
// and otherwise overlays derived's fields onto base's via ObjectSchema.Merge.
func mergeObjectSchemaWithBase(derived, base *schema.ObjectSchema) *schema.ObjectSchema {
	if derived == nil || len(derived.Fields()) == 0 {
		return base
	}
	return derived.Merge(base)
}

// Find returns the Definition for a qualified name, or nil.
func (d *Dictionary) Find(qualifiedName string) *Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.defs[qualifiedName]
}

// Names returns every qualified name currently in the dictionary.
func (d *Dictionary) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.defs))
	for name := range d.defs {
		names = append(names, name)
	}
	return names
}

// parseCommandDocument parses the nested {namespace: {verb: {...}}} shape
// described in spec.md §6 ("schema JSON loaded from a directory of *.json
// files") into qualified-name -> Definition entries.
func parseCommandDocument(raw json.RawMessage, category string) (map[string]*Definition, error) {
	var namespaces map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &namespaces); err != nil {
		return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "parsing command document")
	}

	out := make(map[string]*Definition)
	for namespace, verbs := range namespaces {
		for verb, body := range verbs {
			def, err := parseDefinition(body, category, qualifiedName(namespace, verb))
			if err != nil {
				return nil, errs.Wrapf(err, errs.DomainCommands, "invalid_command_definition", "parsing command %q", qualifiedName(namespace, verb))
			}
			out[def.Name] = def
		}
	}
	return out, nil
}

func qualifiedName(namespace, verb string) string {
	return namespace + "." + verb
}

func parseDefinition(raw json.RawMessage, category, name string) (*Definition, error) {
	var shape struct {
		Parameters json.RawMessage `json:"parameters"`
		Results    json.RawMessage `json:"results"`
		Progress   json.RawMessage `json:"progress"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "parsing command body")
	}

	def := &Definition{Category: category, Name: name}

	var err error
	if def.Parameters, err = parseObjectSchemaOrEmpty(shape.Parameters); err != nil {
		return nil, err
	}
	if def.Results, err = parseObjectSchemaOrEmpty(shape.Results); err != nil {
		return nil, err
	}
	if def.Progress, err = parseObjectSchemaOrEmpty(shape.Progress); err != nil {
		return nil, err
	}
	return def, nil
}

func parseObjectSchemaOrEmpty(raw json.RawMessage) (*schema.ObjectSchema, error) {
	if len(raw) == 0 {
		return schema.NewObjectSchema(nil, map[string]*schema.PropType{}, true), nil
	}
	return schema.ParseObjectSchema(raw)
}

func isDefinitionRefinementOf(derived, base *Definition) bool {
	return derived.Parameters.IsRefinementOf(base.Parameters) &&
		derived.Results.IsRefinementOf(base.Results) &&
		derived.Progress.IsRefinementOf(base.Progress)
}
