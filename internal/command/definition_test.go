package command

import (
	"encoding/json"
	"testing"
)

func TestLoadCommandsAcceptsValidRefinement(t *testing.T) {
	d := NewDictionary()
	if err := d.LoadBaseCommands(json.RawMessage(`{"_base":{"_set":{"parameters":{"_led":{"minimum":0,"maximum":100}}}}}`)); err != nil {
		t.Fatalf("LoadBaseCommands: %v", err)
	}
	err := d.LoadCommands(json.RawMessage(`{"_base":{"_set":{"parameters":{"_led":{"minimum":10,"maximum":50}}}}}`), "device")
	if err != nil {
		t.Fatalf("LoadCommands with valid refinement: %v", err)
	}
}

func TestLoadCommandsRejectsWideningRefinement(t *testing.T) {
	d := NewDictionary()
	if err := d.LoadBaseCommands(json.RawMessage(`{"_base":{"_set":{"parameters":{"_led":{"minimum":10,"maximum":50}}}}}`)); err != nil {
		t.Fatalf("LoadBaseCommands: %v", err)
	}
	err := d.LoadCommands(json.RawMessage(`{"_base":{"_set":{"parameters":{"_led":{"minimum":0,"maximum":100}}}}}`), "device")
	if err == nil {
		t.Fatalf("expected error for widened refinement")
	}
}

func TestLoadCommandsFallsBackToBaseForUndeclaredFields(t *testing.T) {
	d := NewDictionary()
	if err := d.LoadBaseCommands(json.RawMessage(`{"_base":{"_set":{"parameters":{"_led":{"minimum":0,"maximum":100}},"results":{"_ok":"boolean"}}}}`)); err != nil {
		t.Fatalf("LoadBaseCommands: %v", err)
	}

	// The device document overrides only "results"; "parameters" is left
	// undeclared and should fall back to the base definition rather than be
	// dropped or replaced with an always-permissive empty schema.
	err := d.LoadCommands(json.RawMessage(`{"_base":{"_set":{"results":{"_ok":"boolean","_code":"integer"}}}}`), "device")
	if err != nil {
		t.Fatalf("LoadCommands with undeclared parameters block: %v", err)
	}

	def := d.Find("_base._set")
	if def == nil {
		t.Fatalf("expected merged definition to be findable")
	}
	if len(def.Parameters.Fields()) != 1 || def.Parameters.Fields()[0] != "_led" {
		t.Fatalf("expected parameters to fall back to base's _led field, got %v", def.Parameters.Fields())
	}
	if len(def.Results.Fields()) != 2 {
		t.Fatalf("expected results to carry the device's own override, got %v", def.Results.Fields())
	}
}

func TestFindReturnsNilForUnknownCommand(t *testing.T) {
	d := NewDictionary()
	if d.Find("_nope._set") != nil {
		t.Fatalf("expected nil for unknown command")
	}
}
