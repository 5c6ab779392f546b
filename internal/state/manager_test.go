package state

import (
	"encoding/json"
	"testing"

	"github.com/gcdcore/agent/internal/schema"
)

func primitiveType(t *testing.T, raw string) *schema.PropType {
	t.Helper()
	pt, err := schema.ParsePropType(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ParsePropType: %v", err)
	}
	return pt
}

func TestSetPropertyUpdatesRegistryAndQueue(t *testing.T) {
	m := New(map[string]*schema.PropType{
		"brightness": primitiveType(t, `{"minimum":0,"maximum":100}`),
	}, 10)

	if err := m.SetProperty("brightness", json.RawMessage(`42`)); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	v := m.GetProperty("brightness")
	if v == nil || v.Int != 42 {
		t.Fatalf("GetProperty(brightness) = %v, want 42", v)
	}

	entries := m.ChangeQueue().GetAndClearRecordedStateChanges()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}

func TestSetPropertyRejectsOutOfRange(t *testing.T) {
	m := New(map[string]*schema.PropType{
		"brightness": primitiveType(t, `{"minimum":0,"maximum":100}`),
	}, 10)

	if err := m.SetProperty("brightness", json.RawMessage(`500`)); err == nil {
		t.Fatalf("expected error for out-of-range value")
	}
	if v := m.GetProperty("brightness"); v != nil {
		t.Fatalf("GetProperty(brightness) = %v, want nil after rejected set", v)
	}
}

func TestSetPropertiesIsAllOrNothing(t *testing.T) {
	m := New(map[string]*schema.PropType{
		"a": primitiveType(t, `"integer"`),
		"b": primitiveType(t, `{"minimum":0,"maximum":10}`),
	}, 10)

	err := m.SetProperties(map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`999`),
	})
	if err == nil {
		t.Fatalf("expected error for batch with one invalid entry")
	}
	if v := m.GetProperty("a"); v != nil {
		t.Fatalf("GetProperty(a) = %v, want nil: valid entry in a failed batch must not commit", v)
	}
}

func TestSetPropertyUnknownNameIsRejected(t *testing.T) {
	m := New(map[string]*schema.PropType{}, 10)
	if err := m.SetProperty("nope", json.RawMessage(`1`)); err == nil {
		t.Fatalf("expected error for unknown property")
	}
}

func TestAddChangedCallbackFiresOnSuccessfulSet(t *testing.T) {
	m := New(map[string]*schema.PropType{
		"a": primitiveType(t, `"integer"`),
	}, 10)

	var got map[string]*schema.Value
	m.AddChangedCallback(func(changed map[string]*schema.Value) { got = changed })

	if err := m.SetProperty("a", json.RawMessage(`7`)); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if got == nil || got["a"].Int != 7 {
		t.Fatalf("callback did not observe the change, got %v", got)
	}
}
