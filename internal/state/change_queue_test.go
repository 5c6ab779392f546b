package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gcdcore/agent/internal/schema"
)

func objectType(t *testing.T, fields map[string]string) *schema.PropType {
	t.Helper()
	props := map[string]any{}
	for k, v := range fields {
		props[k] = v
	}
	raw, err := json.Marshal(map[string]any{"properties": props, "additionalProperties": true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pt, err := schema.ParsePropType(raw)
	if err != nil {
		t.Fatalf("ParsePropType: %v", err)
	}
	return pt
}

func objectValue(t *testing.T, pt *schema.PropType, fields map[string]int64) *schema.Value {
	t.Helper()
	// Built directly rather than through schema.ParseValue, which rejects
	// the partial objects these tests record.
	obj := map[string]*schema.Value{}
	for k, v := range fields {
		obj[k] = schema.NewInt(pt.FieldTypes[k], v)
	}
	return schema.NewObject(pt, obj)
}

func TestChangeQueueMergesEqualTimestamps(t *testing.T) {
	q := NewChangeQueue(100)
	pt := objectType(t, map[string]string{"x": "integer", "y": "integer"})

	t0 := time.Unix(0, 0)
	t60 := t0.Add(60 * time.Second)

	q.Record(map[string]*schema.Value{"a": objectValue(t, pt, map[string]int64{"x": 1})}, t0)
	q.Record(map[string]*schema.Value{"a": objectValue(t, pt, map[string]int64{"y": 2})}, t0)
	q.Record(map[string]*schema.Value{"a": objectValue(t, pt, map[string]int64{"x": 3})}, t60)

	entries := q.GetAndClearRecordedStateChanges()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if !entries[0].Timestamp.Equal(t0) {
		t.Fatalf("entries[0].Timestamp = %v, want %v", entries[0].Timestamp, t0)
	}
	a := entries[0].Changed["a"]
	if a.Obj["x"].Int != 1 || a.Obj["y"].Int != 2 {
		t.Fatalf("merged 'a' = %+v, want x=1 y=2", a.Obj)
	}
	if !entries[1].Timestamp.Equal(t60) || entries[1].Changed["a"].Obj["x"].Int != 3 {
		t.Fatalf("entries[1] = %+v, want t=60s x=3", entries[1])
	}
}

func TestChangeQueueBoundMergesOldestTwoOnOverflow(t *testing.T) {
	q := NewChangeQueue(2)
	pt := objectType(t, map[string]string{"v": "integer"})

	t0 := time.Unix(0, 0)
	t60 := t0.Add(60 * time.Second)
	t180 := t0.Add(180 * time.Second)

	q.Record(map[string]*schema.Value{"a": objectValue(t, pt, map[string]int64{"v": 1})}, t0)
	q.Record(map[string]*schema.Value{"b": objectValue(t, pt, map[string]int64{"v": 2})}, t60)
	q.Record(map[string]*schema.Value{"c": objectValue(t, pt, map[string]int64{"v": 3})}, t180)

	entries := q.GetAndClearRecordedStateChanges()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if !entries[0].Timestamp.Equal(t60) {
		t.Fatalf("entries[0].Timestamp = %v, want %v (oldest-two merged into the later timestamp)", entries[0].Timestamp, t60)
	}
	if _, ok := entries[0].Changed["a"]; !ok {
		t.Fatalf("expected merged entry to retain key 'a'")
	}
	if _, ok := entries[0].Changed["b"]; !ok {
		t.Fatalf("expected merged entry to retain key 'b'")
	}
	if !entries[1].Timestamp.Equal(t180) {
		t.Fatalf("entries[1].Timestamp = %v, want %v", entries[1].Timestamp, t180)
	}
}

func TestChangeQueueLastUpdateIdMonotonic(t *testing.T) {
	q := NewChangeQueue(100)
	pt := objectType(t, map[string]string{"v": "integer"})

	var last uint64
	for i := 0; i < 10; i++ {
		q.Record(map[string]*schema.Value{"k": objectValue(t, pt, map[string]int64{"v": int64(i)})}, time.Unix(int64(i), 0))
		id := q.GetLastStateChangeId()
		if id < last {
			t.Fatalf("GetLastStateChangeId decreased: %d -> %d", last, id)
		}
		last = id
	}

	q.GetAndClearRecordedStateChanges()
	if q.GetLastStateChangeId() < last {
		t.Fatalf("GetLastStateChangeId decreased after drain")
	}
}

func TestAddOnStateUpdatedCallbackFiresImmediatelyWhenEmpty(t *testing.T) {
	q := NewChangeQueue(100)
	called := false
	q.AddOnStateUpdatedCallback(func(id uint64) { called = true })
	if !called {
		t.Fatalf("expected immediate callback on empty queue")
	}
}

func TestAddOnStateUpdatedCallbackDeferredUntilDrain(t *testing.T) {
	q := NewChangeQueue(100)
	pt := objectType(t, map[string]string{"v": "integer"})
	q.Record(map[string]*schema.Value{"k": objectValue(t, pt, map[string]int64{"v": 1})}, time.Unix(0, 0))

	called := false
	q.AddOnStateUpdatedCallback(func(id uint64) { called = true })
	if called {
		t.Fatalf("callback should not fire before drain while queue is non-empty")
	}

	q.GetAndClearRecordedStateChanges()
	if !called {
		t.Fatalf("expected deferred callback to fire on drain")
	}
}
