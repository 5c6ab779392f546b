package command

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

const ledflasherSchema = `{"_ledflasher": {"_set": {"parameters": {"_led": {"minimum":1,"maximum":3}, "_on":"boolean"}}}}`

func newTestDictionary(t *testing.T, raw string) *Dictionary {
	t.Helper()
	d := NewDictionary()
	if err := d.LoadCommands(json.RawMessage(raw), "test"); err != nil {
		t.Fatalf("LoadCommands: %v", err)
	}
	return d
}

// syncRunner runs posted tasks inline, synchronously, for deterministic
// tests that do not need the real scheduler's goroutine.
type syncRunner struct {
	mu    sync.Mutex
	queue []func()
}

func (r *syncRunner) PostDelayedTask(fn func(), _ time.Duration) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
}

func (r *syncRunner) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		fn()
	}
}

func TestAddCommandScenario1(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	id, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":2,"_on":true}}`), OriginLocal)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a synthesized id")
	}
	cmd := m.FindCommand(id)
	if cmd == nil {
		t.Fatalf("FindCommand(%q) = nil", id)
	}
	if cmd.Status() != StatusQueued {
		t.Fatalf("Status() = %v, want Queued", cmd.Status())
	}
}

func TestAddCommandScenario2(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	_, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":5,"_on":true}}`), OriginLocal)
	if err == nil {
		t.Fatalf("expected error for out-of-range _led value")
	}
}

func TestAddCommandRejectsUnknownCommand(t *testing.T) {
	d := NewDictionary()
	runner := &syncRunner{}
	m := New(d, runner, nil)

	_, err := m.AddCommand(json.RawMessage(`{"name":"_nope._set","parameters":{}}`), OriginLocal)
	if err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestDispatchInvokesHandlerAndCompletes(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	var observedLED int64
	m.AddCommandHandler("_ledflasher._set", func(cmd *Command) error {
		observedLED = cmd.Parameters().Obj["_led"].Int
		return cmd.Complete(nil)
	})

	id, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":2,"_on":true}}`), OriginLocal)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	runner.drain()

	if observedLED != 2 {
		t.Fatalf("observedLED = %d, want 2", observedLED)
	}
	if got := m.FindCommand(id).Status(); got != StatusDone {
		t.Fatalf("Status() = %v, want Done", got)
	}
}

func TestHandlerErrorAbortsCommand(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	m.AddCommandHandler("_ledflasher._set", func(cmd *Command) error {
		return &testHandlerError{}
	})

	id, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":2,"_on":true}}`), OriginLocal)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	runner.drain()

	cmd := m.FindCommand(id)
	if cmd.Status() != StatusAborted {
		t.Fatalf("Status() = %v, want Aborted", cmd.Status())
	}
	if cmd.LastError() == nil {
		t.Fatalf("expected LastError to be set")
	}
}

type testHandlerError struct{}

func (*testHandlerError) Error() string { return "handler failed" }

func TestHandlerBackfillOnLateRegistration(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	id, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":1,"_on":false}}`), OriginLocal)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	runner.drain() // no handler yet: command stays Queued

	if got := m.FindCommand(id).Status(); got != StatusQueued {
		t.Fatalf("Status() before handler registration = %v, want Queued", got)
	}

	called := false
	m.AddCommandHandler("_ledflasher._set", func(cmd *Command) error {
		called = true
		return cmd.Complete(nil)
	})
	runner.drain()

	if !called {
		t.Fatalf("expected backfilled dispatch to invoke the handler")
	}
	if got := m.FindCommand(id).Status(); got != StatusDone {
		t.Fatalf("Status() = %v, want Done", got)
	}
}

func TestCommandCancelFromQueued(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	id, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":1,"_on":false}}`), OriginLocal)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	cmd := m.FindCommand(id)
	if err := cmd.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := cmd.Status(); got != StatusCancelled {
		t.Fatalf("Status() = %v, want Cancelled", got)
	}
}

func TestOnCommandRemovedFiresForExternalCancel(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	var removed *Command
	m.AddOnCommandRemovedCallback(func(cmd *Command) { removed = cmd })

	id, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":1,"_on":false}}`), OriginLocal)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	cmd := m.FindCommand(id)
	if err := cmd.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if removed == nil || removed.ID != id {
		t.Fatalf("expected OnCommandRemoved to fire for a cancel reached outside dispatch")
	}
}

func TestOnCommandRemovedFiresForAsyncCompletion(t *testing.T) {
	d := newTestDictionary(t, ledflasherSchema)
	runner := &syncRunner{}
	m := New(d, runner, nil)

	var removed *Command
	m.AddOnCommandRemovedCallback(func(cmd *Command) { removed = cmd })

	// The handler returns nil immediately, leaving the command InProgress;
	// completion happens later from an unrelated goroutine, not from
	// dispatch's own call stack.
	m.AddCommandHandler("_ledflasher._set", func(cmd *Command) error {
		return nil
	})

	id, err := m.AddCommand(json.RawMessage(`{"name":"_ledflasher._set","parameters":{"_led":1,"_on":false}}`), OriginLocal)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	runner.drain()

	if removed != nil {
		t.Fatalf("OnCommandRemoved fired before the command actually completed")
	}

	cmd := m.FindCommand(id)
	if err := cmd.Complete(nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if removed == nil || removed.ID != id {
		t.Fatalf("expected OnCommandRemoved to fire for an async Complete reached outside dispatch")
	}
}
