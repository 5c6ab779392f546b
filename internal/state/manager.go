package state

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gcdcore/agent/internal/errs"
	"github.com/gcdcore/agent/internal/schema"
)

// Clock abstracts time.Now for deterministic tests, matching the small
// injected-clock convention the teacher uses in its history store.
type Clock func() time.Time

// Manager owns the qualified-name -> PropValue registry and the ChangeQueue
// that journals every mutation (spec.md §4.3).
type Manager struct {
	clock Clock
	queue *ChangeQueue

	mu         sync.RWMutex
	properties map[string]*schema.Value
	types      map[string]*schema.PropType

	callbacksMu sync.Mutex
	callbacks   []func(map[string]*schema.Value)
}

// New creates a Manager. types declares the PropType each qualified state
// property name must conform to; it is fixed at construction, mirroring how
// the schema engine treats PropTypes as immutable once loaded.
func New(types map[string]*schema.PropType, queueCapacity int) *Manager {
	return &Manager{
		clock:      time.Now,
		queue:      NewChangeQueue(queueCapacity),
		properties: make(map[string]*schema.Value, len(types)),
		types:      types,
	}
}

// ChangeQueue exposes the manager's journal for the Sync Controller to drain.
func (m *Manager) ChangeQueue() *ChangeQueue {
	return m.queue
}

// SetProperty validates raw against the registered PropType for name and,
// on success, updates the registry and journals the change.
func (m *Manager) SetProperty(name string, raw json.RawMessage) error {
	return m.SetProperties(map[string]json.RawMessage{name: raw})
}

// SetProperties validates every entry in values before committing any of
// them: if any single entry fails validation, no change is made (spec.md
// §4.3: "atomic: validation happens for all entries first").
func (m *Manager) SetProperties(values map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parsed := make(map[string]*schema.Value, len(values))
	for name, raw := range values {
		pt, ok := m.types[name]
		if !ok {
			return errs.Newf(errs.DomainState, "unknown_property", "unknown state property %q", name)
		}
		v, err := schema.ParseValue(raw, pt)
		if err != nil {
			return errs.Wrapf(err, errs.DomainState, "invalid_value", "invalid value for property %q", name)
		}
		if err := pt.Validate(v); err != nil {
			return errs.Wrapf(err, errs.DomainState, "invalid_value", "invalid value for property %q", name)
		}
		parsed[name] = v
	}

	for name, v := range parsed {
		m.properties[name] = v
	}

	m.queue.Record(parsed, m.clock())
	m.fireCallbacks(parsed)
	return nil
}

// GetProperty returns the current value of name, or nil if unset.
func (m *Manager) GetProperty(name string) *schema.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.properties[name]
	if !ok {
		return nil
	}
	return v.Clone()
}

// GetState returns a snapshot of every currently-set property.
func (m *Manager) GetState() map[string]*schema.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*schema.Value, len(m.properties))
	for k, v := range m.properties {
		out[k] = v.Clone()
	}
	return out
}

// PropertyNames returns the declared property names in sorted order.
func (m *Manager) PropertyNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.types))
	for name := range m.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddChangedCallback registers cb to be invoked, synchronously and on the
// calling goroutine (the Task Runner goroutine, by convention — see
// internal/scheduler), with the changed-property map after every successful
// SetProperty/SetProperties call.
func (m *Manager) AddChangedCallback(cb func(changed map[string]*schema.Value)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) fireCallbacks(changed map[string]*schema.Value) {
	m.callbacksMu.Lock()
	cbs := make([]func(map[string]*schema.Value), len(m.callbacks))
	copy(cbs, m.callbacks)
	m.callbacksMu.Unlock()

	for _, cb := range cbs {
		cb(changed)
	}
}
