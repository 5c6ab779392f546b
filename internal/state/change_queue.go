package state

import (
	"sync"
	"time"

	"github.com/gcdcore/agent/internal/schema"
)

// StateChange is one timestamped batch of property updates (spec.md §3).
type StateChange struct {
	Timestamp time.Time
	Changed   map[string]*schema.Value
}

// ChangeQueue is the bounded FIFO journal described in spec.md §4.3. It is
// safe for concurrent use; all exported methods take the internal mutex.
type ChangeQueue struct {
	mu       sync.Mutex
	capacity int
	entries  []StateChange
	lastID   uint64

	pendingCallbacks []func(uint64)
}

// defaultCapacity matches the example capacity spec.md §4.3 gives (100).
const defaultCapacity = 100

// NewChangeQueue creates a ChangeQueue bounded to capacity entries. A
// capacity of zero or less falls back to defaultCapacity.
func NewChangeQueue(capacity int) *ChangeQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &ChangeQueue{capacity: capacity}
}

// Record appends changed as a new StateChange at timestamp, applying the
// merge rules from spec.md §4.3: an adjacent entry with an identical
// timestamp is merged in place (newer values win per key, with object-typed
// values merged field-wise rather than replaced wholesale); otherwise, if
// the queue is at capacity, the oldest two entries are merged into one
// (folding newer over older, timestamp becoming the later of the two)
// before the new entry is appended.
func (q *ChangeQueue) Record(changed map[string]*schema.Value, timestamp time.Time) {
	if len(changed) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.entries); n > 0 && q.entries[n-1].Timestamp.Equal(timestamp) {
		mergeInto(&q.entries[n-1], changed)
		q.lastID++
		return
	}

	if len(q.entries) >= q.capacity {
		q.mergeOldestTwoLocked()
	}

	q.entries = append(q.entries, StateChange{Timestamp: timestamp, Changed: cloneChanged(changed)})
	q.lastID++
}

func (q *ChangeQueue) mergeOldestTwoLocked() {
	if len(q.entries) < 2 {
		return
	}
	older, newer := q.entries[0], q.entries[1]
	merged := StateChange{Timestamp: newer.Timestamp, Changed: cloneChanged(older.Changed)}
	for k, v := range newer.Changed {
		merged.Changed[k] = mergeValue(merged.Changed[k], v)
	}
	q.entries = append([]StateChange{merged}, q.entries[2:]...)
}

// mergeInto folds changed over entry.Changed, key by key, using mergeValue
// for object-typed values so nested fields accumulate instead of replacing
// each other wholesale (spec.md §8 scenario 3).
func mergeInto(entry *StateChange, changed map[string]*schema.Value) {
	if entry.Changed == nil {
		entry.Changed = map[string]*schema.Value{}
	}
	for k, v := range changed {
		entry.Changed[k] = mergeValue(entry.Changed[k], v)
	}
}

func mergeValue(older, newer *schema.Value) *schema.Value {
	if older == nil {
		return newer.Clone()
	}
	if newer == nil {
		return older.Clone()
	}
	if older.Type != nil && newer.Type != nil && older.Type.Kind == schema.KindObject && newer.Type.Kind == schema.KindObject {
		merged := older.Clone()
		if merged.Obj == nil {
			merged.Obj = map[string]*schema.Value{}
		}
		for k, v := range newer.Obj {
			merged.Obj[k] = mergeValue(merged.Obj[k], v)
		}
		return merged
	}
	return newer.Clone()
}

func cloneChanged(changed map[string]*schema.Value) map[string]*schema.Value {
	cp := make(map[string]*schema.Value, len(changed))
	for k, v := range changed {
		cp[k] = v.Clone()
	}
	return cp
}

// GetAndClearRecordedStateChanges atomically drains and returns the queue,
// then fires any callbacks deferred by AddOnStateUpdatedCallback while the
// queue was non-empty.
func (q *ChangeQueue) GetAndClearRecordedStateChanges() []StateChange {
	q.mu.Lock()
	out := q.entries
	q.entries = nil
	cbs := q.pendingCallbacks
	q.pendingCallbacks = nil
	id := q.lastID
	q.mu.Unlock()

	for _, cb := range cbs {
		cb(id)
	}
	return out
}

// Requeue re-inserts previously drained entries at the front of the queue,
// used by the Sync Controller when a push attempt fails and the changes
// must be retried (spec.md §4.4 PushState failure policy).
func (q *ChangeQueue) Requeue(entries []StateChange) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(entries, q.entries...)
	if len(q.entries) > q.capacity {
		excess := len(q.entries) - q.capacity
		for i := 0; i < excess; i++ {
			q.mergeOldestTwoLocked()
		}
	}
}

// GetLastStateChangeId returns the monotonically non-decreasing counter
// incremented on every logical insert, including merges that add new keys.
func (q *ChangeQueue) GetLastStateChangeId() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastID
}

// AddOnStateUpdatedCallback registers cb to be invoked with the current
// lastUpdateId. Per spec.md §4.3: if the queue is empty, cb fires
// immediately; otherwise it is deferred until the next drain.
func (q *ChangeQueue) AddOnStateUpdatedCallback(cb func(lastUpdateID uint64)) {
	q.mu.Lock()
	empty := len(q.entries) == 0
	id := q.lastID
	if !empty {
		q.pendingCallbacks = append(q.pendingCallbacks, cb)
	}
	q.mu.Unlock()

	if empty {
		cb(id)
	}
}
