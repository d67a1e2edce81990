// Package state implements the per-session shared key/value store.
//
// A SharedState is owned by one session and read and written by every
// execution running inside it. Three isolation policies govern visibility:
//
//   - Isolated: each execution sees only keys it wrote itself.
//   - Shared: all executions see all keys (the default).
//   - Synchronized: shared visibility, with writes serialized by per-key
//     advisory locks held for the duration of the writing node.
//
// Every successful Set publishes a state_changed event carrying the old and
// new values. Notifications fire after the state lock is released so
// subscribers can read back without deadlocking.
package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hivekit/hive/event"
)

// Isolation selects the visibility policy for a session's state.
type Isolation string

const (
	// Isolated restricts each execution to its own write set.
	Isolated Isolation = "ISOLATED"

	// Shared gives every execution full visibility. Default.
	Shared Isolation = "SHARED"

	// Synchronized is Shared plus per-key advisory write locks.
	Synchronized Isolation = "SYNCHRONIZED"
)

// SharedState is a concurrency-safe string-keyed map with change
// notifications, snapshot/restore, and policy-driven isolation.
type SharedState struct {
	mu        sync.RWMutex
	values    map[string]any
	writers   map[string]map[string]bool // execution id -> set of keys it wrote
	isolation Isolation
	bus       event.Bus

	keyLocks map[string]*sync.Mutex // advisory locks, Synchronized only
	lockMu   sync.Mutex
}

// New creates a SharedState with the given isolation policy. The bus may be
// nil, in which case change notifications are skipped.
func New(isolation Isolation, bus event.Bus) *SharedState {
	if isolation == "" {
		isolation = Shared
	}
	return &SharedState{
		values:    make(map[string]any),
		writers:   make(map[string]map[string]bool),
		isolation: isolation,
		bus:       bus,
		keyLocks:  make(map[string]*sync.Mutex),
	}
}

// Isolation returns the session's isolation policy.
func (s *SharedState) Isolation() Isolation { return s.isolation }

// Get returns the value for key as visible to the given execution. Under
// Isolated, keys written by other executions read as unset.
func (s *SharedState) Get(executionID, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isolation == Isolated && !s.writers[executionID][key] {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Set writes key for the given execution and publishes a state_changed
// event after releasing the lock.
func (s *SharedState) Set(executionID, key string, value any) {
	s.mu.Lock()
	old, existed := s.values[key]
	s.values[key] = value
	if s.writers[executionID] == nil {
		s.writers[executionID] = make(map[string]bool)
	}
	s.writers[executionID][key] = true
	s.mu.Unlock()

	s.notifyChanged(executionID, key, old, existed, value)
}

// Delete removes key. A state_changed event with a nil new value is
// published if the key existed.
func (s *SharedState) Delete(executionID, key string) {
	s.mu.Lock()
	old, existed := s.values[key]
	delete(s.values, key)
	if w := s.writers[executionID]; w != nil {
		delete(w, key)
	}
	s.mu.Unlock()

	if existed {
		s.notifyChanged(executionID, key, old, true, nil)
	}
}

func (s *SharedState) notifyChanged(executionID, key string, old any, existed bool, val any) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"key": key, "new_value": val}
	if existed {
		data["old_value"] = old
	}
	e := event.New(event.TypeStateChanged, data)
	e.ExecutionID = executionID
	s.bus.Publish(e)
}

// Snapshot returns an immutable deep copy of the full value map. The copy
// is made through a JSON round trip, the same way the engine deep-copies
// branch state, so values must be JSON-serializable.
func (s *SharedState) Snapshot() (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.values)
}

// Restore replaces the state contents with a snapshot. Writer tracking is
// reset: restored keys belong to no execution until rewritten.
func (s *SharedState) Restore(snapshot map[string]any) error {
	copied, err := deepCopy(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = copied
	s.writers = make(map[string]map[string]bool)
	return nil
}

// LockKey acquires the advisory write lock for key. It is a no-op unless
// the session runs under Synchronized isolation. The caller must release
// with UnlockKey.
func (s *SharedState) LockKey(key string) {
	if s.isolation != Synchronized {
		return
	}
	s.keyLock(key).Lock()
}

// UnlockKey releases the advisory lock taken by LockKey.
func (s *SharedState) UnlockKey(key string) {
	if s.isolation != Synchronized {
		return
	}
	s.keyLock(key).Unlock()
}

func (s *SharedState) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// deepCopy clones a value map through a JSON round trip.
func deepCopy(values map[string]any) (map[string]any, error) {
	if values == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	copied := make(map[string]any, len(values))
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return copied, nil
}
