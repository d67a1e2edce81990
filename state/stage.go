package state

import (
	"fmt"

	"github.com/hivekit/hive/event"
)

// ConflictError reports that two parallel branches wrote the same key under
// an isolation policy that forbids it.
type ConflictError struct {
	Key      string
	Branches []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict on key %q between branches %v", e.Key, e.Branches)
}

// Stage buffers the writes of one parallel branch. Nothing reaches the
// shared state until the executor merges all branch stages at the join
// point; a branch reads its own staged writes before the base state.
type Stage struct {
	state    *SharedState
	branchID string
	writes   map[string]any
	deletes  map[string]bool
	order    []string // keys in first-write order, for deterministic merge
}

// NewStage creates a write buffer for one branch of a parallel fan-out.
// branchID is the node id the branch was fanned out to.
func (s *SharedState) NewStage(branchID string) *Stage {
	return &Stage{
		state:    s,
		branchID: branchID,
		writes:   make(map[string]any),
		deletes:  make(map[string]bool),
	}
}

// BranchID returns the branch this stage buffers writes for.
func (st *Stage) BranchID() string { return st.branchID }

// Get reads through the stage: staged writes shadow the base state.
func (st *Stage) Get(executionID, key string) (any, bool) {
	if st.deletes[key] {
		return nil, false
	}
	if v, ok := st.writes[key]; ok {
		return v, true
	}
	return st.state.Get(executionID, key)
}

// Set records a staged write. The base state is untouched.
func (st *Stage) Set(key string, value any) {
	if _, seen := st.writes[key]; !seen {
		st.order = append(st.order, key)
	}
	st.writes[key] = value
	delete(st.deletes, key)
}

// Delete records a staged deletion.
func (st *Stage) Delete(key string) {
	st.deletes[key] = true
	delete(st.writes, key)
}

// Keys returns the staged write keys in first-write order.
func (st *Stage) Keys() []string {
	out := make([]string, len(st.order))
	copy(out, st.order)
	return out
}

// Merge applies the staged writes of all branches to the shared state at a
// join point.
//
// Under Shared and Isolated isolation, any key written by more than one
// branch is a conflict: a state_conflict event is published and a
// ConflictError returned without applying anything. Under Synchronized,
// writes are serialized per key and the last branch in stage order wins.
func (s *SharedState) Merge(executionID string, stages []*Stage) error {
	if len(stages) == 0 {
		return nil
	}

	if s.isolation != Synchronized {
		writersByKey := make(map[string][]string)
		for _, st := range stages {
			for _, key := range st.order {
				writersByKey[key] = append(writersByKey[key], st.branchID)
			}
		}
		for _, st := range stages {
			for _, key := range st.order {
				if branches := writersByKey[key]; len(branches) > 1 {
					if s.bus != nil {
						e := event.New(event.TypeStateConflict, map[string]any{
							"key":      key,
							"branches": branches,
						})
						e.ExecutionID = executionID
						s.bus.Publish(e)
					}
					return &ConflictError{Key: key, Branches: branches}
				}
			}
		}
	}

	for _, st := range stages {
		for _, key := range st.order {
			s.LockKey(key)
			s.Set(executionID, key, st.writes[key])
			s.UnlockKey(key)
		}
		for key := range st.deletes {
			s.LockKey(key)
			s.Delete(executionID, key)
			s.UnlockKey(key)
		}
	}
	return nil
}
