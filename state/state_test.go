package state

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hivekit/hive/event"
)

func TestSharedState_GetSet(t *testing.T) {
	s := New(Shared, nil)

	if _, ok := s.Get("exec-1", "missing"); ok {
		t.Error("expected missing key to be unset")
	}

	s.Set("exec-1", "k", "v")
	v, ok := s.Get("exec-2", "k")
	if !ok || v != "v" {
		t.Errorf("shared isolation: expected other execution to see k=v, got %v %v", v, ok)
	}

	s.Delete("exec-1", "k")
	if _, ok := s.Get("exec-1", "k"); ok {
		t.Error("expected deleted key to be unset")
	}
}

func TestSharedState_IsolatedPolicy(t *testing.T) {
	s := New(Isolated, nil)

	s.Set("exec-1", "k", 1)

	if _, ok := s.Get("exec-2", "k"); ok {
		t.Error("isolated: exec-2 must not see exec-1's writes")
	}
	if v, ok := s.Get("exec-1", "k"); !ok || v != 1 {
		t.Error("isolated: writer must see its own writes")
	}
}

func TestSharedState_ChangeEvents(t *testing.T) {
	bus := event.NewBus()
	sub := bus.Subscribe(event.Filter{Types: []event.Type{event.TypeStateChanged}})
	defer bus.Unsubscribe(sub)

	s := New(Shared, bus)
	s.Set("exec-1", "k", "old")
	s.Set("exec-1", "k", "new")

	first := <-sub.Events()
	if first.Data["key"] != "k" || first.Data["new_value"] != "old" {
		t.Errorf("unexpected first change event: %+v", first.Data)
	}
	if first.ExecutionID != "exec-1" {
		t.Errorf("expected execution id stamped, got %q", first.ExecutionID)
	}

	second := <-sub.Events()
	if second.Data["old_value"] != "old" || second.Data["new_value"] != "new" {
		t.Errorf("unexpected second change event: %+v", second.Data)
	}
}

func TestSharedState_SnapshotRestoreRoundTrip(t *testing.T) {
	s := New(Shared, nil)
	s.Set("exec-1", "a", "x")
	s.Set("exec-1", "b", float64(2))
	s.Set("exec-1", "c", map[string]any{"nested": true})

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	s.Set("exec-1", "a", "mutated")
	s.Delete("exec-1", "b")

	if err := s.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got, err := s.Snapshot()
	if err != nil {
		t.Fatalf("second Snapshot failed: %v", err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Errorf("restore(snapshot(s)) != s:\n got  %+v\n want %+v", got, snap)
	}
}

func TestSharedState_SnapshotIsCopy(t *testing.T) {
	s := New(Shared, nil)
	s.Set("exec-1", "m", map[string]any{"inner": "v"})

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	snap["m"].(map[string]any)["inner"] = "mutated"

	v, _ := s.Get("exec-1", "m")
	if v.(map[string]any)["inner"] != "v" {
		t.Error("snapshot mutation leaked into live state")
	}
}

func TestSharedState_ConcurrentAccess(t *testing.T) {
	s := New(Shared, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set("exec-1", "k", n)
				s.Get("exec-1", "k")
			}
		}(i)
	}
	wg.Wait()

	if _, ok := s.Get("exec-1", "k"); !ok {
		t.Error("key lost under concurrent access")
	}
}

func TestStage_ReadThroughAndShadow(t *testing.T) {
	s := New(Shared, nil)
	s.Set("exec-1", "base", "from-state")

	stage := s.NewStage("branch-b")

	if v, ok := stage.Get("exec-1", "base"); !ok || v != "from-state" {
		t.Error("stage must read through to base state")
	}

	stage.Set("base", "staged")
	if v, _ := stage.Get("exec-1", "base"); v != "staged" {
		t.Error("staged write must shadow base state")
	}
	if v, _ := s.Get("exec-1", "base"); v != "from-state" {
		t.Error("staged write must not touch base state before merge")
	}

	stage.Delete("base")
	if _, ok := stage.Get("exec-1", "base"); ok {
		t.Error("staged delete must hide base key")
	}
}

func TestMerge_ConflictUnderShared(t *testing.T) {
	bus := event.NewBus()
	sub := bus.Subscribe(event.Filter{Types: []event.Type{event.TypeStateConflict}})
	defer bus.Unsubscribe(sub)

	s := New(Shared, bus)
	b1 := s.NewStage("branch-b")
	b2 := s.NewStage("branch-c")
	b1.Set("k", "from-b")
	b2.Set("k", "from-c")

	err := s.Merge("exec-1", []*Stage{b1, b2})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Key != "k" {
		t.Errorf("expected conflict on k, got %q", conflict.Key)
	}

	select {
	case e := <-sub.Events():
		if e.Data["key"] != "k" {
			t.Errorf("unexpected conflict event payload: %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no state_conflict event published")
	}

	if _, ok := s.Get("exec-1", "k"); ok {
		t.Error("conflicting merge must not apply any writes")
	}
}

func TestMerge_LastWriterWinsUnderSynchronized(t *testing.T) {
	s := New(Synchronized, nil)
	b1 := s.NewStage("branch-b")
	b2 := s.NewStage("branch-c")
	b1.Set("k", "from-b")
	b2.Set("k", "from-c")

	if err := s.Merge("exec-1", []*Stage{b1, b2}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	v, _ := s.Get("exec-1", "k")
	if v != "from-c" {
		t.Errorf("expected second writer to win, got %v", v)
	}
}

func TestMerge_DisjointKeysApply(t *testing.T) {
	s := New(Shared, nil)
	b1 := s.NewStage("branch-b")
	b2 := s.NewStage("branch-c")
	b1.Set("x", 1)
	b2.Set("y", 2)

	if err := s.Merge("exec-1", []*Stage{b1, b2}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if v, _ := s.Get("exec-1", "x"); v != 1 {
		t.Error("branch-b write lost")
	}
	if v, _ := s.Get("exec-1", "y"); v != 2 {
		t.Error("branch-c write lost")
	}
}
