package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/state"
)

func noopNode(id string) graph.NodeSpec {
	return graph.NodeSpec{
		ID:   id,
		Type: graph.NodeFunction,
		Func: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}
}

func newFunctionWorker(t *testing.T, graphs ...graph.GraphSpec) (*Worker, *event.MemoryBus) {
	t.Helper()
	bus := event.NewBus()
	w, err := NewWorker(WorkerConfig{
		Spec:  AgentSpec{Name: "fn", Graphs: graphs},
		Judge: graph.NewJudge(nil, 0),
		Bus:   bus,
		State: state.New(state.Shared, bus),
	})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w, bus
}

func TestNewWorker_RejectsInvalidSpec(t *testing.T) {
	_, err := NewWorker(WorkerConfig{
		Spec: AgentSpec{Graphs: []graph.GraphSpec{{ID: "g", Entry: "a", Nodes: []graph.NodeSpec{noopNode("a")}}}},
		Bus:  event.NewBus(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")
}

func TestWorker_TriggerUnknownEntryPoint(t *testing.T) {
	w, _ := newFunctionWorker(t, graph.GraphSpec{
		ID: "main", Entry: "a", Nodes: []graph.NodeSpec{noopNode("a")},
	})

	_, err := w.Trigger(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownEntryPoint)
}

func TestWorker_ExplicitEntryPoints(t *testing.T) {
	w, bus := newFunctionWorker(t, graph.GraphSpec{
		ID:    "main",
		Entry: "a",
		Nodes: []graph.NodeSpec{noopNode("a"), noopNode("b")},
		Edges: []graph.EdgeSpec{{Source: "a", Target: "b", Condition: graph.CondOnSuccess}},
		EntryPoints: []graph.EntryPointSpec{
			{ID: "from_start", Source: graph.TriggerManual, Target: "a"},
			{ID: "from_middle", Source: graph.TriggerManual, Target: "b"},
		},
	})

	// Declared entry points replace the implicit graph-id binding.
	_, err := w.Trigger(context.Background(), "main", nil)
	assert.ErrorIs(t, err, ErrUnknownEntryPoint)

	sub := bus.Subscribe(event.Filter{Types: []event.Type{event.TypeNodeLoopStarted, event.TypeExecutionCompleted}})
	defer bus.Unsubscribe(sub)

	execID, err := w.Trigger(context.Background(), "from_middle", nil)
	require.NoError(t, err)

	var entered []string
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case e := <-sub.Events():
			if e.ExecutionID != execID {
				continue
			}
			switch e.Type {
			case event.TypeNodeLoopStarted:
				entered = append(entered, e.NodeID)
			case event.TypeExecutionCompleted:
				break loop
			}
		case <-deadline:
			t.Fatal("execution did not complete")
		}
	}
	assert.Equal(t, []string{"b"}, entered)
}

func TestWorker_ControlUnknownExecution(t *testing.T) {
	w, _ := newFunctionWorker(t, graph.GraphSpec{
		ID: "main", Entry: "a", Nodes: []graph.NodeSpec{noopNode("a")},
	})

	assert.ErrorIs(t, w.Pause("missing"), ErrUnknownExecution)
	assert.ErrorIs(t, w.ResumeExecution("missing"), ErrUnknownExecution)
	assert.ErrorIs(t, w.Cancel("missing"), ErrUnknownExecution)
}
