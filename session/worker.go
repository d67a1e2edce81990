package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/state"
	"github.com/hivekit/hive/tool"
)

// ErrUnknownEntryPoint rejects a trigger naming no loaded entry point.
var ErrUnknownEntryPoint = errors.New("unknown entry point")

// ErrUnknownExecution rejects control operations on an execution id the
// worker does not hold.
var ErrUnknownExecution = errors.New("unknown execution")

// WorkerConfig wires one worker runtime.
type WorkerConfig struct {
	Spec     AgentSpec
	Model    model.ChatModel
	Registry *tool.Registry
	Judge    *graph.Judge
	Bus      event.Bus
	State    *state.SharedState

	// Router answers router-edge decisions; nil falls back to Model.
	Router model.ChatModel

	// Pool runs parallel branches; nil falls back to plain goroutines.
	Pool *ants.Pool

	Retry       graph.RetryPolicy
	TurnTimeout time.Duration
}

// entryBinding resolves an entry point id to its graph and target node.
type entryBinding struct {
	graphID string
	target  string
}

// Worker holds a loaded agent: one executor per graph plus the live
// execution streams started from its entry points.
type Worker struct {
	cfg       WorkerConfig
	executors map[string]*graph.Executor
	entries   map[string]entryBinding

	mu      sync.Mutex
	streams map[string]*graph.ExecutionStream
}

// NewWorker validates the agent spec and prepares an executor per graph.
// Graphs without entry points get an implicit manual entry point named after
// the graph id, targeting the graph's entry node.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:       cfg,
		executors: make(map[string]*graph.Executor, len(cfg.Spec.Graphs)),
		entries:   make(map[string]entryBinding),
		streams:   make(map[string]*graph.ExecutionStream),
	}
	for _, g := range cfg.Spec.Graphs {
		x, err := graph.NewExecutor(graph.ExecutorConfig{
			Graph:       g,
			Model:       cfg.Model,
			Registry:    cfg.Registry,
			Judge:       cfg.Judge,
			Bus:         cfg.Bus,
			State:       cfg.State,
			Router:      cfg.Router,
			Pool:        cfg.Pool,
			Retry:       cfg.Retry,
			TurnTimeout: cfg.TurnTimeout,
		})
		if err != nil {
			return nil, err
		}
		w.executors[g.ID] = x

		if len(g.EntryPoints) == 0 {
			w.entries[g.ID] = entryBinding{graphID: g.ID, target: g.Entry}
			continue
		}
		for _, ep := range g.EntryPoints {
			w.entries[ep.ID] = entryBinding{graphID: g.ID, target: ep.Target}
		}
	}
	return w, nil
}

// Name returns the loaded agent's name.
func (w *Worker) Name() string { return w.cfg.Spec.Name }

// Spec returns the loaded agent spec.
func (w *Worker) Spec() AgentSpec { return w.cfg.Spec }

// Graph returns one of the worker's graph specs.
func (w *Worker) Graph(graphID string) (graph.GraphSpec, bool) {
	for _, g := range w.cfg.Spec.Graphs {
		if g.ID == graphID {
			return g, true
		}
	}
	return graph.GraphSpec{}, false
}

// graphForNode finds the graph containing the given node. Used when a
// checkpoint, which records only the current node, is restored.
func (w *Worker) graphForNode(nodeID string) (graph.GraphSpec, bool) {
	for _, g := range w.cfg.Spec.Graphs {
		if _, ok := g.Node(nodeID); ok {
			return g, true
		}
	}
	return graph.GraphSpec{}, false
}

// Trigger starts a new execution from the named entry point. Input values
// are written to shared state under the new execution id before the stream
// starts, so the entry node reads them through its declared input keys.
func (w *Worker) Trigger(ctx context.Context, entryPointID string, input map[string]any) (string, error) {
	binding, ok := w.entries[entryPointID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntryPoint, entryPointID)
	}
	x := w.executors[binding.graphID]

	bus := w.cfg.Bus.Child(event.Scope{StreamID: entryPointID})
	s := graph.NewStream(x, bus, binding.target)
	for key, value := range input {
		w.cfg.State.Set(s.ID(), key, value)
	}

	w.mu.Lock()
	w.streams[s.ID()] = s
	w.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return "", err
	}
	return s.ID(), nil
}

// Resume starts a fresh execution of the graph containing startNode, seeded
// with checkpointed visit counts. The entry visit is discounted so
// re-entering the checkpointed node does not double-count.
func (w *Worker) Resume(ctx context.Context, startNode string, visits map[string]int) (string, error) {
	g, ok := w.graphForNode(startNode)
	if !ok {
		return "", fmt.Errorf("no loaded graph contains node %q", startNode)
	}

	seeded := make(map[string]int, len(visits))
	for node, n := range visits {
		seeded[node] = n
	}
	if seeded[startNode] > 0 {
		seeded[startNode]--
	}

	bus := w.cfg.Bus.Child(event.Scope{StreamID: g.ID})
	s := graph.NewStream(w.executors[g.ID], bus, startNode, graph.WithVisits(seeded))

	w.mu.Lock()
	w.streams[s.ID()] = s
	w.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return "", err
	}
	return s.ID(), nil
}

// Stream returns a live execution stream by id.
func (w *Worker) Stream(executionID string) (*graph.ExecutionStream, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.streams[executionID]
	return s, ok
}

// Streams returns a snapshot of all execution streams, running or finished.
func (w *Worker) Streams() []*graph.ExecutionStream {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*graph.ExecutionStream, 0, len(w.streams))
	for _, s := range w.streams {
		out = append(out, s)
	}
	return out
}

// Inject delivers client input to whichever stream has the named node
// blocked on client_input_requested.
func (w *Worker) Inject(nodeID, content string) bool {
	for _, s := range w.Streams() {
		if s.Inject(nodeID, content) {
			return true
		}
	}
	return false
}

// InjectAny delivers content to the first blocked node of any stream. Used
// for chat routing: a blocked worker outranks the queen.
func (w *Worker) InjectAny(content string) (string, bool) {
	for _, s := range w.Streams() {
		for _, nodeID := range s.BlockedNodes() {
			if s.Inject(nodeID, content) {
				return nodeID, true
			}
		}
	}
	return "", false
}

// BlockedNodes lists all nodes across streams awaiting client input.
func (w *Worker) BlockedNodes() []string {
	var out []string
	for _, s := range w.Streams() {
		out = append(out, s.BlockedNodes()...)
	}
	return out
}

// Pause suspends an execution at its next iteration boundary.
func (w *Worker) Pause(executionID string) error {
	s, ok := w.Stream(executionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExecution, executionID)
	}
	return s.Pause()
}

// ResumeExecution releases a paused execution.
func (w *Worker) ResumeExecution(executionID string) error {
	s, ok := w.Stream(executionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExecution, executionID)
	}
	return s.Resume()
}

// ResumePaused releases every paused execution. Used by resume requests that
// name no checkpoint.
func (w *Worker) ResumePaused() int {
	n := 0
	for _, s := range w.Streams() {
		if s.Status().Status == graph.StreamPaused {
			if err := s.Resume(); err == nil {
				n++
			}
		}
	}
	return n
}

// Cancel terminates an execution.
func (w *Worker) Cancel(executionID string) error {
	s, ok := w.Stream(executionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExecution, executionID)
	}
	s.Cancel()
	return nil
}

// Stop cancels every live stream and waits for them to finish.
func (w *Worker) Stop() {
	streams := w.Streams()
	for _, s := range streams {
		s.Cancel()
	}
	for _, s := range streams {
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
		}
	}
}
