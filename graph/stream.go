package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivekit/hive/checkpoint"
	"github.com/hivekit/hive/event"
)

// StreamStatus is the lifecycle state of one execution stream. Terminal
// states are sticky: once completed, failed or cancelled, a stream never
// transitions again.
type StreamStatus string

// Stream statuses.
const (
	StreamPending   StreamStatus = "pending"
	StreamRunning   StreamStatus = "running"
	StreamPaused    StreamStatus = "paused"
	StreamCompleted StreamStatus = "completed"
	StreamFailed    StreamStatus = "failed"
	StreamCancelled StreamStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s StreamStatus) Terminal() bool {
	return s == StreamCompleted || s == StreamFailed || s == StreamCancelled
}

// ErrStreamTerminal rejects control operations on a finished stream.
var ErrStreamTerminal = errors.New("execution stream already finished")

// ExecutionStream is one live run of a graph: a fresh execution id, the
// executor goroutine driving it, and the control surface (pause, resume,
// cancel, input injection) the session manager exposes over HTTP.
type ExecutionStream struct {
	id       string
	graphID  string
	entry    string
	executor *Executor
	controls *Controls
	bus      event.Bus
	cancel   context.CancelFunc

	mu        sync.Mutex
	status    StreamStatus
	err       error
	startedAt time.Time
	endedAt   time.Time
	done      chan struct{}
}

// StreamOption configures a stream at creation.
type StreamOption func(*streamConfig)

type streamConfig struct {
	visits map[string]int
}

// WithVisits seeds per-node visit counts, used when resuming from a
// checkpoint so caps carry over from the snapshot.
func WithVisits(visits map[string]int) StreamOption {
	return func(c *streamConfig) { c.visits = visits }
}

// NewStream prepares a run of the executor's graph starting at entry (empty
// selects the graph entry node). The stream publishes through a child bus
// stamped with its execution id.
func NewStream(x *Executor, bus event.Bus, entry string, opts ...StreamOption) *ExecutionStream {
	id := uuid.NewString()
	controls := NewControls()

	var sc streamConfig
	for _, opt := range opts {
		opt(&sc)
	}
	visits := make(map[string]int, len(sc.visits))
	for node, n := range sc.visits {
		visits[node] = n
	}

	// The executor carries the stream's controls so pause and inject reach
	// the node loops.
	cfg := x.cfg
	cfg.Controls = controls
	cfg.Bus = bus.Child(event.Scope{ExecutionID: id, GraphID: cfg.Graph.ID})
	scoped := &Executor{cfg: cfg, back: x.back, visits: visits, convs: make(map[string]*Conversation)}

	return &ExecutionStream{
		id:       id,
		graphID:  cfg.Graph.ID,
		entry:    entry,
		executor: scoped,
		controls: controls,
		bus:      cfg.Bus,
		status:   StreamPending,
		done:     make(chan struct{}),
	}
}

// ID returns the stream's execution id.
func (s *ExecutionStream) ID() string { return s.id }

// GraphID returns the executed graph's id.
func (s *ExecutionStream) GraphID() string { return s.graphID }

// Start launches the executor goroutine. Calling Start twice is an error.
func (s *ExecutionStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StreamPending {
		s.mu.Unlock()
		return fmt.Errorf("stream %s: already started", s.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.status = StreamRunning
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	go func() {
		err := s.executor.Run(runCtx, s.id, s.entry)
		s.finish(err)
	}()
	return nil
}

func (s *ExecutionStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.endedAt = time.Now().UTC()
	switch {
	case errors.Is(err, context.Canceled):
		s.status = StreamCancelled
	case err != nil:
		s.status = StreamFailed
		s.err = err
	default:
		s.status = StreamCompleted
	}
	close(s.done)
}

// Done is closed when the stream reaches a terminal state.
func (s *ExecutionStream) Done() <-chan struct{} { return s.done }

// Err returns the failure cause, if any, once the stream has finished.
func (s *ExecutionStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pause suspends execution at the next iteration boundary and publishes
// execution_paused.
func (s *ExecutionStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return ErrStreamTerminal
	}
	if s.status == StreamPaused {
		return nil
	}
	s.controls.Pause()
	s.status = StreamPaused
	s.bus.Publish(event.New(event.TypeExecutionPaused, nil))
	return nil
}

// Resume releases a paused stream and publishes execution_resumed.
func (s *ExecutionStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return ErrStreamTerminal
	}
	if s.status != StreamPaused {
		return nil
	}
	s.controls.Resume()
	s.status = StreamRunning
	s.bus.Publish(event.New(event.TypeExecutionResumed, nil))
	return nil
}

// Cancel stops the stream. Idempotent; cancelling a finished stream is a
// no-op.
func (s *ExecutionStream) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	// A paused stream must be released or the executor never observes the
	// cancelled context.
	s.controls.Resume()
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Inject delivers client input to the node blocked on it. Returns false when
// no node is waiting.
func (s *ExecutionStream) Inject(nodeID, content string) bool {
	return s.controls.Inject(nodeID, content)
}

// BlockedNodes lists nodes awaiting client input.
func (s *ExecutionStream) BlockedNodes() []string {
	return s.controls.BlockedNodes()
}

// Progress reports the current node and per-node visit counts.
func (s *ExecutionStream) Progress() (string, map[string]int) {
	return s.executor.Progress()
}

// Conversations snapshots the turn logs of in-flight nodes for checkpoints.
func (s *ExecutionStream) Conversations() map[string][]checkpoint.Turn {
	return s.executor.Conversations()
}

// StreamInfo is a point-in-time status snapshot.
type StreamInfo struct {
	ID           string       `json:"execution_id"`
	GraphID      string       `json:"graph_id"`
	Status       StreamStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	BlockedNodes []string     `json:"blocked_nodes,omitempty"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	EndedAt      time.Time    `json:"ended_at,omitzero"`
}

// Status reports the stream's current state.
func (s *ExecutionStream) Status() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StreamInfo{
		ID:           s.id,
		GraphID:      s.graphID,
		Status:       s.status,
		BlockedNodes: s.controls.BlockedNodes(),
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}
