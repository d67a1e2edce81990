// Package session owns the lifecycle of the queen/worker/judge triplet.
//
// A Session pairs an always-on conversational executor (the queen) with an
// optional graph executor (the worker) and a scheduled health evaluator. All
// three publish to the session's EventBus; SSE subscribers multiplex from it.
// The Manager namespaces sessions by id; nothing in this package is
// process-global.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivekit/hive/checkpoint"
	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/state"
)

// Phase is a session's lifecycle state.
type Phase string

// Session phases.
const (
	PhaseCreated        Phase = "created"
	PhaseWorkerLoaded   Phase = "worker_loaded"
	PhaseWorkerUnloaded Phase = "worker_unloaded"
	PhaseStopped        Phase = "stopped"
)

// Session errors.
var (
	ErrNoWorker     = errors.New("session has no worker loaded")
	ErrWorkerLoaded = errors.New("session already has a worker loaded")
	ErrNoChatTarget = errors.New("no chat target: no blocked worker node and no queen")
	ErrStopped      = errors.New("session is stopped")
)

// Session is one live session: its event bus, queen, optional worker and
// health judge, and the checkpoint store slice keyed by its id.
type Session struct {
	id          string
	createdAt   time.Time
	bus         *event.MemoryBus
	queen       *Queen
	checkpoints checkpoint.Store
	mgr         *Manager

	ctx    context.Context
	cancel context.CancelFunc

	eventLog *event.Log
	logSub   *event.Subscription
	obsSubs  []*event.Subscription

	mu     sync.Mutex
	phase  Phase
	worker *Worker
	health *HealthJudge
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Bus returns the session's event bus.
func (s *Session) Bus() event.Bus { return s.bus }

// Phase returns the session's lifecycle state.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Worker returns the loaded worker, or nil.
func (s *Session) Worker() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// Queen returns the session's queen runtime.
func (s *Session) Queen() *Queen { return s.queen }

// Subscribe attaches a filtered subscription to the session bus.
func (s *Session) Subscribe(f event.Filter, opts ...event.SubOption) *event.Subscription {
	return s.bus.Subscribe(f, opts...)
}

// Unsubscribe detaches a subscription.
func (s *Session) Unsubscribe(sub *event.Subscription) {
	s.bus.Unsubscribe(sub)
}

// LoadWorker builds and attaches a worker for the agent spec. The worker
// gets its own SharedState with the spec's isolation policy, and a health
// judge starts alongside it.
func (s *Session) LoadWorker(spec AgentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStopped {
		return ErrStopped
	}
	if s.worker != nil {
		return fmt.Errorf("%w: %s", ErrWorkerLoaded, s.worker.Name())
	}

	st := state.New(spec.Isolation, s.bus)
	worker, err := NewWorker(WorkerConfig{
		Spec:        spec,
		Model:       s.mgr.cfg.Model,
		Registry:    s.mgr.cfg.Registry,
		Judge:       graph.NewJudge(s.mgr.cfg.JudgeModel, 0),
		Bus:         s.bus,
		State:       st,
		Router:      s.mgr.cfg.RouterModel,
		Pool:        s.mgr.cfg.Pool,
		Retry:       s.mgr.cfg.Retry,
		TurnTimeout: s.mgr.cfg.TurnTimeout,
	})
	if err != nil {
		return err
	}

	health := NewHealthJudge(s.id, s.bus, s.mgr.cfg.HealthInterval)
	health.Start(s.ctx)

	s.worker = worker
	s.health = health
	s.phase = PhaseWorkerLoaded
	return nil
}

// UnloadWorker tears down the worker and its health judge. The queen
// survives. Unloading a session with no worker is a no-op.
func (s *Session) UnloadWorker() {
	s.mu.Lock()
	worker, health := s.worker, s.health
	s.worker, s.health = nil, nil
	if worker != nil && s.phase != PhaseStopped {
		s.phase = PhaseWorkerUnloaded
	}
	s.mu.Unlock()

	if health != nil {
		health.Stop()
	}
	if worker != nil {
		worker.Stop()
	}
}

// Trigger starts an execution from the named entry point.
func (s *Session) Trigger(entryPointID string, input map[string]any) (string, error) {
	w := s.Worker()
	if w == nil {
		return "", ErrNoWorker
	}
	return w.Trigger(s.ctx, entryPointID, input)
}

// Inject delivers client input to a worker node blocked on it.
func (s *Session) Inject(nodeID, content string) bool {
	w := s.Worker()
	if w == nil {
		return false
	}
	return w.Inject(nodeID, content)
}

// Chat statuses.
const (
	ChatInjected = "injected"
	ChatQueen    = "queen"
)

// Chat routes a user message: a worker node blocked on client input wins,
// then the queen, else ErrNoChatTarget.
func (s *Session) Chat(message string) (string, error) {
	if w := s.Worker(); w != nil {
		if _, ok := w.InjectAny(message); ok {
			return ChatInjected, nil
		}
	}
	if s.queen != nil && s.queen.Deliver(message) {
		return ChatQueen, nil
	}
	return "", ErrNoChatTarget
}

// Pause suspends an execution at its next iteration boundary and flushes a
// checkpoint of the suspended state.
func (s *Session) Pause(executionID string) (string, error) {
	w := s.Worker()
	if w == nil {
		return "", ErrNoWorker
	}
	if err := w.Pause(executionID); err != nil {
		return "", err
	}
	cp, err := s.SaveCheckpoint(executionID)
	if err != nil {
		return "", err
	}
	return cp.CheckpointID, nil
}

// Cancel terminates an execution. Terminal: the execution cannot resume.
func (s *Session) Cancel(executionID string) error {
	w := s.Worker()
	if w == nil {
		return ErrNoWorker
	}
	return w.Cancel(executionID)
}

// Resume continues execution. With an empty checkpoint id every paused
// stream is released; otherwise the checkpoint is restored into shared state
// and a fresh execution starts from the snapshot's current node, returning
// the new execution id.
func (s *Session) Resume(checkpointID string) (string, error) {
	w := s.Worker()
	if w == nil {
		return "", ErrNoWorker
	}
	if checkpointID == "" {
		w.ResumePaused()
		return "", nil
	}
	return s.restoreCheckpoint(w, checkpointID)
}

// Replay re-executes from a checkpoint under a new execution id, regardless
// of how the original execution ended.
func (s *Session) Replay(checkpointID string) (string, error) {
	w := s.Worker()
	if w == nil {
		return "", ErrNoWorker
	}
	return s.restoreCheckpoint(w, checkpointID)
}

func (s *Session) restoreCheckpoint(w *Worker, checkpointID string) (string, error) {
	cp, err := s.checkpoints.Load(s.ctx, s.id, checkpointID)
	if err != nil {
		return "", err
	}
	if err := w.cfg.State.Restore(cp.State); err != nil {
		return "", fmt.Errorf("restore checkpoint %s: %w", checkpointID, err)
	}
	return w.Resume(s.ctx, cp.CurrentNode, cp.VisitCounts)
}

// SaveCheckpoint snapshots one execution: shared state, current node and
// visit counts. The checkpoint id is a fresh UUID, unique per session.
func (s *Session) SaveCheckpoint(executionID string) (checkpoint.Checkpoint, error) {
	w := s.Worker()
	if w == nil {
		return checkpoint.Checkpoint{}, ErrNoWorker
	}
	stream, ok := w.Stream(executionID)
	if !ok {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: %q", ErrUnknownExecution, executionID)
	}

	snapshot, err := w.cfg.State.Snapshot()
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("snapshot state: %w", err)
	}
	current, visits := stream.Progress()

	cp := checkpoint.Checkpoint{
		CheckpointID:  uuid.NewString(),
		SessionID:     s.id,
		ExecutionID:   executionID,
		CreatedAt:     time.Now().UTC(),
		State:         snapshot,
		Conversations: stream.Conversations(),
		CurrentNode:   current,
		VisitCounts:   visits,
	}
	if err := s.checkpoints.Save(s.ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return cp, nil
}

// Checkpoints lists the session's checkpoints in creation order.
func (s *Session) Checkpoints() ([]checkpoint.Checkpoint, error) {
	return s.checkpoints.List(s.ctx, s.id)
}

// Info is a point-in-time session summary for the HTTP surface.
type Info struct {
	SessionID    string             `json:"session_id"`
	Phase        Phase              `json:"phase"`
	CreatedAt    time.Time          `json:"created_at"`
	Worker       string             `json:"worker,omitempty"`
	Executions   []graph.StreamInfo `json:"executions,omitempty"`
	BlockedNodes []string           `json:"blocked_nodes,omitempty"`
	QueenBlocked bool               `json:"queen_blocked"`
}

// Info reports the session's current state.
func (s *Session) Info() Info {
	info := Info{
		SessionID: s.id,
		Phase:     s.Phase(),
		CreatedAt: s.createdAt,
	}
	if s.queen != nil {
		info.QueenBlocked = s.queen.Blocked()
	}
	if w := s.Worker(); w != nil {
		info.Worker = w.Name()
		for _, stream := range w.Streams() {
			info.Executions = append(info.Executions, stream.Status())
		}
		info.BlockedNodes = w.BlockedNodes()
	}
	return info
}

// Stop tears the session down in reverse creation order: the health judge,
// then the worker (flushing a checkpoint per live execution), then the
// queen, then the event log. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.phase == PhaseStopped {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseStopped
	worker, health := s.worker, s.health
	s.worker, s.health = nil, nil
	s.mu.Unlock()

	if health != nil {
		health.Stop()
	}
	if worker != nil {
		for _, stream := range worker.Streams() {
			if stream.Status().Status.Terminal() {
				continue
			}
			if _, err := s.flushCheckpoint(worker, stream); err != nil {
				s.mgr.cfg.Logger.Warn("flush checkpoint",
					"session_id", s.id,
					"execution_id", stream.ID(),
					"error", err)
			}
		}
		worker.Stop()
	}
	if s.queen != nil {
		s.queen.Stop()
	}
	for _, sub := range s.obsSubs {
		s.bus.Unsubscribe(sub)
	}
	if s.logSub != nil {
		s.bus.Unsubscribe(s.logSub)
	}
	if s.eventLog != nil {
		s.eventLog.Close()
	}
	s.cancel()
}

// flushCheckpoint snapshots a live stream during teardown, bypassing the
// worker lookup Stop has already torn out of the session.
func (s *Session) flushCheckpoint(w *Worker, stream *graph.ExecutionStream) (string, error) {
	snapshot, err := w.cfg.State.Snapshot()
	if err != nil {
		return "", err
	}
	current, visits := stream.Progress()
	cp := checkpoint.Checkpoint{
		CheckpointID:  uuid.NewString(),
		SessionID:     s.id,
		ExecutionID:   stream.ID(),
		CreatedAt:     time.Now().UTC(),
		State:         snapshot,
		Conversations: stream.Conversations(),
		CurrentNode:   current,
		VisitCounts:   visits,
	}
	if err := s.checkpoints.Save(s.ctx, cp); err != nil {
		return "", err
	}
	return cp.CheckpointID, nil
}

// queenDir resolves the queen persistence directory, empty when persistence
// is disabled.
func queenDir(root, sessionID string) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, sessionID)
}
