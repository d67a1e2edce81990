package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/hivekit/hive/checkpoint"
	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/tool"
)

// Manager errors.
var (
	ErrSessionExists   = errors.New("session id already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Config wires the services every session shares.
type Config struct {
	// Model drives queen and worker node loops.
	Model model.ChatModel

	// QueenModel overrides Model for the queen's conversation. Nil falls
	// back to Model.
	QueenModel model.ChatModel

	// JudgeModel drives the LLM judge stage. Nil disables it; rule verdicts
	// and the implicit CONTINUE still apply.
	JudgeModel model.ChatModel

	// RouterModel answers router-edge decisions. Nil falls back to Model.
	RouterModel model.ChatModel

	// Registry holds the tools available to all sessions.
	Registry *tool.Registry

	// Checkpoints persists execution snapshots. Required.
	Checkpoints checkpoint.Store

	// Pool runs parallel graph branches; nil falls back to goroutines.
	Pool *ants.Pool

	Retry       graph.RetryPolicy
	TurnTimeout time.Duration

	// HealthInterval is the health judge tick period; zero selects
	// DefaultHealthInterval.
	HealthInterval time.Duration

	// QueenPrompt overrides DefaultQueenPrompt.
	QueenPrompt string

	// QueenTools lists registry tools offered to the queen.
	QueenTools []string

	// QueenRoot is the queen conversation persistence root, typically
	// ~/.hive/queen/session. Empty disables persistence.
	QueenRoot string

	// EventLogDir enables the JSONL event debug log when set.
	EventLogDir string

	// Observers attach to every session bus at creation and detach on
	// Stop. Cross-cutting consumers like the metrics runtime and the
	// OpenTelemetry bridge plug in here.
	Observers []Observer

	Logger *slog.Logger
}

// Observer subscribes a cross-session consumer to one session's bus and
// returns the subscription to detach at session stop.
type Observer func(bus event.Bus) *event.Subscription

// Manager namespaces sessions by id. It is the only holder of session
// handles; there is no process-global session state.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Checkpoints == nil {
		return nil, errors.New("session manager requires a checkpoint store")
	}
	if cfg.Registry == nil {
		cfg.Registry = tool.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}, nil
}

// CreateSession creates a session and starts its queen. An empty id gets a
// fresh UUID; a taken id returns ErrSessionExists.
func (m *Manager) CreateSession(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, taken := m.sessions[id]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, id)
	}
	// Reserve the id before the queen starts so concurrent creates with the
	// same id race on the map, not on half-built sessions.
	m.sessions[id] = nil
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	bus := event.NewBus(event.WithLogger(m.cfg.Logger))

	s := &Session{
		id:          id,
		createdAt:   time.Now().UTC(),
		bus:         bus,
		checkpoints: m.cfg.Checkpoints,
		mgr:         m,
		ctx:         ctx,
		cancel:      cancel,
		phase:       PhaseCreated,
	}

	if m.cfg.EventLogDir != "" {
		lg, err := event.NewLog(m.cfg.EventLogDir)
		if err != nil {
			m.cfg.Logger.Warn("event log disabled", "session_id", id, "error", err)
		} else {
			s.eventLog = lg
			s.logSub = bus.SubscribeFunc(event.Filter{}, lg.Write)
		}
	}

	for _, observe := range m.cfg.Observers {
		if sub := observe(bus); sub != nil {
			s.obsSubs = append(s.obsSubs, sub)
		}
	}

	queenModel := m.cfg.QueenModel
	if queenModel == nil {
		queenModel = m.cfg.Model
	}
	if queenModel != nil {
		s.queen = NewQueen(QueenConfig{
			SessionID:    id,
			Model:        queenModel,
			Registry:     m.cfg.Registry,
			Bus:          bus,
			SystemPrompt: m.cfg.QueenPrompt,
			Tools:        m.cfg.QueenTools,
			Dir:          queenDir(m.cfg.QueenRoot, id),
			Retry:        m.cfg.Retry,
			Logger:       m.cfg.Logger,
		})
		if err := s.queen.Start(ctx); err != nil {
			cancel()
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			return nil, err
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.cfg.Logger.Info("session created", "session_id", id)
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok && s != nil
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// DestroySession stops a session and removes it from the manager.
func (m *Manager) DestroySession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok || s == nil {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}

	s.Stop()
	m.cfg.Logger.Info("session destroyed", "session_id", id)
	return nil
}

// Shutdown stops every session.
func (m *Manager) Shutdown() {
	for _, s := range m.Sessions() {
		s.Stop()
	}
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}
