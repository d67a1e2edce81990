package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hivekit/hive/event"
)

// DefaultHealthInterval is how often the health judge inspects recent
// worker events.
const DefaultHealthInterval = 30 * time.Second

// healthWindow caps how many recent events one tick evaluates.
const healthWindow = 256

// Escalation thresholds per tick window.
const (
	escalationTicketFailures = 1 // failures or escalations raising a ticket
	queenInterventionRetries = 5 // retry storm asking the queen to step in
)

// HealthJudge is the session's scheduled health evaluator: a ticker-driven
// observer of worker events that raises worker_escalation_ticket when
// executions fail or escalate, and queen_intervention_requested when the
// worker shows pathological behavior the user should hear about.
type HealthJudge struct {
	sessionID string
	bus       event.Bus
	interval  time.Duration

	mu     sync.Mutex
	recent []event.AgentEvent

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthJudge creates a health judge ticking at the given interval; zero
// selects DefaultHealthInterval.
func NewHealthJudge(sessionID string, bus event.Bus, interval time.Duration) *HealthJudge {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthJudge{
		sessionID: sessionID,
		bus:       bus,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// watchedTypes are the worker events the health judge cares about.
var watchedTypes = []event.Type{
	event.TypeExecutionFailed,
	event.TypeEscalationRequested,
	event.TypeNodeStalled,
	event.TypeNodeToolDoomLoop,
	event.TypeNodeRetry,
	event.TypeStateConflict,
}

// Start launches the collector and the tick loop.
func (h *HealthJudge) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	sub := h.bus.Subscribe(event.Filter{Types: watchedTypes}, event.WithQueueSize(healthWindow))

	go func() {
		defer close(h.done)
		defer h.bus.Unsubscribe(sub)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				h.record(e)
			case <-ticker.C:
				h.evaluate()
			}
		}
	}()
}

// Stop halts the judge and waits for the tick loop to exit.
func (h *HealthJudge) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *HealthJudge) record(e event.AgentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, e)
	if len(h.recent) > healthWindow {
		h.recent = h.recent[len(h.recent)-healthWindow:]
	}
}

// evaluate inspects the events collected since the previous tick and emits
// escalation events when thresholds are crossed. The window resets per tick.
func (h *HealthJudge) evaluate() {
	h.mu.Lock()
	window := h.recent
	h.recent = nil
	h.mu.Unlock()
	if len(window) == 0 {
		return
	}

	var failures, escalations, pathologies, retries, conflicts int
	executions := map[string]bool{}
	for _, e := range window {
		if e.ExecutionID != "" {
			executions[e.ExecutionID] = true
		}
		switch e.Type {
		case event.TypeExecutionFailed:
			failures++
		case event.TypeEscalationRequested:
			escalations++
		case event.TypeNodeStalled, event.TypeNodeToolDoomLoop:
			pathologies++
		case event.TypeNodeRetry:
			retries++
		case event.TypeStateConflict:
			conflicts++
		}
	}

	affected := make([]string, 0, len(executions))
	for id := range executions {
		affected = append(affected, id)
	}

	if failures+escalations+conflicts >= escalationTicketFailures {
		h.bus.Publish(event.New(event.TypeWorkerEscalationTicket, map[string]any{
			"session_id":  h.sessionID,
			"failures":    failures,
			"escalations": escalations,
			"conflicts":   conflicts,
			"executions":  affected,
			"summary":     fmt.Sprintf("%d failed, %d escalated, %d state conflicts in the last window", failures, escalations, conflicts),
		}))
	}

	if pathologies > 0 || retries >= queenInterventionRetries {
		h.bus.Publish(event.New(event.TypeQueenInterventionRequested, map[string]any{
			"session_id":  h.sessionID,
			"pathologies": pathologies,
			"retries":     retries,
			"executions":  affected,
			"summary":     fmt.Sprintf("%d pathologies, %d retries in the last window", pathologies, retries),
		}))
	}
}
