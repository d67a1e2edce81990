package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekit/hive/event"
)

func startHealthJudge(t *testing.T, bus event.Bus) *HealthJudge {
	t.Helper()
	h := NewHealthJudge("s1", bus, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Start(ctx)
	t.Cleanup(h.Stop)
	return h
}

func TestHealthJudge_EscalationTicket(t *testing.T) {
	bus := event.NewBus()

	sub := bus.Subscribe(event.Filter{Types: []event.Type{event.TypeWorkerEscalationTicket}})
	defer bus.Unsubscribe(sub)

	startHealthJudge(t, bus)

	fail := event.New(event.TypeExecutionFailed, map[string]any{"error": "boom"})
	fail.ExecutionID = "exec-1"
	bus.Publish(fail)

	ticket := waitEvent(t, sub, event.TypeWorkerEscalationTicket)
	assert.Equal(t, "s1", ticket.Data["session_id"])
	assert.Equal(t, 1, ticket.Data["failures"])
	assert.Equal(t, []string{"exec-1"}, ticket.Data["executions"])
}

func TestHealthJudge_QueenIntervention(t *testing.T) {
	bus := event.NewBus()

	sub := bus.Subscribe(event.Filter{Types: []event.Type{
		event.TypeQueenInterventionRequested, event.TypeWorkerEscalationTicket,
	}})
	defer bus.Unsubscribe(sub)

	startHealthJudge(t, bus)

	bus.Publish(event.New(event.TypeNodeToolDoomLoop, map[string]any{"tool": "search"}))

	e := waitEvent(t, sub, event.TypeQueenInterventionRequested)
	assert.Equal(t, 1, e.Data["pathologies"])

	// A doom loop alone never raises a worker escalation ticket.
	select {
	case got := <-sub.Events():
		require.NotEqual(t, event.TypeWorkerEscalationTicket, got.Type)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestHealthJudge_QuietWindowStaysSilent(t *testing.T) {
	bus := event.NewBus()

	sub := bus.Subscribe(event.Filter{Types: []event.Type{
		event.TypeWorkerEscalationTicket, event.TypeQueenInterventionRequested,
	}})
	defer bus.Unsubscribe(sub)

	startHealthJudge(t, bus)

	// Retries below the storm threshold cross no line.
	for i := 0; i < queenInterventionRetries-1; i++ {
		bus.Publish(event.New(event.TypeNodeRetry, map[string]any{"retry_count": i + 1}))
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected health event %s", e.Type)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestHealthJudge_WindowResetsPerTick(t *testing.T) {
	bus := event.NewBus()

	sub := bus.Subscribe(event.Filter{Types: []event.Type{event.TypeWorkerEscalationTicket}})
	defer bus.Unsubscribe(sub)

	startHealthJudge(t, bus)

	bus.Publish(event.New(event.TypeExecutionFailed, nil))
	waitEvent(t, sub, event.TypeWorkerEscalationTicket)

	// The failure was consumed by that tick; later ticks stay quiet.
	select {
	case e := <-sub.Events():
		t.Fatalf("stale window re-reported: %s", e.Type)
	case <-time.After(80 * time.Millisecond):
	}
}
