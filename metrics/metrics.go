// Package metrics exposes Prometheus collectors for the hive runtime.
//
// Runtime translates bus events into metric updates: attach it to each
// session bus with Observe and scrape the registry via promhttp. All metrics
// are namespaced "hive_".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hivekit/hive/event"
)

// Runtime holds the runtime's metric collectors.
type Runtime struct {
	sessionsActive prometheus.Gauge
	events         *prometheus.CounterVec
	executions     *prometheus.CounterVec
	nodeIterations prometheus.Counter
	judgeVerdicts  *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	retries        prometheus.Counter
	pathologies    *prometheus.CounterVec
	sseDropped     prometheus.Counter
}

// New registers the runtime collectors with reg.
func New(reg prometheus.Registerer) *Runtime {
	factory := promauto.With(reg)
	return &Runtime{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hive_sessions_active",
			Help: "Number of live sessions.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_events_total",
			Help: "Bus events observed, by event type.",
		}, []string{"type"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_executions_total",
			Help: "Execution lifecycle transitions, by outcome.",
		}, []string{"outcome"}),
		nodeIterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "hive_node_iterations_total",
			Help: "Node event loop iterations.",
		}),
		judgeVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_judge_verdicts_total",
			Help: "Judge verdicts, by action and judge stage.",
		}, []string{"action", "judge_type"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_tool_calls_total",
			Help: "Completed tool calls, by tool and error flag.",
		}, []string{"tool", "is_error"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "hive_retries_total",
			Help: "Node and LLM retry attempts.",
		}),
		pathologies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_pathologies_total",
			Help: "Detected node pathologies, by kind.",
		}, []string{"kind"}),
		sseDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "hive_sse_dropped_events_total",
			Help: "Events shed from SSE subscriber queues on overflow.",
		}),
	}
}

// SessionOpened increments the live-session gauge.
func (r *Runtime) SessionOpened() { r.sessionsActive.Inc() }

// SessionClosed decrements the live-session gauge.
func (r *Runtime) SessionClosed() { r.sessionsActive.Dec() }

// AddSSEDropped records events shed from an SSE subscriber queue.
func (r *Runtime) AddSSEDropped(n uint64) { r.sseDropped.Add(float64(n)) }

// Observe attaches the runtime to a session bus. Every published event
// updates the collectors; the returned subscription should be passed to
// Unsubscribe when the session stops.
func (r *Runtime) Observe(bus event.Bus) *event.Subscription {
	return bus.SubscribeFunc(event.Filter{}, r.Handle)
}

// Handle updates collectors for one event.
func (r *Runtime) Handle(e event.AgentEvent) {
	r.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case event.TypeExecutionStarted:
		r.executions.WithLabelValues("started").Inc()
	case event.TypeExecutionCompleted:
		r.executions.WithLabelValues("completed").Inc()
	case event.TypeExecutionFailed:
		r.executions.WithLabelValues("failed").Inc()
	case event.TypeNodeLoopIteration:
		r.nodeIterations.Inc()
	case event.TypeNodeRetry:
		r.retries.Inc()
	case event.TypeNodeStalled:
		r.pathologies.WithLabelValues("stall").Inc()
	case event.TypeNodeToolDoomLoop:
		r.pathologies.WithLabelValues("doom_loop").Inc()
	case event.TypeJudgeVerdict:
		action, _ := e.Data["action"].(string)
		judgeType, _ := e.Data["judge_type"].(string)
		r.judgeVerdicts.WithLabelValues(action, judgeType).Inc()
	case event.TypeToolCallCompleted:
		name, _ := e.Data["tool_name"].(string)
		isErr, _ := e.Data["is_error"].(bool)
		flag := "false"
		if isErr {
			flag = "true"
		}
		r.toolCalls.WithLabelValues(name, flag).Inc()
	}
}
