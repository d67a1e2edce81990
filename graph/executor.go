package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/panjf2000/ants/v2"

	"github.com/hivekit/hive/checkpoint"
	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/state"
	"github.com/hivekit/hive/tool"
)

// stateAccessor is the executor's view of shared state. Branch runs swap in
// a staged accessor so parallel writes stay buffered until the join merge.
type stateAccessor interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Snapshot() map[string]any
}

// directState reads and writes the session state for one execution.
// Synchronized isolation takes the per-key advisory lock around each write.
type directState struct {
	state       *state.SharedState
	executionID string
}

func (d directState) Get(key string) (any, bool) {
	return d.state.Get(d.executionID, key)
}

func (d directState) Set(key string, value any) {
	d.state.LockKey(key)
	d.state.Set(d.executionID, key, value)
	d.state.UnlockKey(key)
}

func (d directState) Snapshot() map[string]any {
	snap, err := d.state.Snapshot()
	if err != nil {
		return map[string]any{}
	}
	return snap
}

// stagedState overlays one branch's staged writes on the base state.
type stagedState struct {
	stage       *state.Stage
	executionID string
}

func (s stagedState) Get(key string) (any, bool) {
	return s.stage.Get(s.executionID, key)
}

func (s stagedState) Set(key string, value any) {
	s.stage.Set(key, value)
}

func (s stagedState) Snapshot() map[string]any {
	snap := map[string]any{}
	for _, key := range s.stage.Keys() {
		if v, ok := s.stage.Get(s.executionID, key); ok {
			snap[key] = v
		}
	}
	return snap
}

// ExecutorConfig wires a graph to the runtime services it executes against.
type ExecutorConfig struct {
	Graph    GraphSpec
	Model    model.ChatModel
	Registry *tool.Registry
	Judge    *Judge
	Bus      event.Bus
	State    *state.SharedState

	// Router answers routing decisions on router edges. Nil falls back to
	// Model.
	Router model.ChatModel

	// Pool runs parallel branches. Nil falls back to plain goroutines.
	Pool *ants.Pool

	// Retry governs transient LLM failures inside node loops.
	Retry RetryPolicy

	// TurnTimeout is passed through to node event loops.
	TurnTimeout time.Duration

	Controls *Controls
	Rand     *rand.Rand
}

// Executor walks a validated graph node by node: it runs each node through
// its event loop or function handler, retries failures from scratch within
// the node's retry budget, selects the next edge, and fans out parallel
// branches onto staged state.
type Executor struct {
	cfg  ExecutorConfig
	back map[edgeKey]bool

	visitMu sync.Mutex
	visits  map[string]int
	current string

	convMu sync.Mutex
	convs  map[string]*Conversation
}

// NewExecutor validates the graph and builds an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Graph.Validate(); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		cfg.Registry = tool.NewRegistry()
	}
	if cfg.Router == nil {
		cfg.Router = cfg.Model
	}
	return &Executor{
		cfg:    cfg,
		back:   cfg.Graph.BackEdges(),
		visits: make(map[string]int),
		convs:  make(map[string]*Conversation),
	}, nil
}

// Run executes the graph for one execution id, starting at entry (empty
// selects the graph's entry node). It returns nil when a node with no
// matching outgoing edge completes successfully.
func (x *Executor) Run(ctx context.Context, executionID, entry string) error {
	if entry == "" {
		entry = x.cfg.Graph.Entry
	}
	if _, ok := x.cfg.Graph.Node(entry); !ok {
		return x.fail(executionID, &ConfigError{GraphID: x.cfg.Graph.ID, Reason: fmt.Sprintf("entry node %q does not exist", entry)})
	}

	x.publish(executionID, event.TypeExecutionStarted, map[string]any{
		"graph_id": x.cfg.Graph.ID,
		"entry":    entry,
	})

	acc := directState{state: x.cfg.State, executionID: executionID}
	err := x.walk(ctx, executionID, entry, "", acc)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return x.fail(executionID, err)
	}

	x.publish(executionID, event.TypeExecutionCompleted, map[string]any{
		"graph_id": x.cfg.Graph.ID,
	})
	return nil
}

func (x *Executor) fail(executionID string, err error) error {
	x.publish(executionID, event.TypeExecutionFailed, map[string]any{
		"graph_id": x.cfg.Graph.ID,
		"error":    err.Error(),
	})
	return err
}

// walk runs nodes sequentially from current until no edge matches or stop is
// reached (branch runs stop just before the join node).
func (x *Executor) walk(ctx context.Context, executionID, current, stop string, acc stateAccessor) error {
	for current != "" && current != stop {
		node, _ := x.cfg.Graph.Node(current)

		if err := x.countVisit(node); err != nil {
			return err
		}

		result := x.runNodeWithRetries(ctx, executionID, node, acc)
		switch result.Status {
		case StatusCancelled:
			return result.Err
		case StatusEscalated:
			return result.Err
		}
		success := result.Status == StatusSuccess
		if success {
			for _, ok := range node.OutputKeys {
				if v, set := result.Outputs[ok.Key]; set {
					acc.Set(ok.Key, v)
				}
			}
		}

		next, parallel, err := x.selectEdges(ctx, node.ID, success, acc)
		if err != nil {
			return err
		}
		if len(parallel) > 1 {
			joined, err := x.runParallel(ctx, executionID, parallel)
			if err != nil {
				return err
			}
			current = joined
			continue
		}
		if next == nil {
			if success {
				return nil
			}
			return result.Err
		}
		x.traverse(executionID, *next)
		current = next.Target
	}
	return nil
}

// Progress reports the node most recently entered and a copy of per-node
// visit counts. Used for checkpoints and the topology endpoint.
func (x *Executor) Progress() (current string, visits map[string]int) {
	x.visitMu.Lock()
	defer x.visitMu.Unlock()
	visits = make(map[string]int, len(x.visits))
	for id, n := range x.visits {
		visits[id] = n
	}
	return x.current, visits
}

func (x *Executor) countVisit(node NodeSpec) error {
	x.visitMu.Lock()
	defer x.visitMu.Unlock()
	x.current = node.ID
	x.visits[node.ID]++
	if node.MaxVisits > 0 && x.visits[node.ID] > node.MaxVisits {
		return fmt.Errorf("node %s: %w (%d visits, cap %d)", node.ID, ErrVisitCap, x.visits[node.ID], node.MaxVisits)
	}
	return nil
}

// runNodeWithRetries re-enters a failed node from scratch, with a fresh
// conversation, up to the node's retry budget. Escalations and cancellation
// are never retried.
func (x *Executor) runNodeWithRetries(ctx context.Context, executionID string, node NodeSpec, acc stateAccessor) NodeResult {
	var result NodeResult
	for attempt := 0; ; attempt++ {
		result = x.runNode(ctx, executionID, node, acc)
		if result.Status != StatusFailed || attempt >= node.MaxRetries {
			return result
		}
		e := event.New(event.TypeNodeRetry, map[string]any{
			"retry_count": attempt + 1,
			"max_retries": node.MaxRetries,
			"scope":       "node",
			"error":       errString(result.Err),
		})
		e.NodeID = node.ID
		e.ExecutionID = executionID
		x.cfg.Bus.Publish(e)
	}
}

func (x *Executor) runNode(ctx context.Context, executionID string, node NodeSpec, acc stateAccessor) NodeResult {
	inputs := x.resolveInputs(node, acc)

	if node.Type == NodeFunction {
		return x.runFunction(ctx, executionID, node, inputs)
	}

	loop := NewEventLoop(LoopConfig{
		Node:        node,
		Model:       x.cfg.Model,
		Registry:    x.cfg.Registry,
		Judge:       x.cfg.Judge,
		Bus:         x.cfg.Bus,
		ExecutionID: executionID,
		Retry:       x.cfg.Retry,
		TurnTimeout: x.cfg.TurnTimeout,
		Controls:    x.cfg.Controls,
		Rand:        x.cfg.Rand,
	})
	conv := NewConversation(node.ID)
	x.convMu.Lock()
	x.convs[node.ID] = conv
	x.convMu.Unlock()

	result := loop.Run(ctx, conv, inputs)

	x.convMu.Lock()
	delete(x.convs, node.ID)
	x.convMu.Unlock()
	conv.Clear()
	return result
}

// Conversations snapshots the turn logs of nodes currently in flight, keyed
// by node id. Used for checkpoints.
func (x *Executor) Conversations() map[string][]checkpoint.Turn {
	x.convMu.Lock()
	defer x.convMu.Unlock()
	out := make(map[string][]checkpoint.Turn, len(x.convs))
	for id, conv := range x.convs {
		out[id] = conv.Turns()
	}
	return out
}

// runFunction executes a function node synchronously. Its returned map is
// filtered to the declared output keys; missing non-nullable keys fail the
// node.
func (x *Executor) runFunction(ctx context.Context, executionID string, node NodeSpec, inputs map[string]any) NodeResult {
	emit := func(t event.Type, data map[string]any) {
		e := event.New(t, data)
		e.NodeID = node.ID
		e.ExecutionID = executionID
		x.cfg.Bus.Publish(e)
	}

	emit(event.TypeNodeLoopStarted, map[string]any{"max_iterations": 1})
	emit(event.TypeNodeLoopIteration, map[string]any{"iteration": 1})

	out, err := node.Func(ctx, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return NodeResult{Status: StatusCancelled, Iterations: 1, Err: ctx.Err()}
		}
		emit(event.TypeNodeLoopCompleted, map[string]any{"iterations": 1, "status": string(StatusFailed)})
		return NodeResult{Status: StatusFailed, Iterations: 1, Err: fmt.Errorf("function node %s: %w", node.ID, err)}
	}

	outputs := map[string]any{}
	var missing []string
	for _, ok := range node.OutputKeys {
		v, set := out[ok.Key]
		if !set {
			if !ok.Nullable {
				missing = append(missing, ok.Key)
			}
			continue
		}
		outputs[ok.Key] = v
		emit(event.TypeOutputKeySet, map[string]any{"key": ok.Key, "value": v})
	}
	if len(missing) > 0 {
		emit(event.TypeNodeLoopCompleted, map[string]any{"iterations": 1, "status": string(StatusFailed)})
		return NodeResult{
			Outputs: outputs, Status: StatusFailed, Iterations: 1,
			Err: fmt.Errorf("function node %s: missing keys: %s", node.ID, strings.Join(missing, ", ")),
		}
	}

	emit(event.TypeNodeLoopCompleted, map[string]any{"iterations": 1, "status": string(StatusSuccess)})
	return NodeResult{Outputs: outputs, Status: StatusSuccess, Iterations: 1}
}

func (x *Executor) resolveInputs(node NodeSpec, acc stateAccessor) map[string]any {
	inputs := map[string]any{}
	for _, key := range node.InputKeys {
		if v, ok := acc.Get(key); ok {
			inputs[key] = v
		}
	}
	return inputs
}

// selectEdges picks the next edge after a node finishes. Edges are evaluated
// in ascending priority; the first match wins. When several edges match at
// the winning priority, they fan out in parallel. A router match defers the
// choice to the routing model. A matching edge whose target is already at
// its visit cap is skipped so lower-priority edges get a chance; when every
// matching edge is capped the first one proceeds and fails at node entry.
func (x *Executor) selectEdges(ctx context.Context, nodeID string, success bool, acc stateAccessor) (*EdgeSpec, []EdgeSpec, error) {
	outgoing := x.cfg.Graph.Outgoing(nodeID)
	snapshot := acc.Snapshot()

	var matched, capped []EdgeSpec
	for _, e := range outgoing {
		if len(matched) > 0 && e.Priority != matched[0].Priority {
			break
		}
		if !x.edgeMatches(e, success, snapshot) {
			continue
		}
		if x.capReached(e.Target) {
			capped = append(capped, e)
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) == 0 {
		if len(capped) > 0 {
			// No alternative: let countVisit report the violation.
			return &capped[0], nil, nil
		}
		return nil, nil, nil
	}

	if matched[0].Condition == CondRouter {
		chosen, err := x.route(ctx, matched, snapshot)
		if err != nil {
			return nil, nil, err
		}
		return chosen, nil, nil
	}
	if len(matched) > 1 {
		return nil, matched, nil
	}
	return &matched[0], nil, nil
}

// capReached reports whether entering target would exceed its visit cap.
func (x *Executor) capReached(target string) bool {
	node, ok := x.cfg.Graph.Node(target)
	if !ok || node.MaxVisits <= 0 {
		return false
	}
	x.visitMu.Lock()
	defer x.visitMu.Unlock()
	return x.visits[target]+1 > node.MaxVisits
}

func (x *Executor) edgeMatches(e EdgeSpec, success bool, snapshot map[string]any) bool {
	switch e.Condition {
	case CondAlways, "":
		return true
	case CondOnSuccess:
		return success
	case CondOnFailure:
		return !success
	case CondConditional:
		return e.When(snapshot)
	case CondRouter:
		return true
	}
	return false
}

// routerDecision is the JSON shape the routing model answers with.
type routerDecision struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// route asks the routing model to pick one target among the matched router
// edges.
func (x *Executor) route(ctx context.Context, edges []EdgeSpec, snapshot map[string]any) (*EdgeSpec, error) {
	targets := make([]string, 0, len(edges))
	byTarget := make(map[string]*EdgeSpec, len(edges))
	for i := range edges {
		targets = append(targets, edges[i].Target)
		byTarget[edges[i].Target] = &edges[i]
	}
	if len(edges) == 1 {
		return &edges[0], nil
	}
	if x.cfg.Router == nil {
		return nil, fmt.Errorf("router edge from %s: no routing model configured", edges[0].Source)
	}

	stateJSON, _ := json.MarshalIndent(snapshot, "", "  ")
	var b strings.Builder
	if edges[0].RouterPrompt != "" {
		b.WriteString(edges[0].RouterPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Choose the next node among: %s\n\nCurrent state:\n%s\n", strings.Join(targets, ", "), stateJSON)
	b.WriteString(`Answer with a single JSON object: {"target": "<node id>", "reason": "..."}`)

	resp, err := x.cfg.Router.StreamChat(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "You route execution through an agent graph. Answer with JSON only."},
			{Role: model.RoleUser, Content: b.String()},
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("router edge from %s: %w", edges[0].Source, err)
	}

	decision, err := parseRoute(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("router edge from %s: %w", edges[0].Source, err)
	}
	chosen, ok := byTarget[decision.Target]
	if !ok {
		return nil, fmt.Errorf("router edge from %s: model chose unknown target %q", edges[0].Source, decision.Target)
	}
	return chosen, nil
}

func parseRoute(text string) (routerDecision, error) {
	var d routerDecision
	candidate := extractJSON(text)
	if err := json.Unmarshal([]byte(candidate), &d); err == nil && d.Target != "" {
		return d, nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return routerDecision{}, fmt.Errorf("unparseable routing decision %q: %w", text, err)
	}
	if err := json.Unmarshal([]byte(repaired), &d); err != nil || d.Target == "" {
		return routerDecision{}, fmt.Errorf("unparseable routing decision %q", text)
	}
	return d, nil
}

// runParallel fans matched edges out as concurrent branches. Each branch
// walks on a staged copy of state until just before the nearest common
// descendant of the branch targets; the stages merge at the join. It returns
// the join node, or "" when the branches have no common descendant.
func (x *Executor) runParallel(ctx context.Context, executionID string, edges []EdgeSpec) (string, error) {
	targets := make([]string, len(edges))
	for i, e := range edges {
		targets[i] = e.Target
		x.traverse(executionID, e)
	}
	join := x.joinNode(targets)

	stages := make([]*state.Stage, len(edges))
	errs := make([]error, len(edges))
	var wg sync.WaitGroup

	for i := range edges {
		i := i
		stage := x.cfg.State.NewStage(edges[i].Target)
		stages[i] = stage
		branch := func() {
			defer wg.Done()
			acc := stagedState{stage: stage, executionID: executionID}
			errs[i] = x.walk(ctx, executionID, edges[i].Target, join, acc)
		}
		wg.Add(1)
		if x.cfg.Pool != nil {
			if err := x.cfg.Pool.Submit(branch); err != nil {
				wg.Done()
				errs[i] = fmt.Errorf("submit branch %s: %w", edges[i].Target, err)
			}
		} else {
			go branch()
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return "", err
		}
	}
	if err := x.cfg.State.Merge(executionID, stages); err != nil {
		return "", err
	}
	return join, nil
}

// joinNode finds the nearest common descendant of the branch targets: the
// node reachable from every target with the smallest combined distance.
func (x *Executor) joinNode(targets []string) string {
	depths := make([]map[string]int, len(targets))
	for i, t := range targets {
		depths[i] = x.bfsDepths(t)
	}

	best := ""
	bestSum := 0
	for node, d0 := range depths[0] {
		sum := d0
		common := true
		for _, dm := range depths[1:] {
			d, ok := dm[node]
			if !ok {
				common = false
				break
			}
			sum += d
		}
		if !common {
			continue
		}
		if best == "" || sum < bestSum || (sum == bestSum && node < best) {
			best = node
			bestSum = sum
		}
	}
	return best
}

// bfsDepths maps every node reachable from start to its BFS distance.
// Descendants only: start itself is excluded unless reachable via a cycle.
func (x *Executor) bfsDepths(start string) map[string]int {
	depths := map[string]int{}
	queue := []string{start}
	depth := map[string]int{start: 0}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range x.cfg.Graph.Edges {
			if e.Source != cur {
				continue
			}
			if _, seen := depth[e.Target]; seen {
				continue
			}
			depth[e.Target] = depth[cur] + 1
			depths[e.Target] = depth[cur] + 1
			queue = append(queue, e.Target)
		}
	}
	return depths
}

func (x *Executor) traverse(executionID string, e EdgeSpec) {
	x.publish(executionID, event.TypeEdgeTraversed, map[string]any{
		"source":    e.Source,
		"target":    e.Target,
		"condition": string(e.Condition),
		"back":      x.back[edgeKey{e.Source, e.Target}],
	})
}

func (x *Executor) publish(executionID string, t event.Type, data map[string]any) {
	e := event.New(t, data)
	e.ExecutionID = executionID
	e.GraphID = x.cfg.Graph.ID
	x.cfg.Bus.Publish(e)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
