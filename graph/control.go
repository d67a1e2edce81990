package graph

import (
	"context"
	"sync"
)

// Controls carries the execution-scoped control surfaces into node loops:
// the pause gate checked between iterations and the router that delivers
// injected client input to blocked nodes.
type Controls struct {
	pause *pauseGate
	input *inputRouter
}

// NewControls creates an unpaused control set.
func NewControls() *Controls {
	return &Controls{
		pause: newPauseGate(),
		input: newInputRouter(),
	}
}

// Pause suspends execution at the next iteration boundary.
func (c *Controls) Pause() { c.pause.Pause() }

// Resume releases a paused execution.
func (c *Controls) Resume() { c.pause.Resume() }

// Paused reports whether the execution is suspended.
func (c *Controls) Paused() bool { return c.pause.Paused() }

// Inject delivers client input to a node blocked on client_input_requested.
// Returns false when no node with that id is waiting.
func (c *Controls) Inject(nodeID, content string) bool {
	return c.input.inject(nodeID, content)
}

// BlockedNodes lists the nodes currently awaiting client input.
func (c *Controls) BlockedNodes() []string { return c.input.blocked() }

// pauseGate suspends node loops between iterations. Wait returns
// immediately while unpaused.
type pauseGate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{}
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resumed = make(chan struct{})
}

func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumed)
}

func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused.
func (g *pauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		resumed := g.resumed
		g.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// inputRouter matches injected client input to nodes blocked on it. One
// waiter per node id.
type inputRouter struct {
	mu      sync.Mutex
	waiting map[string]chan string
}

func newInputRouter() *inputRouter {
	return &inputRouter{waiting: make(map[string]chan string)}
}

// await registers a waiter for nodeID and returns its delivery channel.
func (r *inputRouter) await(nodeID string) chan string {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.waiting[nodeID] = ch
	r.mu.Unlock()
	return ch
}

// release drops the waiter registration for nodeID.
func (r *inputRouter) release(nodeID string) {
	r.mu.Lock()
	delete(r.waiting, nodeID)
	r.mu.Unlock()
}

func (r *inputRouter) inject(nodeID, content string) bool {
	r.mu.Lock()
	ch, ok := r.waiting[nodeID]
	if ok {
		delete(r.waiting, nodeID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- content
	return true
}

func (r *inputRouter) blocked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.waiting))
	for id := range r.waiting {
		out = append(out, id)
	}
	return out
}
