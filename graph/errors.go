package graph

import (
	"errors"
	"fmt"
)

// ErrIterationBudget indicates that a node's event loop reached its
// iteration cap without an accepting verdict.
var ErrIterationBudget = errors.New("iteration budget exhausted")

// ErrVisitCap indicates that the executor would enter a node beyond its
// max visit count. The offending edge fails; if no other edge matches the
// execution fails with this error.
var ErrVisitCap = errors.New("visit cap exceeded")

// ErrNoProgress indicates a node failed and no on_failure edge matched.
var ErrNoProgress = errors.New("node failed with no matching on_failure edge")

// PathologyError reports a detected node pathology: a stall (identical
// assistant output across consecutive turns) or a tool doom loop (identical
// tool call repeated with non-error results).
type PathologyError struct {
	NodeID      string
	Kind        string // "stall" or "doom_loop"
	Description string
}

func (e *PathologyError) Error() string {
	return fmt.Sprintf("node %s %s: %s", e.NodeID, e.Kind, e.Description)
}

// EscalationError carries an escalate_to_coder invocation or an ESCALATE
// verdict out of the node loop.
type EscalationError struct {
	NodeID string
	Reason string
	Detail string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("node %s escalated: %s", e.NodeID, e.Reason)
}
