// Package checkpoint persists immutable snapshots of execution state.
//
// A checkpoint captures everything needed to resume or replay an execution:
// the shared-state snapshot, in-flight node conversations, the current node,
// and per-node visit counts. Checkpoints are append-only, never rewritten
// once stored, and are keyed by (session id, checkpoint id).
//
// Three backends share the Store contract: a file store writing atomic JSON
// blobs (the default, used for the ~/.hive layout), a SQLite store for
// single-file durability, and a MySQL store for shared deployments.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// ErrDuplicateID is returned when a checkpoint id is reused within a
// session. Checkpoint ids are unique per session and immutable.
var ErrDuplicateID = errors.New("checkpoint id already exists")

// Turn mirrors a single conversation turn for snapshot purposes.
type Turn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Checkpoint is a durable snapshot of one execution.
type Checkpoint struct {
	CheckpointID  string            `json:"checkpoint_id"`
	SessionID     string            `json:"session_id"`
	ExecutionID   string            `json:"execution_id"`
	CreatedAt     time.Time         `json:"created_at"`
	State         map[string]any    `json:"shared_state_snapshot"`
	Conversations map[string][]Turn `json:"node_conversations_snapshot,omitempty"`
	CurrentNode   string            `json:"current_node"`
	VisitCounts   map[string]int    `json:"visit_counts"`
}

// Store is the persistence contract shared by all checkpoint backends.
// Operations for one session are serialized by the implementation.
type Store interface {
	// Save persists cp. Returns ErrDuplicateID if (SessionID,
	// CheckpointID) was already written; existing checkpoints are never
	// overwritten.
	Save(ctx context.Context, cp Checkpoint) error

	// Load retrieves one checkpoint, or ErrNotFound.
	Load(ctx context.Context, sessionID, checkpointID string) (Checkpoint, error)

	// List returns the session's checkpoints in creation order.
	List(ctx context.Context, sessionID string) ([]Checkpoint, error)

	// Delete removes a checkpoint. Deleting a missing checkpoint is a
	// no-op.
	Delete(ctx context.Context, sessionID, checkpointID string) error

	// Close releases backend resources.
	Close() error
}
