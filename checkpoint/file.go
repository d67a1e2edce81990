package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists checkpoints as one JSON blob per checkpoint under
// root/{session_id}/{checkpoint_id}.json. Writes go through a temp file and
// rename so a crash never leaves a torn checkpoint behind.
//
// When a TTL is configured, expired checkpoints are evicted lazily on Save
// and List.
type FileStore struct {
	root string
	ttl  time.Duration

	mu sync.Mutex // serializes per-process store operations
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithTTL enables eviction of checkpoints older than d. Zero disables
// eviction.
func WithTTL(d time.Duration) FileOption {
	return func(s *FileStore) { s.ttl = d }
}

// NewFileStore creates a file-backed checkpoint store rooted at root,
// typically ~/.hive/checkpoints.
func NewFileStore(root string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	s := &FileStore{root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *FileStore) path(sessionID, checkpointID string) string {
	return filepath.Join(s.sessionDir(sessionID), checkpointID+".json")
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.CheckpointID == "" || cp.SessionID == "" {
		return fmt.Errorf("checkpoint requires session and checkpoint ids")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(cp.SessionID)

	dst := s.path(cp.SessionID, cp.CheckpointID)
	if _, err := os.Stat(dst); err == nil {
		return ErrDuplicateID
	}

	dir := s.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cp-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, sessionID, checkpointID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(sessionID, checkpointID))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// List implements Store. Results are ordered by CreatedAt ascending, ties
// broken by checkpoint id for stability.
func (s *FileStore) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(sessionID)

	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var cps []Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), name))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue // torn or foreign file; skip
		}
		cps = append(cps, cp)
	}

	sort.Slice(cps, func(i, j int) bool {
		if cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CheckpointID < cps[j].CheckpointID
		}
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
	return cps, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, sessionID, checkpointID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(sessionID, checkpointID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements Store. The file store holds no persistent handles.
func (s *FileStore) Close() error { return nil }

// evictExpired removes checkpoints older than the TTL. Caller holds s.mu.
func (s *FileStore) evictExpired(sessionID string) {
	if s.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.sessionDir(sessionID), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		if cp.CreatedAt.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
