package event

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Log writes every bus event to a JSONL file, one JSON-encoded event per
// line. It is the opt-in debug log stored under ~/.hive/event_logs/.
//
// Attach it to a bus with:
//
//	lg, _ := event.NewLog(dir)
//	sub := bus.SubscribeFunc(event.Filter{}, lg.Write)
//	defer bus.Unsubscribe(sub)
//	defer lg.Close()
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLog creates a timestamped JSONL log file in dir, creating the
// directory if needed.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".jsonl"
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{file: f, path: path}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Write appends one event as a JSON line. Encoding or I/O failures are
// swallowed after a best-effort marker line; a debug log must never break
// the runtime.
func (l *Log) Write(e AgentEvent) {
	data, err := Encode(e)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"type":"custom","data":{"encode_error":%q}}`, err.Error()))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	_, _ = l.file.Write(append(data, '\n'))
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
