// Package audit writes the append-only action log: every device dispatch,
// mapping reload, and sequence run lands here as one JSON line.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	Actor     string                 `json:"actor"`
	Node      string                 `json:"node,omitempty"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	LatencyMs float64                `json:"latencyMs"`
}

// Logger appends audit entries to a JSONL file. Safe for concurrent use.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewLogger opens (creating if needed) the audit log under dir.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	path := filepath.Join(dir, "audit.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &Logger{path: path, file: file}, nil
}

// LogAction records one completed action.
func (l *Logger) LogAction(actor, node, action string, params map[string]interface{}, outcome string, latency time.Duration) {
	l.write(Entry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Node:      node,
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		LatencyMs: float64(latency.Microseconds()) / 1000.0,
	})
}

func (l *Logger) write(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal audit entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write audit entry: %v\n", err)
		return
	}
	if err := l.file.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to sync audit log: %v\n", err)
	}
}

// Path returns the audit log file path.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the underlying file. Further writes are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
