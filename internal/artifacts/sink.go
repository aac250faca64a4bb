// Package artifacts persists per-task inputs, outputs, and event logs as
// plain files. Every write is best-effort: a full disk must never fail a
// task.
package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/maximhar/oh-my-pi/internal/wire"
)

// Sink writes artifacts under baseDir/<batchID>/<taskID>/.
type Sink struct {
	mu      sync.Mutex
	baseDir string
	logs    map[string]*os.File
}

func NewSink(baseDir string) *Sink {
	return &Sink{baseDir: baseDir, logs: make(map[string]*os.File)}
}

func (s *Sink) taskDir(batchID, taskID string) string {
	return filepath.Join(s.baseDir, batchID, taskID)
}

// WriteInput records the task's prompt text. Returns the path written, or ""
// on failure.
func (s *Sink) WriteInput(batchID, taskID, text string) string {
	return s.writeFile(batchID, taskID, "input.md", text)
}

// WriteOutput records the task's assembled output. Returns the path written,
// or "" on failure.
func (s *Sink) WriteOutput(batchID, taskID, text string) string {
	return s.writeFile(batchID, taskID, "output.md", text)
}

func (s *Sink) writeFile(batchID, taskID, name, text string) string {
	dir := s.taskDir(batchID, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("artifact dir creation failed", "dir", dir, "error", err)
		return ""
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		slog.Warn("artifact write failed", "path", path, "error", err)
		return ""
	}
	return path
}

// AppendEvent appends one canonical event to the task's events.jsonl. The
// log file stays open until CloseTask.
func (s *Sink) AppendEvent(batchID, taskID string, ev wire.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := batchID + "/" + taskID
	f, ok := s.logs[key]
	if !ok {
		dir := s.taskDir(batchID, taskID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("artifact dir creation failed", "dir", dir, "error", err)
			return
		}
		var err error
		f, err = os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("event log open failed", "task_id", taskID, "error", err)
			return
		}
		s.logs[key] = f
	}

	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("event log marshal failed", "task_id", taskID, "error", err)
		return
	}
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		slog.Warn("event log append failed", "task_id", taskID, "error", err)
	}
}

// CloseTask closes the task's event log, if open.
func (s *Sink) CloseTask(batchID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := batchID + "/" + taskID
	if f, ok := s.logs[key]; ok {
		f.Close()
		delete(s.logs, key)
	}
}
