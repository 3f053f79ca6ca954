package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/veltaria/planrun/pkg/executors"
)

// TraceEvent is one line of the run trace.
type TraceEvent struct {
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	RunID     string                `json:"run_id"`
	StepID    string                `json:"step_id,omitempty"`
	State     string                `json:"state,omitempty"`
	Message   string                `json:"message,omitempty"`
	Result    *executors.StepResult `json:"result,omitempty"`
}

// TraceWriter appends trace events to a JSONL file, flushing and syncing
// after every event so the trace survives a crash mid-run. A nil writer is
// valid and discards everything.
type TraceWriter struct {
	mu    sync.Mutex
	file  *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	runID string
}

// NewTraceWriter opens (or creates) the trace file in append mode.
func NewTraceWriter(path, runID string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &TraceWriter{file: f, buf: buf, enc: json.NewEncoder(buf), runID: runID}, nil
}

// Write appends one event.
func (t *TraceWriter) Write(ev TraceEvent) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.RunID = t.runID
	if err := t.enc.Encode(ev); err != nil {
		return
	}
	t.buf.Flush()
	t.file.Sync()
}

// Transition records a step state change.
func (t *TraceWriter) Transition(stepID, state, message string) {
	t.Write(TraceEvent{Type: "transition", StepID: stepID, State: state, Message: message})
}

// Result records a completed step result.
func (t *TraceWriter) Result(r *executors.StepResult) {
	t.Write(TraceEvent{Type: "step_result", StepID: r.StepID, Result: r})
}

// Event records a run-level marker such as run_started or run_finished.
func (t *TraceWriter) Event(typ, message string) {
	t.Write(TraceEvent{Type: typ, Message: message})
}

// Close flushes and closes the underlying file.
func (t *TraceWriter) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Flush()
	return t.file.Close()
}
