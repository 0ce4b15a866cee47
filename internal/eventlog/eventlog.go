package eventlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/featbit/vibeguild-sub001/internal/ndjson"
)

// Stream names used in log entries
const (
	StreamStdout     = "stdout"
	StreamStderr     = "stderr"
	StreamSupervisor = "supervisor"
)

// maxLineBytes caps a single logged line so one entry always fits the
// NDJSON size limit.
const maxLineBytes = 64 * 1024

// Entry is one annotated line of worker or supervisor output
type Entry struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Truncated bool      `json:"truncated,omitempty"`
}

// EventLog appends entries to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	runID   string
	mu      sync.Mutex
}

// NewEventLog opens (or creates) the append-only log at logPath
func NewEventLog(logPath, runID string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		runID:   runID,
	}, nil
}

// Write appends one line for the given stream
func (l *EventLog) Write(stream, line string) error {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		RunID:     l.runID,
		Stream:    stream,
		Line:      line,
	}
	if len(entry.Line) > maxLineBytes {
		entry.Line = entry.Line[:maxLineBytes]
		entry.Truncated = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log closed")
	}
	return l.encoder.Encode(entry)
}

// Writef appends a formatted supervisor line
func (l *EventLog) Writef(format string, args ...any) error {
	return l.Write(StreamSupervisor, fmt.Sprintf(format, args...))
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// StreamWriter adapts a process output stream to the log. It splits the
// stream into lines and counts every byte it sees.
type StreamWriter struct {
	log    *EventLog
	stream string

	mu      sync.Mutex
	pending []byte
	total   int64
}

// NewStreamWriter returns a writer that logs each complete line to log
func NewStreamWriter(log *EventLog, stream string) *StreamWriter {
	return &StreamWriter{log: log, stream: stream}
}

var _ io.Writer = (*StreamWriter)(nil)

func (w *StreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.total += int64(len(p))
	w.pending = append(w.pending, p...)

	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.pending[:idx], "\r"))
		w.pending = w.pending[idx+1:]
		if err := w.log.Write(w.stream, line); err != nil {
			w.log.logger.Warn("failed to write log entry", "stream", w.stream, "error", err)
		}
	}

	// Flush oversized partial lines instead of buffering without bound
	if len(w.pending) > maxLineBytes {
		if err := w.log.Write(w.stream, string(w.pending)); err != nil {
			w.log.logger.Warn("failed to write log entry", "stream", w.stream, "error", err)
		}
		w.pending = nil
	}

	return len(p), nil
}

// Flush logs any trailing partial line
func (w *StreamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return
	}
	if err := w.log.Write(w.stream, string(w.pending)); err != nil {
		w.log.logger.Warn("failed to write log entry", "stream", w.stream, "error", err)
	}
	w.pending = nil
}

// BytesWritten returns how many bytes the stream produced
func (w *StreamWriter) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// LatestLog returns the most recent run log in dir, or "" when there is none.
// Run IDs start with a UTC timestamp, so names sort by start time.
func LatestLog(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ndjson"))
	if err != nil {
		return "", fmt.Errorf("failed to list run logs: %w", err)
	}
	latest := ""
	for _, m := range matches {
		if m > latest {
			latest = m
		}
	}
	return latest, nil
}

// ReadEntries loads every entry of a log file
func ReadEntries(logPath string, logger *slog.Logger) ([]Entry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	var entries []Entry
	for {
		var e Entry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}
