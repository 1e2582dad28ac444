package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/examrun/internal/ndjson"
	"github.com/iambrandonn/examrun/internal/protocol"
)

// EventLog writes session traffic to an NDJSON file, one message per line,
// in the order it crossed the wire. It satisfies session.Recorder.
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// NewEventLog creates a new event log
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
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
	}, nil
}

// RecordRequest appends a request sent to the engine
func (l *EventLog) RecordRequest(req *protocol.Request) error {
	return l.write(req)
}

// RecordResponse appends a response received from the engine
func (l *EventLog) RecordResponse(resp *protocol.Response) error {
	return l.write(resp)
}

// RecordLog appends an engine log message
func (l *EventLog) RecordLog(log *protocol.Log) error {
	return l.write(log)
}

func (l *EventLog) write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return os.ErrClosed
	}
	return l.encoder.Encode(v)
}

// Close closes the event log file. Further writes fail with os.ErrClosed.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
