// Package ndjson frames session messages as newline-delimited JSON.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/iambrandonn/examrun/internal/protocol"
)

// MaxMessageSize is the maximum NDJSON message size (256 KiB)
const MaxMessageSize = 256 * 1024

// ErrMessageTooLarge is returned for messages over MaxMessageSize in either direction
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// Encoder writes one JSON message per line. It is safe for concurrent use;
// each message is written and flushed as a unit.
type Encoder struct {
	mu     sync.Mutex
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes v as a single line and flushes it
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		e.logger.Error("outgoing message too large", "size", len(data), "limit", MaxMessageSize)
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.writer.Write(data)
	e.writer.WriteByte('\n')
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Decoder reads NDJSON messages. Blank lines are skipped.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	line    int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// next returns the next non-blank line. The slice is only valid until the
// following call.
func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		d.line++
		data := bytes.TrimSpace(d.scanner.Bytes())
		if len(data) > 0 {
			return data, nil
		}
	}

	err := d.scanner.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		d.logger.Error("incoming line too large", "line", d.line+1, "limit", MaxMessageSize)
		return nil, fmt.Errorf("line %d: %w: exceeds limit %d", d.line+1, ErrMessageTooLarge, MaxMessageSize)
	default:
		return nil, fmt.Errorf("read error after line %d: %w", d.line, err)
	}
}

// Decode reads the next message into v
func (d *Decoder) Decode(v any) error {
	data, err := d.next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error("failed to unmarshal JSON", "line", d.line, "error", err, "data", preview(data))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.line, err)
	}
	return nil
}

// DecodeEnvelope reads the next message and returns a *protocol.Request,
// *protocol.Response or *protocol.Log according to its kind.
func (d *Decoder) DecodeEnvelope() (any, error) {
	data, err := d.next()
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Kind protocol.MessageKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		d.logger.Error("failed to unmarshal JSON", "line", d.line, "error", err, "data", preview(data))
		return nil, fmt.Errorf("line %d: failed to read envelope: %w", d.line, err)
	}

	var msg any
	switch envelope.Kind {
	case protocol.MessageKindRequest:
		msg = &protocol.Request{}
	case protocol.MessageKindResponse:
		msg = &protocol.Response{}
	case protocol.MessageKindLog:
		msg = &protocol.Log{}
	case "":
		return nil, fmt.Errorf("line %d: missing or invalid 'kind' field", d.line)
	default:
		d.logger.Warn("unknown message kind", "line", d.line, "kind", envelope.Kind)
		return nil, fmt.Errorf("line %d: unknown message kind: %s", d.line, envelope.Kind)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("line %d: failed to decode %s: %w", d.line, envelope.Kind, err)
	}
	return msg, nil
}

func preview(data []byte) string {
	return string(data[:min(100, len(data))])
}
