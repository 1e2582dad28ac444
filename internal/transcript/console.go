package transcript

import (
	"fmt"
	"io"
	"sync"

	"github.com/iambrandonn/examrun/internal/protocol"
)

// SyncWriter serializes writes to w. The console is shared by the workflow,
// the session recorder and the engine output goroutines.
type SyncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSyncWriter wraps w
func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{w: w}
}

func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// ConsoleRecorder prints session traffic as transcript lines. Probe traffic
// is not printed.
type ConsoleRecorder struct {
	w         io.Writer
	formatter *Formatter
}

// NewConsoleRecorder creates a recorder writing one line per message to w
func NewConsoleRecorder(w io.Writer) *ConsoleRecorder {
	return &ConsoleRecorder{w: w, formatter: NewFormatter()}
}

func (c *ConsoleRecorder) RecordRequest(req *protocol.Request) error {
	if req.Command == protocol.CommandProbe {
		return nil
	}
	return c.println(c.formatter.FormatRequest(req))
}

func (c *ConsoleRecorder) RecordResponse(resp *protocol.Response) error {
	if resp.Command == protocol.CommandProbe {
		return nil
	}
	return c.println(c.formatter.FormatResponse(resp))
}

func (c *ConsoleRecorder) RecordLog(msg *protocol.Log) error {
	return c.println(c.formatter.FormatLog(msg))
}

func (c *ConsoleRecorder) println(line string) error {
	_, err := fmt.Fprintln(c.w, line)
	return err
}
