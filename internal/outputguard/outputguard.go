// Package outputguard wraps the engine's output streams with line filters:
// an Annotator that timestamps and tags each line for the console, and an
// ErrorDetector that watches for fatal markers while passing lines through.
package outputguard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("outputguard: write after close")

// DefaultFatalMarkers are the substrings that mark an engine line as fatal
var DefaultFatalMarkers = []string{
	"FATAL ERROR",
	`Exception in thread "main"`,
}

// lineWriter splits a byte stream into lines and hands each one to emit.
// Partial lines are held until the next newline or Close.
type lineWriter struct {
	mu      sync.Mutex
	pending bytes.Buffer
	closed  bool
	emit    func(line string) error
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	w.pending.Write(p)
	for {
		idx := bytes.IndexByte(w.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.pending.Next(idx + 1))
		line = strings.TrimRight(line, "\r\n")
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line. Later calls do nothing.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.pending.Len() == 0 {
		return nil
	}
	line := strings.TrimRight(w.pending.String(), "\r")
	w.pending.Reset()
	return w.emit(line)
}

// Annotator writes each line as "[15:04:05.000] [tag] line"
type Annotator struct {
	lineWriter
	out   io.Writer
	tag   string
	clock func() time.Time
}

// NewAnnotator creates an annotator writing to out. A nil clock uses time.Now.
func NewAnnotator(out io.Writer, tag string, clock func() time.Time) *Annotator {
	if clock == nil {
		clock = time.Now
	}
	a := &Annotator{out: out, tag: tag, clock: clock}
	a.emit = a.annotate
	return a
}

func (a *Annotator) annotate(line string) error {
	_, err := fmt.Fprintf(a.out, "[%s] [%s] %s\n", a.clock().Format("15:04:05.000"), a.tag, line)
	return err
}

// ErrorDetector forwards lines unchanged and remembers the first one that
// contains a fatal marker.
type ErrorDetector struct {
	lineWriter
	out     io.Writer
	markers []string

	fatalMu   sync.Mutex
	fatalLine string
	fatal     bool
}

// NewErrorDetector creates a detector writing to out. Empty markers use DefaultFatalMarkers.
func NewErrorDetector(out io.Writer, markers []string) *ErrorDetector {
	if len(markers) == 0 {
		markers = DefaultFatalMarkers
	}
	d := &ErrorDetector{out: out, markers: markers}
	d.emit = d.inspect
	return d
}

func (d *ErrorDetector) inspect(line string) error {
	for _, marker := range d.markers {
		if marker != "" && strings.Contains(line, marker) {
			d.fatalMu.Lock()
			if !d.fatal {
				d.fatal = true
				d.fatalLine = line
			}
			d.fatalMu.Unlock()
			break
		}
	}
	_, err := fmt.Fprintln(d.out, line)
	return err
}

// Fatal reports whether a fatal marker has been seen
func (d *ErrorDetector) Fatal() bool {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	return d.fatal
}

// FatalLine returns the first line that contained a fatal marker
func (d *ErrorDetector) FatalLine() string {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	return d.fatalLine
}
