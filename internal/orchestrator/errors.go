package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/iambrandonn/examrun/internal/launcher"
	"github.com/iambrandonn/examrun/internal/session"
)

// Kind classifies why a task failed
type Kind string

const (
	KindAlreadyRunning Kind = "already_running"
	KindLaunchError    Kind = "launch_error"
	KindConnectTimeout Kind = "connect_timeout"
	KindProtocolError  Kind = "protocol_error"
	KindEngineFatal    Kind = "engine_fatal"
	KindInterrupted    Kind = "interrupted"
	KindTimeout        Kind = "timeout"

	// KindTeardownWarning is only ever logged. It never becomes an outcome.
	KindTeardownWarning Kind = "teardown_warning"
)

// TaskError is the terminal failure of a task execution
type TaskError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func newTaskError(kind Kind, err error, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// classify turns an error from a workflow step into a TaskError.
// Cancellation is checked first so an interrupted run never reads as a timeout.
func classify(err error, task *Task) *TaskError {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}

	if errors.Is(err, context.Canceled) {
		return newTaskError(KindInterrupted, err, "task was interrupted")
	}

	var launchErr *launcher.LaunchError
	if errors.As(err, &launchErr) {
		if errors.Is(err, exec.ErrNotFound) {
			return newTaskError(KindLaunchError, err,
				"engine executable %q not found; configured installations: %s",
				launchErr.Command, strings.Join(task.Installations, ", "))
		}
		return newTaskError(KindLaunchError, err, "%v", launchErr)
	}

	if errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
		return newTaskError(KindTimeout, err, "task did not finish within %s", task.Timeout)
	}

	var protoErr *session.ProtocolError
	if errors.As(err, &protoErr) {
		return newTaskError(KindProtocolError, err, "%s", protoErr.Error())
	}

	if isConnectionLost(err) {
		return newTaskError(KindProtocolError, err, "engine closed the connection: %v", err)
	}

	return newTaskError(KindProtocolError, err, "%v", err)
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
