package session

import (
	"errors"
	"fmt"

	"github.com/iambrandonn/examrun/internal/protocol"
)

var (
	// ErrNotConnected indicates a command was issued without an open session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrOutOfOrder indicates the caller broke the fixed command order
	// (negotiate, clear workspace, create project, execute script).
	ErrOutOfOrder = errors.New("session: command out of order")
	// ErrClosed indicates the session was already disconnected.
	ErrClosed = errors.New("session: closed")
)

// ProtocolError reports a request the engine rejected, or a version the client cannot use.
type ProtocolError struct {
	Command protocol.CommandName
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("engine rejected %s: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("engine rejected %s (%s): %s", e.Command, e.Code, e.Message)
}

func protocolErrorFrom(req *protocol.Request, resp *protocol.Response) *ProtocolError {
	pe := &ProtocolError{Command: req.Command, Message: "request failed"}
	if resp.Error != nil {
		pe.Code = resp.Error.Code
		if resp.Error.Message != "" {
			pe.Message = resp.Error.Message
		}
	}
	return pe
}
