package testharness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/examrun/internal/ndjson"
	"github.com/iambrandonn/examrun/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// FakeEngine is an in-process engine that speaks the session protocol over TCP
// and records every command it receives.
type FakeEngine struct {
	// Version is reported by get_api_version
	Version protocol.ApiVersion

	// Behavior controls
	Models       []string      // known model names; empty accepts any model
	ReadyAfter   time.Duration // probe reports unavailable until this long after Start
	ExecuteDelay time.Duration
	ScriptError  string   // when set, execute_script fails with this message
	ScriptLogs   []string // log messages emitted while a script runs

	// OnExecute runs while execute_script is being handled, before the response
	OnExecute func(script protocol.ScriptConfiguration)

	logger *slog.Logger

	mu           sync.Mutex
	listener     net.Listener
	requests     []protocol.Request
	probes       int
	connections  int
	startedAt    time.Time
	cancel       context.CancelFunc
	group        *errgroup.Group
	disconnected chan struct{}
	closeOnce    sync.Once
}

// NewFakeEngine creates a fake engine reporting API version 1.2.0
func NewFakeEngine(logger *slog.Logger) *FakeEngine {
	return &FakeEngine{
		Version:      protocol.ApiVersion{Major: 1, Minor: 2, Patch: 0},
		logger:       logger,
		disconnected: make(chan struct{}),
	}
}

// Start listens on addr (use "127.0.0.1:0" for a free port) and serves in the background
func (e *FakeEngine) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	e.mu.Lock()
	e.listener = listener
	e.startedAt = time.Now()
	e.cancel = cancel
	e.group = group
	e.mu.Unlock()

	e.logger.Info("fake engine listening", "addr", listener.Addr().String())

	group.Go(func() error {
		<-gctx.Done()
		return listener.Close()
	})

	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept failed: %w", err)
			}

			e.mu.Lock()
			e.connections++
			e.mu.Unlock()

			group.Go(func() error {
				e.serveConn(gctx, conn)
				return nil
			})
		}
	})

	return nil
}

// Close stops the engine and waits for all connections to finish
func (e *FakeEngine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	group := e.group
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}

// Port returns the TCP port the engine listens on
func (e *FakeEngine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return 0
	}
	return e.listener.Addr().(*net.TCPAddr).Port
}

// Disconnected is closed once a client sends disconnect
func (e *FakeEngine) Disconnected() <-chan struct{} {
	return e.disconnected
}

// Commands returns the names of all non-probe commands received, in order
func (e *FakeEngine) Commands() []protocol.CommandName {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]protocol.CommandName, 0, len(e.requests))
	for _, req := range e.requests {
		names = append(names, req.Command)
	}
	return names
}

// Requests returns copies of all non-probe requests received, in order
func (e *FakeEngine) Requests() []protocol.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Request(nil), e.requests...)
}

// Probes returns how many probe requests were answered
func (e *FakeEngine) Probes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probes
}

// Connections returns how many TCP connections were accepted
func (e *FakeEngine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connections
}

func (e *FakeEngine) serveConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	encoder := ndjson.NewEncoder(conn, e.logger)
	decoder := ndjson.NewDecoder(conn, e.logger)

	for {
		msg, err := decoder.DecodeEnvelope()
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				e.logger.Error("failed to decode message", "error", err)
			}
			return
		}

		req, ok := msg.(*protocol.Request)
		if !ok {
			e.logger.Warn("received non-request message", "type", fmt.Sprintf("%T", msg))
			continue
		}

		resp := e.handleRequest(ctx, req, encoder)
		if err := encoder.Encode(resp); err != nil {
			e.logger.Error("failed to send response", "command", req.Command, "error", err)
			return
		}

		if req.Command == protocol.CommandDisconnect {
			e.closeOnce.Do(func() { close(e.disconnected) })
			return
		}
	}
}

func (e *FakeEngine) handleRequest(ctx context.Context, req *protocol.Request, encoder *ndjson.Encoder) *protocol.Response {
	resp := &protocol.Response{
		Kind:      protocol.MessageKindResponse,
		InReplyTo: req.MessageID,
		Command:   req.Command,
		Status:    protocol.ResponseStatusOK,
	}

	e.mu.Lock()
	if req.Command == protocol.CommandProbe {
		e.probes++
	} else {
		e.requests = append(e.requests, *req)
	}
	ready := time.Since(e.startedAt) >= e.ReadyAfter
	e.mu.Unlock()

	switch req.Command {
	case protocol.CommandProbe:
		resp.Available = &ready

	case protocol.CommandGetAPIVersion:
		version := e.Version
		resp.Version = &version

	case protocol.CommandClearWorkspace, protocol.CommandDisconnect:
		// nothing to do

	case protocol.CommandCreateProject:
		if req.Model == nil {
			resp.Status = protocol.ResponseStatusError
			resp.Error = &protocol.ErrorBody{Code: protocol.ErrorCodeUnknownModel, Message: "no model given"}
		} else if !e.knowsModel(req.Model.ModelName) {
			resp.Status = protocol.ResponseStatusError
			resp.Error = &protocol.ErrorBody{
				Code:    protocol.ErrorCodeUnknownModel,
				Message: fmt.Sprintf("model %q not found", req.Model.ModelName),
			}
		}

	case protocol.CommandExecuteScript:
		for _, line := range e.ScriptLogs {
			encoder.Encode(protocol.Log{
				Kind:      protocol.MessageKindLog,
				Level:     protocol.LogLevelInfo,
				Message:   line,
				Timestamp: time.Now().UTC(),
			})
		}
		if e.ExecuteDelay > 0 {
			select {
			case <-time.After(e.ExecuteDelay):
			case <-ctx.Done():
			}
		}
		if e.OnExecute != nil && req.Script != nil {
			e.OnExecute(*req.Script)
		}
		if e.ScriptError != "" {
			resp.Status = protocol.ResponseStatusError
			resp.Error = &protocol.ErrorBody{Code: protocol.ErrorCodeScriptFailed, Message: e.ScriptError}
		}

	default:
		resp.Status = protocol.ResponseStatusError
		resp.Error = &protocol.ErrorBody{
			Code:    protocol.ErrorCodeUnknownCommand,
			Message: fmt.Sprintf("unknown command %q", req.Command),
		}
	}

	resp.OccurredAt = time.Now().UTC()
	return resp
}

func (e *FakeEngine) knowsModel(name string) bool {
	if len(e.Models) == 0 {
		return true
	}
	for _, m := range e.Models {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
