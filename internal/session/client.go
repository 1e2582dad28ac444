package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/examrun/internal/ndjson"
	"github.com/iambrandonn/examrun/internal/protocol"
)

// State is the lifecycle position of a session
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateNegotiated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Recorder observes every request sent and response received on a session
type Recorder interface {
	RecordRequest(req *protocol.Request) error
	RecordResponse(resp *protocol.Response) error
}

// LogRecorder is implemented by recorders that also want the engine's log
// messages received between responses.
type LogRecorder interface {
	RecordLog(msg *protocol.Log) error
}

// DialFunc opens the transport connection to the engine
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options holds tuning overrides passed to NewClient.
type Options struct {
	// ProbeTimeout bounds a single availability probe, including the dial.
	ProbeTimeout time.Duration
	// PollInterval is the wait between connection attempts in Connect.
	PollInterval time.Duration
	// Recorder, when set, sees all session traffic.
	Recorder Recorder
	// Dial overrides the TCP dialer.
	Dial DialFunc
}

// Client owns a single session to one engine instance. A Client is never reused:
// once disconnected, create a new one.
type Client struct {
	addr   string
	logger *slog.Logger
	opts   Options

	mu             sync.Mutex
	state          State
	link           *link
	version        protocol.ApiVersion
	cleared        bool
	projectCreated bool
	disconnected   bool
}

// link is one open transport connection with its codec
type link struct {
	conn   net.Conn
	enc    *ndjson.Encoder
	dec    *ndjson.Decoder
	broken bool
}

// NewClient creates an unconnected session client for the engine at host:port
func NewClient(host string, port int, logger *slog.Logger, optFns ...func(o *Options)) *Client {
	opts := Options{
		ProbeTimeout: 1 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{}
		opts.Dial = dialer.DialContext
	}

	return &Client{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		logger: logger,
		opts:   opts,
		state:  StateUnconnected,
	}
}

// Addr returns the engine endpoint
func (c *Client) Addr() string {
	return c.addr
}

// State returns the current session state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the version agreed during negotiation
func (c *Client) Version() protocol.ApiVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// IsAvailable reports whether an engine already answers on the endpoint.
// It never blocks longer than the probe timeout and leaves the session untouched.
func (c *Client) IsAvailable(ctx context.Context) bool {
	l, err := c.open(ctx)
	if err != nil {
		c.logger.Debug("engine not available", "addr", c.addr, "error", err)
		return false
	}
	l.conn.Close()
	return true
}

// Connect waits for the engine to accept a session. It polls until the engine
// answers, the timeout elapses, or ctx is cancelled. An elapsed timeout returns
// false with a nil error: the engine may simply still be starting.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	if c.state != StateUnconnected {
		state := c.state
		c.mu.Unlock()
		return false, fmt.Errorf("%w: connect in state %s", ErrOutOfOrder, state)
	}
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	started := time.Now()
	attempts := 0
	for {
		attempts++
		l, err := c.open(connectCtx)
		if err == nil {
			c.mu.Lock()
			c.link = l
			c.state = StateConnected
			c.mu.Unlock()

			c.logger.Info("session connected",
				"addr", c.addr,
				"attempts", attempts,
				"elapsed", time.Since(started).Round(time.Millisecond))
			return true, nil
		}

		c.logger.Debug("engine not ready", "addr", c.addr, "attempt", attempts, "error", err)

		select {
		case <-connectCtx.Done():
			if ctx.Err() == context.Canceled {
				return false, fmt.Errorf("connect interrupted after %d attempts: %w", attempts, ctx.Err())
			}
			c.logger.Warn("connect timed out",
				"addr", c.addr,
				"attempts", attempts,
				"timeout", timeout)
			return false, nil
		case <-ticker.C:
		}
	}
}

// NegotiateVersion fetches the engine's API version and rejects it unless the
// major version matches and the minor version is at least minimum's.
func (c *Client) NegotiateVersion(ctx context.Context, minimum protocol.ApiVersion) (protocol.ApiVersion, error) {
	l, err := c.require(StateConnected, protocol.CommandGetAPIVersion)
	if err != nil {
		return protocol.ApiVersion{}, err
	}

	req := c.newRequest(protocol.CommandGetAPIVersion)
	resp, err := c.roundTrip(ctx, l, req)
	if err != nil {
		return protocol.ApiVersion{}, err
	}
	if !resp.OK() {
		return protocol.ApiVersion{}, protocolErrorFrom(req, resp)
	}
	if resp.Version == nil {
		return protocol.ApiVersion{}, &ProtocolError{
			Command: req.Command,
			Code:    "missing_version",
			Message: "engine did not report a version",
		}
	}

	version := *resp.Version
	if !version.Compatible(minimum) {
		return version, &ProtocolError{
			Command: req.Command,
			Code:    protocol.ErrorCodeUnsupportedVersion,
			Message: fmt.Sprintf("engine API %s is not compatible with required %s", version, minimum),
		}
	}

	c.mu.Lock()
	c.version = version
	c.state = StateNegotiated
	c.mu.Unlock()

	c.logger.Info("api version negotiated", "version", version.String(), "minimum", minimum.String())
	return version, nil
}

// ClearWorkspace resets the engine workspace. An empty scope clears everything.
func (c *Client) ClearWorkspace(ctx context.Context, scope string) error {
	l, err := c.require(StateNegotiated, protocol.CommandClearWorkspace)
	if err != nil {
		return err
	}

	req := c.newRequest(protocol.CommandClearWorkspace)
	req.Scope = scope
	if err := c.expectOK(ctx, l, req); err != nil {
		return err
	}

	c.mu.Lock()
	c.cleared = true
	c.mu.Unlock()
	return nil
}

// CreateProject opens the model project on the engine
func (c *Client) CreateProject(ctx context.Context, model protocol.ModelConfiguration) error {
	l, err := c.require(StateNegotiated, protocol.CommandCreateProject)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cleared := c.cleared
	c.mu.Unlock()
	if !cleared {
		return fmt.Errorf("%w: create_project before clear_workspace", ErrOutOfOrder)
	}

	req := c.newRequest(protocol.CommandCreateProject)
	req.Model = &model
	if err := c.expectOK(ctx, l, req); err != nil {
		return err
	}

	c.mu.Lock()
	c.projectCreated = true
	c.mu.Unlock()
	return nil
}

// ExecuteScript submits the script and blocks until the engine has finished running it
func (c *Client) ExecuteScript(ctx context.Context, script protocol.ScriptConfiguration) error {
	l, err := c.require(StateNegotiated, protocol.CommandExecuteScript)
	if err != nil {
		return err
	}

	c.mu.Lock()
	created := c.projectCreated
	c.mu.Unlock()
	if !created {
		return fmt.Errorf("%w: execute_script before create_project", ErrOutOfOrder)
	}

	req := c.newRequest(protocol.CommandExecuteScript)
	req.Script = &script
	return c.expectOK(ctx, l, req)
}

// Disconnect ends the session. Only the first call does any work; the connection
// is always closed and the session moves to StateClosed. The timeout is applied
// even if ctx is already cancelled, so teardown still gets its chance to run.
func (c *Client) Disconnect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	l := c.link
	c.link = nil
	c.state = StateClosed
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	defer l.conn.Close()

	if l.broken {
		c.logger.Debug("skipping disconnect request on broken connection", "addr", c.addr)
		return nil
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req := c.newRequest(protocol.CommandDisconnect)
	if err := c.expectOK(dctx, l, req); err != nil {
		return err
	}

	c.logger.Info("session disconnected", "addr", c.addr)
	return nil
}

func (c *Client) require(state State, cmd protocol.CommandName) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.disconnected:
		return nil, fmt.Errorf("%w: cannot send %s", ErrClosed, cmd)
	case c.link == nil:
		return nil, fmt.Errorf("%w: cannot send %s", ErrNotConnected, cmd)
	case c.link.broken:
		return nil, fmt.Errorf("%w: connection lost before %s", ErrNotConnected, cmd)
	case c.state != state:
		return nil, fmt.Errorf("%w: %s requires state %s, session is %s", ErrOutOfOrder, cmd, state, c.state)
	}
	return c.link, nil
}

// open dials the engine and confirms it answers a probe within the probe timeout
func (c *Client) open(ctx context.Context) (*link, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	conn, err := c.opts.Dial(probeCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}

	l := &link{
		conn: conn,
		enc:  ndjson.NewEncoder(conn, c.logger),
		dec:  ndjson.NewDecoder(conn, c.logger),
	}

	req := c.newRequest(protocol.CommandProbe)
	resp, err := c.roundTrip(probeCtx, l, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !resp.OK() || resp.Available == nil || !*resp.Available {
		conn.Close()
		return nil, fmt.Errorf("engine at %s is not ready", c.addr)
	}

	return l, nil
}

func (c *Client) expectOK(ctx context.Context, l *link, req *protocol.Request) error {
	resp, err := c.roundTrip(ctx, l, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return protocolErrorFrom(req, resp)
	}
	return nil
}

// roundTrip sends req and reads until its response arrives. Engine log messages
// received in between are logged and skipped. Any transport or decoding failure
// marks the link broken.
func (c *Client) roundTrip(ctx context.Context, l *link, req *protocol.Request) (*protocol.Response, error) {
	deadline, _ := ctx.Deadline()
	if err := l.conn.SetDeadline(deadline); err != nil {
		l.broken = true
		return nil, fmt.Errorf("set deadline for %s: %w", req.Command, err)
	}

	// Cancellation interrupts blocked reads and writes. A callback that has
	// already started must finish before the link is reused, or its deadline
	// could land on the next request.
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		l.conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	c.record(req, nil)

	c.logger.Debug("sending request", "command", req.Command, "message_id", req.MessageID)
	if err := l.enc.Encode(req); err != nil {
		l.broken = true
		return nil, c.transportError(ctx, fmt.Sprintf("send %s", req.Command), err)
	}

	for {
		msg, err := l.dec.DecodeEnvelope()
		if err != nil {
			l.broken = true
			return nil, c.transportError(ctx, fmt.Sprintf("await %s response", req.Command), err)
		}

		switch v := msg.(type) {
		case *protocol.Log:
			c.logEngineMessage(v)

		case *protocol.Response:
			if v.InReplyTo != req.MessageID {
				c.logger.Warn("discarding response for another request",
					"command", req.Command,
					"want", req.MessageID,
					"got", v.InReplyTo)
				continue
			}
			c.record(nil, v)
			return v, nil

		default:
			c.logger.Warn("unexpected message type from engine",
				"command", req.Command,
				"msg_type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		// The connection deadline can fire a moment before the context's own timer
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			ctxErr = context.DeadlineExceeded
		}
	}
	if ctxErr != nil {
		return fmt.Errorf("%s: %w: %w", op, ctxErr, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) logEngineMessage(msg *protocol.Log) {
	if lr, ok := c.opts.Recorder.(LogRecorder); ok {
		if err := lr.RecordLog(msg); err != nil {
			c.logger.Warn("failed to record engine log", "error", err)
		}
	}

	switch msg.Level {
	case protocol.LogLevelError:
		c.logger.Error("engine", "message", msg.Message)
	case protocol.LogLevelWarn:
		c.logger.Warn("engine", "message", msg.Message)
	default:
		c.logger.Info("engine", "message", msg.Message)
	}
}

func (c *Client) record(req *protocol.Request, resp *protocol.Response) {
	if c.opts.Recorder == nil {
		return
	}
	var err error
	if req != nil {
		err = c.opts.Recorder.RecordRequest(req)
	} else {
		err = c.opts.Recorder.RecordResponse(resp)
	}
	if err != nil {
		c.logger.Warn("failed to record session traffic", "error", err)
	}
}

func (c *Client) newRequest(cmd protocol.CommandName) *protocol.Request {
	return &protocol.Request{
		Kind:      protocol.MessageKindRequest,
		MessageID: uuid.New().String(),
		Command:   cmd,
		SentAt:    time.Now().UTC(),
	}
}
