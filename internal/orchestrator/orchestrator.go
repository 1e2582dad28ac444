package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/iambrandonn/examrun/internal/launcher"
	"github.com/iambrandonn/examrun/internal/outputguard"
	"github.com/iambrandonn/examrun/internal/protocol"
)

// MinimumAPIVersion is the oldest engine API that can run scripts
var MinimumAPIVersion = protocol.ApiVersion{Major: 1, Minor: 1, Patch: 0}

// Session is the engine session used by one task execution
type Session interface {
	IsAvailable(ctx context.Context) bool
	Connect(ctx context.Context, timeout time.Duration) (bool, error)
	NegotiateVersion(ctx context.Context, minimum protocol.ApiVersion) (protocol.ApiVersion, error)
	ClearWorkspace(ctx context.Context, scope string) error
	CreateProject(ctx context.Context, model protocol.ModelConfiguration) error
	ExecuteScript(ctx context.Context, script protocol.ScriptConfiguration) error
	Disconnect(ctx context.Context, timeout time.Duration) error
}

// SessionFactory creates a fresh, unconnected session. Sessions are never reused.
type SessionFactory func(host string, port int) Session

// Process is a started engine process
type Process interface {
	Pid() int
	IsAlive() bool
	JoinWithTimeout(d time.Duration) bool
}

// Launcher starts engine processes
type Launcher interface {
	Start(spec launcher.Spec) (Process, error)
}

type execLauncher struct {
	l *launcher.Launcher
}

// ExecLauncher adapts a launcher.Launcher to the Launcher interface
func ExecLauncher(l *launcher.Launcher) Launcher {
	return execLauncher{l: l}
}

func (e execLauncher) Start(spec launcher.Spec) (Process, error) {
	proc, err := e.l.Start(spec)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Task holds the fully resolved inputs of one task execution
type Task struct {
	RunID string

	// Engine process
	Executable    string
	Args          []string
	Env           map[string]string
	Dir           string
	Installations []string // names offered when the executable is missing

	// Session endpoint
	Host string
	Port int

	Model  protocol.ModelConfiguration
	Script protocol.ScriptConfiguration

	// Timeout bounds connect, negotiation and the command sequence together.
	// ConnectTimeout bounds waiting for the engine to accept a session and is
	// additionally capped by what is left of Timeout. The teardown bounds are
	// independent of both.
	Timeout           time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	JoinTimeout       time.Duration

	MinVersion   protocol.ApiVersion
	FatalMarkers []string
}

// Defaults for bounds a Task leaves unset
const (
	DefaultTaskTimeout       = 300 * time.Second
	DefaultDisconnectTimeout = 10 * time.Second
	DefaultJoinTimeout       = 10 * time.Second
)

func (t *Task) applyDefaults() {
	if t.Timeout <= 0 {
		t.Timeout = DefaultTaskTimeout
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = t.Timeout
	}
	if t.DisconnectTimeout <= 0 {
		t.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if t.JoinTimeout <= 0 {
		t.JoinTimeout = DefaultJoinTimeout
	}
	if t.MinVersion == (protocol.ApiVersion{}) {
		t.MinVersion = MinimumAPIVersion
	}
}

// Options holds optional collaborators passed to New
type Options struct {
	// Clock stamps annotated engine output and outcome times
	Clock func() time.Time
}

// Orchestrator runs tasks end to end: probe, launch, connect, negotiate,
// run the command sequence, tear down, classify.
type Orchestrator struct {
	logger     *slog.Logger
	console    io.Writer
	newSession SessionFactory
	launcher   Launcher
	clock      func() time.Time
}

// New creates an orchestrator. Console receives the user-facing lines: engine
// output, error messages and the terminal status line.
func New(logger *slog.Logger, console io.Writer, newSession SessionFactory, l Launcher, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{Clock: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Orchestrator{
		logger:     logger,
		console:    &lockedWriter{w: console},
		newSession: newSession,
		launcher:   l,
		clock:      opts.Clock,
	}
}

// run carries the resources acquired by one task execution
type run struct {
	task    *Task
	session Session
	proc    Process
	stdout  *outputguard.Annotator
	stderr  *outputguard.ErrorDetector
	outcome *Outcome
}

// Run executes task and returns its outcome. It never returns early without
// tearing down what it started: the session is disconnected first, then the
// engine process is joined, then the output guards are closed.
func (o *Orchestrator) Run(ctx context.Context, task Task) *Outcome {
	task.applyDefaults()

	r := &run{
		task:    &task,
		session: o.newSession(task.Host, task.Port),
		outcome: &Outcome{RunID: task.RunID, StartedAt: o.clock().UTC()},
	}

	o.logger.Info("task starting",
		"run_id", task.RunID,
		"endpoint", net.JoinHostPort(task.Host, strconv.Itoa(task.Port)),
		"timeout", task.Timeout,
		"connect_timeout", task.ConnectTimeout)

	err := o.execute(ctx, r)

	if err == nil && r.stderr != nil && r.stderr.Fatal() {
		err = newTaskError(KindEngineFatal, nil, "engine reported a fatal error: %s", r.stderr.FatalLine())
	}

	if err != nil {
		taskErr := classify(err, r.task)
		r.outcome.fail(taskErr)
		o.logger.Error("task failed", "run_id", task.RunID, "kind", taskErr.Kind, "error", err)
		o.printf("ERROR: %s\n", taskErr.Message)
	} else {
		r.outcome.Status = StatusSuccess
		o.logger.Info("task succeeded", "run_id", task.RunID)
	}

	r.outcome.CompletedAt = o.clock().UTC()
	o.printf("%s\n", r.outcome.Status)
	return r.outcome
}

// execute runs the workflow steps with teardown guaranteed on every path
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	defer o.teardown(ctx, r)

	task := r.task
	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	if r.session.IsAvailable(runCtx) {
		return newTaskError(KindAlreadyRunning, nil, "EXAM is already running")
	}
	if err := runCtx.Err(); err != nil {
		return err
	}

	r.stdout = outputguard.NewAnnotator(o.console, "EXAM", o.clock)
	r.stderr = outputguard.NewErrorDetector(o.console, task.FatalMarkers)

	proc, err := o.launcher.Start(launcher.Spec{
		Command: task.Executable,
		Args:    task.Args,
		Env:     task.Env,
		Dir:     task.Dir,
		Stdout:  r.stdout,
		Stderr:  r.stderr,
	})
	if err != nil {
		return err
	}
	r.proc = proc
	r.outcome.EnginePID = proc.Pid()

	connectTimeout := task.ConnectTimeout
	if deadline, ok := runCtx.Deadline(); ok {
		connectTimeout = min(connectTimeout, time.Until(deadline))
	}

	connected, err := r.session.Connect(runCtx, connectTimeout)
	if err != nil {
		return err
	}
	if !connected {
		return newTaskError(KindConnectTimeout, nil,
			"could not connect to EXAM on %s:%d within %s", task.Host, task.Port, connectTimeout.Round(time.Millisecond))
	}

	version, err := r.session.NegotiateVersion(runCtx, task.MinVersion)
	if err != nil {
		return err
	}
	r.outcome.ApiVersion = &version
	o.printf("EXAM api version: %s\n", version)

	if err := r.session.ClearWorkspace(runCtx, ""); err != nil {
		return err
	}
	if err := r.session.CreateProject(runCtx, task.Model); err != nil {
		return err
	}
	return r.session.ExecuteScript(runCtx, task.Script)
}

// teardown releases the session, then the process, then the output guards.
// Failures are downgraded to warnings and never change the outcome.
func (o *Orchestrator) teardown(ctx context.Context, r *run) {
	task := r.task

	if err := r.session.Disconnect(ctx, task.DisconnectTimeout); err != nil {
		o.warn(r, "disconnect failed: %v", err)
	}

	if r.proc != nil && r.proc.IsAlive() {
		if !r.proc.JoinWithTimeout(task.JoinTimeout) {
			o.warn(r, "EXAM process %d still running after %s", r.proc.Pid(), task.JoinTimeout)
		}
	}

	if r.stdout != nil {
		if err := r.stdout.Close(); err != nil {
			o.warn(r, "failed to flush engine output: %v", err)
		}
	}
	if r.stderr != nil {
		if err := r.stderr.Close(); err != nil {
			o.warn(r, "failed to flush engine error output: %v", err)
		}
	}
}

func (o *Orchestrator) warn(r *run, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.outcome.Warnings = append(r.outcome.Warnings, msg)
	o.logger.Warn("teardown problem", "kind", KindTeardownWarning, "run_id", r.task.RunID, "detail", msg)
	o.printf("WARNING: %s\n", msg)
}

func (o *Orchestrator) printf(format string, args ...any) {
	fmt.Fprintf(o.console, format, args...)
}

// lockedWriter serializes writes from the engine output goroutines and the workflow
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
