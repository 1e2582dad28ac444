package launcher

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the engine exits,
// e.g. when a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// Spec describes one engine process to start
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string // added on top of the parent environment
	Dir     string            // working directory; empty inherits ours
	Stdout  io.Writer
	Stderr  io.Writer
}

// LaunchError reports a process that could not be started at all
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Launcher starts engine processes
type Launcher struct {
	logger *slog.Logger
}

// New creates a launcher
func New(logger *slog.Logger) *Launcher {
	return &Launcher{logger: logger}
}

// Start launches the process described by spec and returns immediately.
// The process is not tied to any context: it keeps running until it exits on
// its own, which lets teardown decide how long to wait for it.
func (l *Launcher) Start(spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, &LaunchError{Command: spec.Command, Err: fmt.Errorf("no executable configured")}
	}

	l.logger.Info("starting engine", "cmd", spec.Command, "args", spec.Args, "dir", spec.Dir)

	proc := exec.Command(spec.Command, spec.Args...)
	proc.Dir = spec.Dir
	proc.Stdout = spec.Stdout
	proc.Stderr = spec.Stderr
	proc.WaitDelay = waitDelay

	// Set environment - inherit parent environment first, then add custom vars
	proc.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	if err := proc.Start(); err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	p := &Process{
		cmd:    proc,
		logger: l.logger,
		done:   make(chan struct{}),
	}

	l.logger.Info("engine started", "pid", proc.Process.Pid)

	go p.waitForExit()

	return p, nil
}

// Process is a handle to a started engine process
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	done   chan struct{} // closed once Wait returns

	mu      sync.Mutex
	exitErr error
}

// Pid returns the operating system process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// IsAlive reports whether the process has not exited yet
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// JoinWithTimeout waits up to d for the process to exit and reports whether it did.
// A process still running afterwards is left alone.
func (p *Process) JoinWithTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.done:
		return true
	case <-timer.C:
		p.logger.Warn("engine did not exit in time", "pid", p.Pid(), "timeout", d)
		return false
	}
}

// ExitErr returns the result of waiting on the process, or nil while it runs
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) waitForExit() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)

	if err != nil {
		p.logger.Warn("engine process exited", "pid", p.Pid(), "error", err)
	} else {
		p.logger.Info("engine process exited cleanly", "pid", p.Pid())
	}
}
