package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iambrandonn/examrun/internal/launcher"
	"github.com/iambrandonn/examrun/internal/protocol"
	"github.com/iambrandonn/examrun/internal/session"
	"github.com/iambrandonn/examrun/pkg/testharness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// engineProcess stands in for the engine OS process. It exits once the
// engine has been told to disconnect.
type engineProcess struct {
	once   sync.Once
	exited chan struct{}
}

func newEngineProcess() *engineProcess {
	return &engineProcess{exited: make(chan struct{})}
}

func (p *engineProcess) exit() {
	p.once.Do(func() { close(p.exited) })
}

func (p *engineProcess) Pid() int { return 4242 }

func (p *engineProcess) IsAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *engineProcess) JoinWithTimeout(d time.Duration) bool {
	select {
	case <-p.exited:
		return true
	case <-time.After(d):
		return false
	}
}

// engineLauncher "launches" an in-process fake engine on the task port and
// writes canned output to the process sinks.
type engineLauncher struct {
	t         *testing.T
	port      int
	configure func(e *testharness.FakeEngine)
	stdout    []string
	stderr    []string
	noEngine  bool

	starts int
	spec   launcher.Spec
	engine *testharness.FakeEngine
	proc   *engineProcess
}

func (l *engineLauncher) Start(spec launcher.Spec) (Process, error) {
	l.starts++
	l.spec = spec

	for _, line := range l.stdout {
		fmt.Fprintln(spec.Stdout, line)
	}
	for _, line := range l.stderr {
		fmt.Fprintln(spec.Stderr, line)
	}

	proc := newEngineProcess()
	l.proc = proc
	l.t.Cleanup(proc.exit)

	if l.noEngine {
		return proc, nil
	}

	engine := testharness.NewFakeEngine(discardLogger())
	if l.configure != nil {
		l.configure(engine)
	}
	if err := engine.Start(context.Background(), fmt.Sprintf("127.0.0.1:%d", l.port)); err != nil {
		return nil, err
	}
	l.t.Cleanup(func() { engine.Close() })
	l.engine = engine

	go func() {
		<-engine.Disconnected()
		proc.exit()
	}()
	return proc, nil
}

func newTestOrchestrator(console io.Writer, l Launcher) *Orchestrator {
	factory := func(host string, port int) Session {
		return session.NewClient(host, port, discardLogger(), func(o *session.Options) {
			o.PollInterval = 25 * time.Millisecond
			o.ProbeTimeout = 300 * time.Millisecond
		})
	}
	return New(discardLogger(), console, factory, l, func(o *Options) {
		o.Clock = fixedClock
	})
}

func testTask(port int) Task {
	return Task{
		RunID:      "run-test",
		Executable: "EXAM",
		Host:       "127.0.0.1",
		Port:       port,
		Model: protocol.ModelConfiguration{
			ProjectName:    "Demo",
			ModelName:      "X",
			TargetEndpoint: "http://exam.local/api",
		},
		Script:            protocol.ScriptConfiguration{Script: "Y"},
		Timeout:           5 * time.Second,
		ConnectTimeout:    2 * time.Second,
		DisconnectTimeout: time.Second,
		JoinTimeout:       300 * time.Millisecond,
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}

func TestScenarioSuccess(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, stdout: []string{"EXAM started"}}
	var console bytes.Buffer

	outcome := newTestOrchestrator(&console, l).Run(context.Background(), testTask(port))

	require.True(t, outcome.Succeeded(), "outcome: %+v", outcome)
	assert.Empty(t, outcome.Kind)
	require.NotNil(t, outcome.ApiVersion)
	assert.Equal(t, "1.2.0", outcome.ApiVersion.String())
	assert.Equal(t, 4242, outcome.EnginePID)
	assert.Empty(t, outcome.Warnings)

	require.NotNil(t, l.engine)
	assert.Equal(t, []protocol.CommandName{
		protocol.CommandGetAPIVersion,
		protocol.CommandClearWorkspace,
		protocol.CommandCreateProject,
		protocol.CommandExecuteScript,
		protocol.CommandDisconnect,
	}, l.engine.Commands())

	requests := l.engine.Requests()
	assert.Equal(t, "", requests[1].Scope, "workspace is cleared entirely")
	require.NotNil(t, requests[2].Model)
	assert.Equal(t, "X", requests[2].Model.ModelName)
	require.NotNil(t, requests[3].Script)
	assert.Equal(t, "Y", requests[3].Script.Script)

	assert.False(t, l.proc.IsAlive(), "engine process should have been joined")

	out := console.String()
	assert.Contains(t, out, "[12:00:00.000] [EXAM] EXAM started\n")
	assert.Contains(t, out, "EXAM api version: 1.2.0\n")
	assert.Equal(t, "SUCCESS", lastLine(out))
}

func TestScenarioAlreadyRunning(t *testing.T) {
	running := testharness.NewFakeEngine(discardLogger())
	require.NoError(t, running.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { running.Close() })

	l := &engineLauncher{t: t, port: running.Port()}
	var console bytes.Buffer

	outcome := newTestOrchestrator(&console, l).Run(context.Background(), testTask(running.Port()))

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, KindAlreadyRunning, outcome.Kind)
	assert.Zero(t, l.starts, "no process may be launched")
	assert.Empty(t, running.Commands(), "no commands may be sent")
	assert.Equal(t, 1, running.Probes())
	assert.Equal(t, 1, running.Connections(), "only the probe connection is opened")

	out := console.String()
	assert.Contains(t, out, "ERROR: EXAM is already running\n")
	assert.Equal(t, "FAILURE", lastLine(out))
}

func TestScenarioIncompatibleVersion(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, configure: func(e *testharness.FakeEngine) {
		e.Version = protocol.ApiVersion{Major: 1, Minor: 0, Patch: 9}
	}}
	var console bytes.Buffer

	outcome := newTestOrchestrator(&console, l).Run(context.Background(), testTask(port))

	assert.Equal(t, StatusFailure, outcome.Status)
	assert.Equal(t, KindProtocolError, outcome.Kind)
	assert.Contains(t, outcome.Message, "1.0.9")
	assert.Nil(t, outcome.ApiVersion)

	assert.Equal(t, []protocol.CommandName{
		protocol.CommandGetAPIVersion,
		protocol.CommandDisconnect,
	}, l.engine.Commands())
	assert.Equal(t, "FAILURE", lastLine(console.String()))
}

func TestScenarioEngineFatal(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, stderr: []string{"FATAL ERROR: license lost"}}
	var console bytes.Buffer

	outcome := newTestOrchestrator(&console, l).Run(context.Background(), testTask(port))

	assert.Equal(t, StatusFailure, outcome.Status)
	assert.Equal(t, KindEngineFatal, outcome.Kind)
	assert.Contains(t, outcome.Message, "FATAL ERROR: license lost")

	// The command sequence itself succeeded
	assert.Equal(t, []protocol.CommandName{
		protocol.CommandGetAPIVersion,
		protocol.CommandClearWorkspace,
		protocol.CommandCreateProject,
		protocol.CommandExecuteScript,
		protocol.CommandDisconnect,
	}, l.engine.Commands())

	out := console.String()
	assert.Contains(t, out, "FATAL ERROR: license lost\n")
	assert.Equal(t, "FAILURE", lastLine(out))
}

func TestFatalMarkerOnStdoutIsNotScanned(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, stdout: []string{"FATAL ERROR: printed by a script"}}
	var console bytes.Buffer

	outcome := newTestOrchestrator(&console, l).Run(context.Background(), testTask(port))

	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Empty(t, outcome.Kind)

	out := console.String()
	assert.Contains(t, out, "[EXAM] FATAL ERROR: printed by a script")
	assert.Equal(t, "SUCCESS", lastLine(out))
}

func TestScenarioCustomFatalMarker(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, stderr: []string{"PANIC in solver"}}
	task := testTask(port)
	task.FatalMarkers = []string{"PANIC"}

	outcome := newTestOrchestrator(io.Discard, l).Run(context.Background(), task)

	assert.Equal(t, KindEngineFatal, outcome.Kind)
}

func TestConnectTimeout(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, noEngine: true}
	task := testTask(port)
	task.ConnectTimeout = 300 * time.Millisecond
	task.JoinTimeout = 50 * time.Millisecond

	start := time.Now()
	outcome := newTestOrchestrator(io.Discard, l).Run(context.Background(), task)
	elapsed := time.Since(start)

	assert.Equal(t, KindConnectTimeout, outcome.Kind)
	assert.Contains(t, outcome.Message, "within 300ms")
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "should wait for the full connect timeout")
	assert.Less(t, elapsed, 2*time.Second, "should not wait much longer than the connect timeout")

	// The never-exiting process is reported, not escalated
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "still running")
}

func TestLaunchErrorListsInstallations(t *testing.T) {
	port := freePort(t)
	task := testTask(port)
	task.Executable = "examrun-missing-engine"
	task.Installations = []string{"EXAM", "EXAM-4.9"}
	var console bytes.Buffer

	o := newTestOrchestrator(&console, ExecLauncher(launcher.New(discardLogger())))
	outcome := o.Run(context.Background(), task)

	assert.Equal(t, KindLaunchError, outcome.Kind)
	assert.Contains(t, outcome.Message, "examrun-missing-engine")
	assert.Contains(t, outcome.Message, "EXAM, EXAM-4.9")
	assert.Zero(t, outcome.EnginePID)
	assert.Equal(t, "FAILURE", lastLine(console.String()))
}

func TestUnknownModelStopsSequence(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, configure: func(e *testharness.FakeEngine) {
		e.Models = []string{"Other"}
	}}

	outcome := newTestOrchestrator(io.Discard, l).Run(context.Background(), testTask(port))

	assert.Equal(t, KindProtocolError, outcome.Kind)
	assert.Contains(t, outcome.Message, "unknown_model")
	assert.Equal(t, []protocol.CommandName{
		protocol.CommandGetAPIVersion,
		protocol.CommandClearWorkspace,
		protocol.CommandCreateProject,
		protocol.CommandDisconnect,
	}, l.engine.Commands())
}

func TestScriptFailure(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, configure: func(e *testharness.FakeEngine) {
		e.ScriptError = "assertion failed in step 3"
	}}

	outcome := newTestOrchestrator(io.Discard, l).Run(context.Background(), testTask(port))

	assert.Equal(t, KindProtocolError, outcome.Kind)
	assert.Contains(t, outcome.Message, "assertion failed in step 3")
}

func TestInterruptedDuringExecute(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, configure: func(e *testharness.FakeEngine) {
		e.ExecuteDelay = 10 * time.Second
	}}
	task := testTask(port)
	task.JoinTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	outcome := newTestOrchestrator(io.Discard, l).Run(ctx, task)

	assert.Equal(t, KindInterrupted, outcome.Kind)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTaskTimeoutDuringExecute(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port, configure: func(e *testharness.FakeEngine) {
		e.ExecuteDelay = 10 * time.Second
	}}
	task := testTask(port)
	task.Timeout = 500 * time.Millisecond
	task.ConnectTimeout = 0
	task.JoinTimeout = 50 * time.Millisecond

	start := time.Now()
	outcome := newTestOrchestrator(io.Discard, l).Run(context.Background(), task)

	assert.Equal(t, KindTimeout, outcome.Kind)
	assert.Contains(t, outcome.Message, "500ms")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestInterruptedBeforeStart(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := newTestOrchestrator(io.Discard, l).Run(ctx, testTask(port))

	assert.Equal(t, KindInterrupted, outcome.Kind)
	assert.Zero(t, l.starts)
}

func TestLaunchSpec(t *testing.T) {
	port := freePort(t)
	l := &engineLauncher{t: t, port: port}
	task := testTask(port)
	task.Args = []string{"-clean", "-data", "/ws/exam_workspace"}
	task.Env = map[string]string{"EXAM_PORT": "8085"}
	task.Dir = "/ws"

	newTestOrchestrator(io.Discard, l).Run(context.Background(), task)

	assert.Equal(t, "EXAM", l.spec.Command)
	assert.Equal(t, task.Args, l.spec.Args)
	assert.Equal(t, task.Env, l.spec.Env)
	assert.Equal(t, "/ws", l.spec.Dir)
	assert.NotNil(t, l.spec.Stdout)
	assert.NotNil(t, l.spec.Stderr)
}
