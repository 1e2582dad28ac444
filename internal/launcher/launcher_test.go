package launcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "EXAMRUN_LAUNCHER_HELPER"

// TestMain lets the test binary double as a small engine stand-in
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "output":
		fmt.Fprintln(os.Stdout, "engine ready")
		fmt.Fprintln(os.Stderr, "engine warning")
		os.Exit(0)
	case "env":
		fmt.Fprintln(os.Stdout, os.Getenv("EXAM_MARK"))
		os.Exit(0)
	case "pwd":
		wd, _ := os.Getwd()
		fmt.Fprintln(os.Stdout, wd)
		os.Exit(0)
	case "sleep":
		time.Sleep(3 * time.Second)
		os.Exit(0)
	case "fail":
		os.Exit(3)
	}
}

// syncBuffer is a bytes.Buffer safe for the exec copy goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func helperSpec(mode string, stdout, stderr io.Writer) Spec {
	return Spec{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{helperEnv: mode},
		Stdout:  stdout,
		Stderr:  stderr,
	}
}

func testLauncher() *Launcher {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStartRoutesOutput(t *testing.T) {
	var stdout, stderr syncBuffer

	proc, err := testLauncher().Start(helperSpec("output", &stdout, &stderr))
	require.NoError(t, err)

	require.True(t, proc.JoinWithTimeout(5*time.Second))
	assert.False(t, proc.IsAlive())
	assert.NoError(t, proc.ExitErr())
	assert.Equal(t, "engine ready\n", stdout.String())
	assert.Equal(t, "engine warning\n", stderr.String())
}

func TestStartPassesEnvironment(t *testing.T) {
	var stdout syncBuffer
	spec := helperSpec("env", &stdout, io.Discard)
	spec.Env["EXAM_MARK"] = "marked"

	proc, err := testLauncher().Start(spec)
	require.NoError(t, err)
	require.True(t, proc.JoinWithTimeout(5*time.Second))

	assert.Equal(t, "marked\n", stdout.String())
}

func TestStartUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	var stdout syncBuffer
	spec := helperSpec("pwd", &stdout, io.Discard)
	spec.Dir = dir

	proc, err := testLauncher().Start(spec)
	require.NoError(t, err)
	require.True(t, proc.JoinWithTimeout(5*time.Second))

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestJoinTimesOutWithoutKilling(t *testing.T) {
	proc, err := testLauncher().Start(helperSpec("sleep", io.Discard, io.Discard))
	require.NoError(t, err)

	start := time.Now()
	joined := proc.JoinWithTimeout(100 * time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, joined)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, proc.IsAlive(), "a timed-out join must leave the process running")
	assert.Nil(t, proc.ExitErr())

	// Let it finish so the test does not leak the child
	require.True(t, proc.JoinWithTimeout(10*time.Second))
}

func TestExitErrorIsRecorded(t *testing.T) {
	proc, err := testLauncher().Start(helperSpec("fail", io.Discard, io.Discard))
	require.NoError(t, err)
	require.True(t, proc.JoinWithTimeout(5*time.Second))

	var exitErr *exec.ExitError
	require.ErrorAs(t, proc.ExitErr(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())

	select {
	case <-proc.Done():
	default:
		t.Error("Done should be closed after exit")
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name   string
		spec   Spec
		target error
	}{
		{
			name:   "missing executable",
			spec:   Spec{Command: "examrun-no-such-engine"},
			target: exec.ErrNotFound,
		},
		{
			name: "missing working directory",
			spec: Spec{Command: os.Args[0], Dir: filepath.Join(t.TempDir(), "absent")},
		},
		{
			name: "empty command",
			spec: Spec{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, err := testLauncher().Start(tt.spec)
			require.Error(t, err)
			assert.Nil(t, proc)

			var launchErr *LaunchError
			require.True(t, errors.As(err, &launchErr))
			assert.Equal(t, tt.spec.Command, launchErr.Command)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}
