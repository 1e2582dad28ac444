package testharness

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/iambrandonn/examrun/internal/config"
	"github.com/iambrandonn/examrun/internal/runstate"
	"github.com/iambrandonn/examrun/internal/workspace"
)

// Scenario defines a deterministic end-to-end run of the examrun binary
// against the mockengine binary.
type Scenario struct {
	Name string
	// EngineArgs are prepended to the engine command line as installation args
	EngineArgs []string
	// RunArgs are appended to "examrun run"
	RunArgs []string
	// WantSuccess is the expected exit status of examrun
	WantSuccess bool
	// WantKind is the expected failure kind in the run record
	WantKind string
}

var (
	// ScenarioSuccess runs a script to completion
	ScenarioSuccess = Scenario{
		Name:        "success",
		EngineArgs:  []string{"-script-logs", "loading model,script done"},
		WantSuccess: true,
	}
	// ScenarioIncompatibleVersion is rejected during negotiation
	ScenarioIncompatibleVersion = Scenario{
		Name:       "incompatible-version",
		EngineArgs: []string{"-api-version", "1.0.0"},
		WantKind:   "protocol_error",
	}
	// ScenarioEngineFatal completes the commands but reports a fatal error on stderr
	ScenarioEngineFatal = Scenario{
		Name:       "engine-fatal",
		EngineArgs: []string{"-fatal", "FATAL ERROR: license server unreachable"},
		WantKind:   "engine_fatal",
	}
	// ScenarioUnknownModel is rejected by create_project
	ScenarioUnknownModel = Scenario{
		Name:       "unknown-model",
		EngineArgs: []string{"-models", "SomethingElse"},
		WantKind:   "protocol_error",
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario         Scenario
	ExamrunBinary    string
	MockEngineBinary string
	WorkspaceDir     string
	Env              map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   Scenario
	Workspace  string
	Stdout     string
	Stderr     string
	RunErr     error
	RunState   *runstate.RunState
	ConfigPath string
}

// RunSmoke executes a smoke scenario using the provided binaries.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.ExamrunBinary == "" {
		return nil, fmt.Errorf("examrun binary path is required")
	}
	if opts.MockEngineBinary == "" {
		return nil, fmt.Errorf("mockengine binary path is required")
	}

	ws := opts.WorkspaceDir
	if ws == "" {
		var err error
		ws, err = os.MkdirTemp("", "examrun-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	port, err := freePort()
	if err != nil {
		return nil, err
	}

	cfg := config.GenerateDefault()
	cfg.WorkspaceRoot = "."
	cfg.Port = port
	cfg.DefaultTimeoutS = 30
	cfg.DisconnectTimeoutS = 5
	cfg.JoinTimeoutS = 5
	cfg.Installations = []config.Installation{{
		Name:       "EXAM",
		Executable: opts.MockEngineBinary,
		Args:       append([]string{}, opts.Scenario.EngineArgs...),
	}}
	cfg.Models = []config.Model{{
		Name:           "Demo",
		ModelName:      "DemoModel",
		TargetEndpoint: "http://exam.local/api",
	}}

	configPath := filepath.Join(ws, "examrun.json")
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}

	args := []string{"run", "--config", configPath, "--model", "demo", "--script", "println 'smoke'"}
	args = append(args, opts.Scenario.RunArgs...)

	cmd := exec.CommandContext(ctx, opts.ExamrunBinary, args...)
	cmd.Dir = ws
	cmd.Stdout = stdOut
	cmd.Stderr = stdErr
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	runErr := cmd.Run()

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  ws,
		Stdout:     stdOut.String(),
		Stderr:     stdErr.String(),
		RunErr:     runErr,
		ConfigPath: configPath,
	}

	layout := workspace.Layout{Root: ws}
	if st, err := runstate.LoadRunState(layout.RunStatePath()); err == nil {
		result.RunState = st
	}

	return result, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to reserve a port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
