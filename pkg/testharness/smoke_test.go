package testharness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/iambrandonn/examrun/internal/runstate"
)

var (
	buildOnce     sync.Once
	examrunBin    string
	mockengineBin string
	buildErr      error
)

func TestRunSmokeSuccess(t *testing.T) {
	result := runSmokeScenario(t, ScenarioSuccess)

	if !strings.HasSuffix(strings.TrimSpace(result.Stdout), "SUCCESS") {
		t.Fatalf("expected SUCCESS as the last line:\n%s", result.Stdout)
	}
	if !strings.Contains(result.Stdout, "EXAM api version: 1.2.0") {
		t.Errorf("expected negotiated version on console:\n%s", result.Stdout)
	}
	if !strings.Contains(result.Stdout, "[EXAM] EXAM engine listening on") {
		t.Errorf("expected annotated engine output on console:\n%s", result.Stdout)
	}
	if result.RunState.ApiVersion != "1.2.0" {
		t.Errorf("unexpected api version in run state: %s", result.RunState.ApiVersion)
	}

	logPath := filepath.Join(result.Workspace, result.RunState.EventLog)
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read event log: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"execute_script"`, `"disconnect"`, `"script done"`} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %s in event log:\n%s", want, text)
		}
	}

	snapshot := filepath.Join(result.Workspace, result.RunState.Script.SnapshotPath)
	script, err := os.ReadFile(snapshot)
	if err != nil {
		t.Fatalf("failed to read script snapshot: %v", err)
	}
	if string(script) != "println 'smoke'" {
		t.Errorf("unexpected script snapshot: %q", script)
	}

	if _, err := os.Stat(filepath.Join(result.Workspace, "exam_workspace")); err != nil {
		t.Errorf("engine workspace missing: %v", err)
	}
}

func TestRunSmokeFailures(t *testing.T) {
	for _, scenario := range []Scenario{ScenarioIncompatibleVersion, ScenarioEngineFatal, ScenarioUnknownModel} {
		t.Run(scenario.Name, func(t *testing.T) {
			result := runSmokeScenario(t, scenario)

			if result.RunState.FailureKind != scenario.WantKind {
				t.Fatalf("failure kind = %s, want %s\nstdout:%s", result.RunState.FailureKind, scenario.WantKind, result.Stdout)
			}
			if !strings.Contains(result.Stdout, "ERROR: ") {
				t.Errorf("expected an ERROR line:\n%s", result.Stdout)
			}
			if !strings.HasSuffix(strings.TrimSpace(result.Stdout), "FAILURE") {
				t.Errorf("expected FAILURE as the last line:\n%s", result.Stdout)
			}
		})
	}
}

func runSmokeScenario(t *testing.T, scenario Scenario) *SmokeResult {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping end-to-end smoke test in short mode")
	}

	buildOnce.Do(func() {
		var repoRoot string
		repoRoot, buildErr = DetectRepoRoot()
		if buildErr != nil {
			return
		}
		binDir, err := os.MkdirTemp("", "examrun-smoke-bin-")
		if err != nil {
			buildErr = err
			return
		}
		examrunBin, mockengineBin, buildErr = BuildBinaries(context.Background(), repoRoot, binDir)
	})
	if buildErr != nil {
		t.Fatalf("failed to build binaries: %v", buildErr)
	}

	result, err := RunSmoke(context.Background(), SmokeOptions{
		Scenario:         scenario,
		ExamrunBinary:    examrunBin,
		MockEngineBinary: mockengineBin,
		WorkspaceDir:     filepath.Join(t.TempDir(), "workspace"),
	})
	if err != nil {
		t.Fatalf("RunSmoke returned error: %v", err)
	}

	if scenario.WantSuccess && result.RunErr != nil {
		t.Fatalf("examrun run returned error: %v\nstdout:%s\nstderr:%s", result.RunErr, result.Stdout, result.Stderr)
	}
	if !scenario.WantSuccess && result.RunErr == nil {
		t.Fatalf("expected examrun to fail\nstdout:%s", result.Stdout)
	}
	if result.RunState == nil {
		t.Fatal("expected run state to be captured")
	}

	wantStatus := runstate.StatusFailed
	if scenario.WantSuccess {
		wantStatus = runstate.StatusSucceeded
	}
	if result.RunState.Status != wantStatus {
		t.Fatalf("expected run status %s, got %s", wantStatus, result.RunState.Status)
	}

	return result
}
