package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// EngineDirName is the engine's own workspace inside the examrun workspace.
// The engine is started with the examrun workspace root as its working directory.
const EngineDirName = "exam_workspace"

// GetRequiredDirectories returns the directories that must exist in an examrun workspace
func GetRequiredDirectories() []string {
	return []string{
		"state",       // state/run.json
		"events",      // events/<run_id>.ndjson (session traffic)
		"transcripts", // transcripts/<run_id>.txt (console copy)
		"scripts",     // scripts/<run_id>.groovy (script snapshot)
		EngineDirName, // passed to the engine as its -data directory
	}
}

// Layout resolves the well-known paths of a workspace
type Layout struct {
	Root string
}

// NewLayout returns the layout for the workspace at root, made absolute
func NewLayout(root string) (Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve workspace %s: %w", root, err)
	}
	return Layout{Root: abs}, nil
}

// EngineWorkspace is the directory handed to the engine
func (l Layout) EngineWorkspace() string {
	return filepath.Join(l.Root, EngineDirName)
}

// EngineWorkingDir is the engine process working directory: the parent of its workspace
func (l Layout) EngineWorkingDir() string {
	return filepath.Dir(l.EngineWorkspace())
}

// RunStatePath is where the last run's record is kept
func (l Layout) RunStatePath() string {
	return filepath.Join(l.Root, "state", "run.json")
}

// EventLogPath is the NDJSON session log of one run
func (l Layout) EventLogPath(runID string) string {
	return filepath.Join(l.Root, "events", runID+".ndjson")
}

// TranscriptPath is the console copy of one run
func (l Layout) TranscriptPath(runID string) string {
	return filepath.Join(l.Root, "transcripts", runID+".txt")
}

// ScriptSnapshotPath is the workspace-relative path of one run's script copy
func (l Layout) ScriptSnapshotPath(runID string) string {
	return filepath.Join("scripts", runID+".groovy")
}

// Initialize creates all required workspace directories with 0700 permissions.
// It is safe to call repeatedly.
func Initialize(workspaceRoot string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks if a workspace has all required directories
func IsInitialized(workspaceRoot string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
