package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/iambrandonn/examrun/internal/fsutil"
)

// Status represents the overall state of a run
type Status string

const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Script identifies the script a run executed
type Script struct {
	Source       string `json:"source"` // "inline" or the path it was read from
	SnapshotPath string `json:"snapshot_path,omitempty"`
	SHA256       string `json:"sha256"`
	Size         int64  `json:"size"`
	StartElement string `json:"start_element,omitempty"`
}

// RunState is the persisted record of the latest task execution
type RunState struct {
	RunID       string     `json:"run_id"`
	Status      Status     `json:"status"`
	Tool        string     `json:"tool"`
	Model       string     `json:"model"`
	Endpoint    string     `json:"endpoint"`
	Script      Script     `json:"script"`
	ApiVersion  string     `json:"api_version,omitempty"`
	EnginePID   int        `json:"engine_pid,omitempty"`
	FailureKind string     `json:"failure_kind,omitempty"`
	Message     string     `json:"message,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
	EventLog    string     `json:"event_log,omitempty"`
	Transcript  string     `json:"transcript,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRunState creates a new run state
func NewRunState(runID, tool, model string) *RunState {
	return &RunState{
		RunID:     runID,
		Status:    StatusRunning,
		Tool:      tool,
		Model:     model,
		StartedAt: time.Now().UTC(),
	}
}

// SaveRunState writes run state to disk atomically
func SaveRunState(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// LoadRunState reads run state from disk
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return &state, nil
}

// IsTerminal reports whether the run has finished, in any way
func (s *RunState) IsTerminal() bool {
	return s.Status != StatusRunning
}

// MarkSucceeded marks the run as succeeded
func (s *RunState) MarkSucceeded() {
	s.Status = StatusSucceeded
	s.FailureKind = ""
	s.Message = ""
	s.complete()
}

// MarkFailed marks the run as failed with the classified failure kind
func (s *RunState) MarkFailed(kind, message string) {
	s.Status = StatusFailed
	s.FailureKind = kind
	s.Message = message
	s.complete()
}

// MarkInterrupted marks the run as stopped by the user
func (s *RunState) MarkInterrupted(message string) {
	s.Status = StatusInterrupted
	s.FailureKind = "interrupted"
	s.Message = message
	s.complete()
}

// AddWarning records a teardown problem
func (s *RunState) AddWarning(warning string) {
	s.Warnings = append(s.Warnings, warning)
}

func (s *RunState) complete() {
	now := time.Now().UTC()
	s.CompletedAt = &now
}
