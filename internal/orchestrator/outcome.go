package orchestrator

import (
	"time"

	"github.com/iambrandonn/examrun/internal/protocol"
)

// Status is the binary result reported to the caller
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Outcome is the terminal result of one task execution
type Outcome struct {
	RunID       string               `json:"run_id"`
	Status      Status               `json:"status"`
	Kind        Kind                 `json:"kind,omitempty"`
	Message     string               `json:"message,omitempty"`
	ApiVersion  *protocol.ApiVersion `json:"api_version,omitempty"`
	EnginePID   int                  `json:"engine_pid,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`

	// Err is the classified failure, nil on success
	Err *TaskError `json:"-"`
}

// Succeeded reports whether the task finished with SUCCESS
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Duration is the wall time from start to completion
func (o *Outcome) Duration() time.Duration {
	return o.CompletedAt.Sub(o.StartedAt)
}

func (o *Outcome) fail(err *TaskError) {
	o.Status = StatusFailure
	o.Kind = err.Kind
	o.Message = err.Message
	o.Err = err
}
