package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageKind represents the envelope type
type MessageKind string

const (
	MessageKindRequest  MessageKind = "request"
	MessageKindResponse MessageKind = "response"
	MessageKindLog      MessageKind = "log"
)

// CommandName identifies one command of the engine session vocabulary
type CommandName string

const (
	// CommandProbe asks whether the engine endpoint is serving. It has no session side effects.
	CommandProbe CommandName = "probe"
	// CommandGetAPIVersion returns the engine's API version triple.
	CommandGetAPIVersion CommandName = "get_api_version"
	// CommandClearWorkspace resets the engine workspace. Safe to send when nothing is loaded.
	CommandClearWorkspace CommandName = "clear_workspace"
	// CommandCreateProject opens the model project described by a ModelConfiguration.
	CommandCreateProject CommandName = "create_project"
	// CommandExecuteScript runs a script and answers only after the engine has finished it.
	CommandExecuteScript CommandName = "execute_script"
	// CommandDisconnect ends the session.
	CommandDisconnect CommandName = "disconnect"
)

// ResponseStatus is the engine's verdict on a request
type ResponseStatus string

const (
	ResponseStatusOK    ResponseStatus = "ok"
	ResponseStatusError ResponseStatus = "error"
)

// Well-known error codes carried in ErrorBody.Code
const (
	ErrorCodeUnknownModel       = "unknown_model"
	ErrorCodeUnknownCommand     = "unknown_command"
	ErrorCodeScriptFailed       = "script_failed"
	ErrorCodeUnsupportedVersion = "unsupported_version"
)

// ApiVersion is the engine's reported API version. Patch is informational.
type ApiVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// String renders the version as major.minor.patch
func (v ApiVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseApiVersion parses "major.minor" or "major.minor.patch"
func ParseApiVersion(s string) (ApiVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return ApiVersion{}, fmt.Errorf("invalid api version %q: want major.minor[.patch]", s)
	}

	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return ApiVersion{}, fmt.Errorf("invalid api version %q: %q is not a non-negative number", s, part)
		}
		nums[i] = n
	}
	return ApiVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compatible reports whether a session against an engine reporting v may be used
// by a client that requires at least required. Major must match exactly.
func (v ApiVersion) Compatible(required ApiVersion) bool {
	return v.Major == required.Major && v.Minor >= required.Minor
}

// Compare orders versions by major, then minor, then patch.
func (v ApiVersion) Compare(other ApiVersion) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ModelConfiguration identifies the model project the engine opens before running a script
type ModelConfiguration struct {
	ProjectName     string `json:"project_name"`
	ModelName       string `json:"model_name"`
	TargetEndpoint  string `json:"target_endpoint"`
	ModelConfigUUID string `json:"model_config_uuid,omitempty"`
}

// ScriptConfiguration is the unit of work sent to the engine.
// StartElement is empty when the script runs without a start scope.
type ScriptConfiguration struct {
	Script       string `json:"script"`
	StartElement string `json:"start_element"`
}

// Request is sent from examrun to the engine
type Request struct {
	Kind      MessageKind          `json:"kind"`
	MessageID string               `json:"message_id"`
	Command   CommandName          `json:"command"`
	Scope     string               `json:"scope,omitempty"`
	Model     *ModelConfiguration  `json:"model,omitempty"`
	Script    *ScriptConfiguration `json:"script,omitempty"`
	SentAt    time.Time            `json:"sent_at"`
}

// ErrorBody describes why the engine rejected a request
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is sent from the engine to examrun, one per request
type Response struct {
	Kind       MessageKind    `json:"kind"`
	InReplyTo  string         `json:"in_reply_to"`
	Command    CommandName    `json:"command,omitempty"`
	Status     ResponseStatus `json:"status"`
	Version    *ApiVersion    `json:"version,omitempty"`
	Available  *bool          `json:"available,omitempty"`
	Error      *ErrorBody     `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// OK reports whether the engine accepted the request
func (r *Response) OK() bool {
	return r.Status == ResponseStatusOK
}

// LogLevel represents log severity
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Log is a diagnostic message the engine may emit at any time, e.g. while a script runs
type Log struct {
	Kind      MessageKind `json:"kind"`
	Level     LogLevel    `json:"level"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}
