package transcript

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/examrun/internal/protocol"
)

// Formatter formats session messages for console display
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatRequest formats a request sent to the engine
func (f *Formatter) FormatRequest(req *protocol.Request) string {
	var details string

	switch req.Command {
	case protocol.CommandClearWorkspace:
		if req.Scope != "" {
			details = fmt.Sprintf("scope: %s", req.Scope)
		} else {
			details = "scope: all"
		}

	case protocol.CommandCreateProject:
		if req.Model != nil {
			details = fmt.Sprintf("project: %s, model: %s", req.Model.ProjectName, req.Model.ModelName)
			if req.Model.TargetEndpoint != "" {
				details += fmt.Sprintf(", endpoint: %s", req.Model.TargetEndpoint)
			}
		}

	case protocol.CommandExecuteScript:
		if req.Script != nil {
			details = fmt.Sprintf("script: %s", f.formatSize(int64(len(req.Script.Script))))
			if req.Script.StartElement != "" {
				details += fmt.Sprintf(", start: %s", req.Script.StartElement)
			}
		}
	}

	if details != "" {
		return fmt.Sprintf("[examrun→EXAM] %s (%s)", req.Command, details)
	}
	return fmt.Sprintf("[examrun→EXAM] %s", req.Command)
}

// FormatResponse formats a response received from the engine
func (f *Formatter) FormatResponse(resp *protocol.Response) string {
	if !resp.OK() {
		if resp.Error == nil {
			return fmt.Sprintf("[EXAM] %s: %s", resp.Command, resp.Status)
		}
		if resp.Error.Code != "" {
			return fmt.Sprintf("[EXAM] %s: %s %s: %s", resp.Command, resp.Status, resp.Error.Code, resp.Error.Message)
		}
		return fmt.Sprintf("[EXAM] %s: %s: %s", resp.Command, resp.Status, resp.Error.Message)
	}

	if resp.Version != nil {
		return fmt.Sprintf("[EXAM] %s: %s (version %s)", resp.Command, resp.Status, resp.Version)
	}
	return fmt.Sprintf("[EXAM] %s: %s", resp.Command, resp.Status)
}

// FormatLog formats an engine log message for console display
func (f *Formatter) FormatLog(log *protocol.Log) string {
	level := strings.ToUpper(string(log.Level))
	return fmt.Sprintf("[LOG:%s] %s", level, log.Message)
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
