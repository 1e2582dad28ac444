package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/iambrandonn/examrun/internal/runstate"
	"github.com/iambrandonn/examrun/internal/workspace"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the record of the last run",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw run record as JSON")
	statusCmd.Flags().StringP("workspace", "w", "", "Workspace root (default: workspace_root from config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(cmd, false, logger)
	if err != nil {
		return err
	}

	workspaceRoot, _ := cmd.Flags().GetString("workspace")
	if workspaceRoot == "" {
		workspaceRoot = determineWorkspaceRoot(cfg, cfgPath)
	}
	layout, err := workspace.NewLayout(workspaceRoot)
	if err != nil {
		return err
	}

	state, err := runstate.LoadRunState(layout.RunStatePath())
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(cmd.OutOrStdout(), "no runs recorded in %s\n", layout.Root)
		return nil
	}
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	printRunState(cmd.OutOrStdout(), state)
	return nil
}

func printRunState(w io.Writer, s *runstate.RunState) {
	fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "Status:     %s\n", s.Status)
	fmt.Fprintf(w, "Tool:       %s\n", s.Tool)
	fmt.Fprintf(w, "Model:      %s\n", s.Model)
	fmt.Fprintf(w, "Endpoint:   %s\n", s.Endpoint)
	if s.ApiVersion != "" {
		fmt.Fprintf(w, "API:        %s\n", s.ApiVersion)
	}
	fmt.Fprintf(w, "Script:     %s (%d bytes, %s)\n", s.Script.Source, s.Script.Size, s.Script.SHA256)
	if s.Script.StartElement != "" {
		fmt.Fprintf(w, "Start:      %s\n", s.Script.StartElement)
	}
	fmt.Fprintf(w, "Started:    %s\n", s.StartedAt.Format("2006-01-02 15:04:05Z07:00"))
	if s.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:  %s (%s)\n", s.CompletedAt.Format("2006-01-02 15:04:05Z07:00"),
			s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	if s.FailureKind != "" {
		fmt.Fprintf(w, "Failure:    %s: %s\n", s.FailureKind, s.Message)
	}
	if len(s.Warnings) > 0 {
		fmt.Fprintf(w, "Warnings:   %s\n", strings.Join(s.Warnings, "; "))
	}
	if s.EventLog != "" {
		fmt.Fprintf(w, "Events:     %s\n", s.EventLog)
	}
	if s.Transcript != "" {
		fmt.Fprintf(w, "Transcript: %s\n", s.Transcript)
	}
}
