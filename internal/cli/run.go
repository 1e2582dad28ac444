package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/examrun/internal/eventlog"
	"github.com/iambrandonn/examrun/internal/fsutil"
	"github.com/iambrandonn/examrun/internal/launcher"
	"github.com/iambrandonn/examrun/internal/orchestrator"
	"github.com/iambrandonn/examrun/internal/runstate"
	"github.com/iambrandonn/examrun/internal/session"
	"github.com/iambrandonn/examrun/internal/transcript"
	"github.com/iambrandonn/examrun/internal/workspace"
	"github.com/spf13/cobra"
)

// maxScriptBytes bounds scripts read with --script-file
const maxScriptBytes = 4 << 20

// engineLauncherFactory creates the launcher used for engine processes.
// Tests replace it to run against an in-process engine.
var engineLauncherFactory = func(logger *slog.Logger) orchestrator.Launcher {
	return orchestrator.ExecLauncher(launcher.New(logger))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a script against a freshly launched EXAM engine",
	Long: `Launch the selected EXAM installation, open the configured model and
execute a Groovy script. The engine is disconnected and joined afterwards,
whatever the result. Exits non-zero when the task fails.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("tool", "t", "", "EXAM installation name (default: first configured installation)")
	runCmd.Flags().StringP("model", "m", "", "Model name from the config (matched ignoring case)")
	runCmd.Flags().String("model-config", "", "Model configuration reference passed to the engine")
	runCmd.Flags().StringP("script", "s", "", "Inline Groovy script")
	runCmd.Flags().StringP("script-file", "f", "", "Groovy script file, relative to the workspace root")
	runCmd.Flags().String("start-element", "", "Element the script starts from")
	runCmd.Flags().Bool("use-start-element", false, "Send --start-element to the engine")
	runCmd.Flags().Duration("timeout", 0, "Task timeout (default: default_timeout_s from config)")
	runCmd.Flags().Duration("connect-timeout", 0, "Time to wait for the engine to accept a session (default: the task timeout)")
	runCmd.Flags().String("java-opts", "", "JVM options for the engine, replacing java_opts from config")
	runCmd.Flags().StringP("workspace", "w", "", "Workspace root (default: workspace_root from config)")

	runCmd.MarkFlagRequired("model")
	runCmd.MarkFlagsMutuallyExclusive("script", "script-file")
	runCmd.MarkFlagsOneRequired("script", "script-file")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(cmd, true, logger)
	if err != nil {
		return err
	}

	workspaceRoot, _ := cmd.Flags().GetString("workspace")
	if workspaceRoot == "" {
		workspaceRoot = determineWorkspaceRoot(cfg, cfgPath)
	}
	if err := workspace.Initialize(workspaceRoot); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}
	layout, err := workspace.NewLayout(workspaceRoot)
	if err != nil {
		return err
	}
	logger.Info("workspace initialized", "path", layout.Root)

	params, scriptSource, err := runParams(cmd, layout)
	if err != nil {
		return err
	}
	if params.Tool == "" && len(cfg.Installations) > 0 {
		params.Tool = cfg.Installations[0].Name
	}
	params.RunID = newRunID(time.Now())

	task, err := orchestrator.ResolveTask(cfg, params, layout, filepath.Dir(cfgPath))
	if err != nil {
		return err
	}

	snap, err := fsutil.WriteSnapshot(layout.Root, layout.ScriptSnapshotPath(task.RunID), []byte(task.Script.Script))
	if err != nil {
		return fmt.Errorf("failed to save script snapshot: %w", err)
	}

	state := runstate.NewRunState(task.RunID, params.Tool, task.Model.ProjectName)
	state.Endpoint = net.JoinHostPort(task.Host, strconv.Itoa(task.Port))
	state.Script = runstate.Script{
		Source:       scriptSource,
		SnapshotPath: snap.Path,
		SHA256:       snap.SHA256,
		Size:         snap.Size,
		StartElement: task.Script.StartElement,
	}
	state.EventLog = relativeTo(layout.Root, layout.EventLogPath(task.RunID))
	state.Transcript = relativeTo(layout.Root, layout.TranscriptPath(task.RunID))

	statePath := layout.RunStatePath()
	if err := runstate.SaveRunState(state, statePath); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	logger.Info("run initialized", "run_id", task.RunID)

	evtLog, err := eventlog.NewEventLog(layout.EventLogPath(task.RunID), logger)
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}
	defer evtLog.Close()

	transcriptFile, err := os.OpenFile(layout.TranscriptPath(task.RunID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create transcript: %w", err)
	}
	defer transcriptFile.Close()

	console := transcript.NewSyncWriter(io.MultiWriter(cmd.OutOrStdout(), transcriptFile))
	recorder := session.Recorders{evtLog, transcript.NewConsoleRecorder(console)}

	newSession := func(host string, port int) orchestrator.Session {
		return session.NewClient(host, port, logger, func(o *session.Options) {
			o.Recorder = recorder
		})
	}

	orch := orchestrator.New(logger, console, newSession, engineLauncherFactory(logger))
	outcome := orch.Run(cmd.Context(), task)

	recordOutcome(state, outcome)
	if err := runstate.SaveRunState(state, statePath); err != nil {
		logger.Warn("failed to save final run state", "error", err)
	}

	if !outcome.Succeeded() {
		return fmt.Errorf("%w: %s", ErrTaskFailed, outcome.Kind)
	}
	logger.Info("task execution complete", "run_id", task.RunID, "duration", outcome.Duration())
	return nil
}

// runParams collects the task flags. The returned source names where the
// script came from.
func runParams(cmd *cobra.Command, layout workspace.Layout) (orchestrator.Params, string, error) {
	flags := cmd.Flags()

	var p orchestrator.Params
	p.Tool, _ = flags.GetString("tool")
	p.Model, _ = flags.GetString("model")
	p.ModelConfig, _ = flags.GetString("model-config")
	p.StartElement, _ = flags.GetString("start-element")
	p.UseStartElement, _ = flags.GetBool("use-start-element")
	p.Timeout, _ = flags.GetDuration("timeout")
	p.ConnectTimeout, _ = flags.GetDuration("connect-timeout")
	p.JavaOpts, _ = flags.GetString("java-opts")

	if scriptFile, _ := flags.GetString("script-file"); scriptFile != "" {
		script, err := fsutil.ReadScriptFile(layout.Root, scriptFile, maxScriptBytes)
		if err != nil {
			return p, "", err
		}
		p.Script = script
		return p, scriptFile, nil
	}

	p.Script, _ = flags.GetString("script")
	return p, "inline", nil
}

func recordOutcome(state *runstate.RunState, outcome *orchestrator.Outcome) {
	if outcome.ApiVersion != nil {
		state.ApiVersion = outcome.ApiVersion.String()
	}
	state.EnginePID = outcome.EnginePID
	for _, w := range outcome.Warnings {
		state.AddWarning(w)
	}

	switch {
	case outcome.Succeeded():
		state.MarkSucceeded()
	case outcome.Kind == orchestrator.KindInterrupted:
		state.MarkInterrupted(outcome.Message)
	default:
		state.MarkFailed(string(outcome.Kind), outcome.Message)
	}
}

func newRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}
