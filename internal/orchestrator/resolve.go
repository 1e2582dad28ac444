package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/iambrandonn/examrun/internal/config"
	"github.com/iambrandonn/examrun/internal/protocol"
	"github.com/iambrandonn/examrun/internal/workspace"
)

// Params are the per-task settings a user chooses. Everything else comes from config.
type Params struct {
	RunID           string
	Tool            string // installation name, matched exactly
	Model           string // model name, matched ignoring case
	ModelConfig     string // model configuration reference passed through to the engine
	Script          string
	StartElement    string
	UseStartElement bool
	Timeout         time.Duration // <= 0 uses the configured default
	ConnectTimeout  time.Duration // <= 0 uses Timeout
	JavaOpts        string        // replaces the configured java_opts when set
}

// ResolveTask turns user params and configuration into a runnable Task.
// Relative env files are resolved against configDir.
func ResolveTask(cfg *config.Config, p Params, layout workspace.Layout, configDir string) (Task, error) {
	inst, err := cfg.FindInstallation(p.Tool)
	if err != nil {
		return Task{}, err
	}

	model, err := cfg.FindModel(p.Model)
	if err != nil {
		return Task{}, err
	}

	if strings.TrimSpace(p.Script) == "" {
		return Task{}, fmt.Errorf("no script given")
	}

	env, err := inst.EngineEnv(configDir)
	if err != nil {
		return Task{}, err
	}
	env["EXAM_PORT"] = strconv.Itoa(cfg.Port)
	env["EXAM_WORKSPACE"] = layout.EngineWorkspace()

	javaOpts := cfg.JavaOpts
	if strings.TrimSpace(p.JavaOpts) != "" {
		javaOpts = p.JavaOpts
	}

	args, err := EngineArgs(inst.Args, layout.EngineWorkspace(), javaOpts)
	if err != nil {
		return Task{}, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout()
	}

	script := protocol.ScriptConfiguration{Script: p.Script}
	if p.UseStartElement {
		script.StartElement = p.StartElement
	}

	return Task{
		RunID:         p.RunID,
		Executable:    inst.Executable,
		Args:          args,
		Env:           env,
		Dir:           layout.EngineWorkingDir(),
		Installations: cfg.InstallationNames(),
		Host:          cfg.Host,
		Port:          cfg.Port,
		Model: protocol.ModelConfiguration{
			ProjectName:     model.Name,
			ModelName:       model.ModelName,
			TargetEndpoint:  model.TargetEndpoint,
			ModelConfigUUID: p.ModelConfig,
		},
		Script:            script,
		Timeout:           timeout,
		ConnectTimeout:    p.ConnectTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout(),
		JoinTimeout:       cfg.JoinTimeout(),
		MinVersion:        MinimumAPIVersion,
		FatalMarkers:      cfg.FatalMarkers,
	}, nil
}

// EngineArgs composes the engine command line: the installation prefix, the
// engine workspace, then the java options as VM arguments. The options are
// split into words the way a shell would, honouring quotes and backslash
// escapes, and are not otherwise interpreted. -vmargs must come last because
// everything after it goes to the JVM.
func EngineArgs(prefix []string, engineWorkspace, javaOpts string) ([]string, error) {
	args := append([]string{}, prefix...)
	args = append(args, "-data", engineWorkspace)

	opts, err := shlex.Split(javaOpts)
	if err != nil {
		return nil, fmt.Errorf("invalid java options %q: %w", javaOpts, err)
	}
	if len(opts) > 0 {
		args = append(args, "--launcher.appendVmargs", "-vmargs")
		args = append(args, opts...)
	}
	return args, nil
}
