package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/iambrandonn/examrun/internal/config"
	"github.com/spf13/cobra"
)

// configFileNames are searched, in order, in each directory up the tree
var configFileNames = []string{"examrun.json", "examrun.yaml", "examrun.yml", "examrun.hcl"}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}

// newLogger builds the diagnostic logger. It writes to stderr so the console
// output on stdout stays clean.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	level, err := parseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	})), nil
}

// ErrNoConfig is returned by commands that need an existing config file
var ErrNoConfig = errors.New("no examrun config found (create one with 'examrun config init')")

// loadOrCreateConfig loads the config named by configPath, or the nearest one
// up the directory tree. When none exists and create is set, a default
// examrun.json is written to the current directory; otherwise ErrNoConfig
// is returned.
func loadOrCreateConfig(configPath string, create bool, logger *slog.Logger) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		logger.Info("found existing config", "path", foundPath)
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	if !create {
		return nil, "", ErrNoConfig
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, configFileNames[0])
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	return cfg, defaultPath, nil
}

// findConfigInTree searches up the directory tree for an examrun config file
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		for _, name := range configFileNames {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// determineWorkspaceRoot resolves the configured workspace relative to the config file
func determineWorkspaceRoot(cfg *config.Config, configPath string) string {
	configDir := filepath.Dir(configPath)
	if cfg.WorkspaceRoot == "" || cfg.WorkspaceRoot == "." {
		return configDir
	}
	if filepath.IsAbs(cfg.WorkspaceRoot) {
		return cfg.WorkspaceRoot
	}
	return filepath.Join(configDir, cfg.WorkspaceRoot)
}

// loadConfig loads and validates the config selected by the --config flag.
// Only create writes a default config when none is found.
func loadConfig(cmd *cobra.Command, create bool, logger *slog.Logger) (*config.Config, string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, create, logger)
	if err != nil {
		return nil, "", err
	}
	logger.Info("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}
