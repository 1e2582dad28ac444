package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/iambrandonn/examrun/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and check examrun configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Write the default configuration. The format follows --format, or the
extension of path when given (.json, .yaml, .yml, .hcl).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().String("format", "", "Output format: json, yaml or hcl (default: from path, else json)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	force, _ := cmd.Flags().GetBool("force")

	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	path, err := configInitPath(path, format)
	if err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if err := config.GenerateDefault().SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

// configInitPath picks the file to write. An explicit format wins over the
// extension of path; a bare format picks examrun.<format>.
func configInitPath(path, format string) (string, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	switch format {
	case "", "json", "yaml", "yml", "hcl":
	default:
		return "", fmt.Errorf("unsupported format %q (use json, yaml or hcl)", format)
	}

	if path == "" {
		if format == "" {
			format = "json"
		}
		return "examrun." + format, nil
	}
	if format != "" && !strings.HasSuffix(strings.ToLower(path), "."+format) {
		path += "." + format
	}
	return path, nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(cmd, false, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d installation(s), %d model(s)\n",
		cfgPath, len(cfg.Installations), len(cfg.Models))
	return nil
}
