package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

// ErrTaskFailed is returned by run when the task finished with FAILURE. The
// failure itself has already been reported on the console.
var ErrTaskFailed = errors.New("task failed")

var rootCmd = &cobra.Command{
	Use:   "examrun",
	Short: "Run Groovy scripts against an EXAM engine",
	Long: `examrun launches an EXAM engine, opens a session to it, and runs a
Groovy script against a configured model. The engine is always shut down
again, and the run ends with a single SUCCESS or FAILURE line.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to examrun config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "info", "Diagnostic log level (debug, info, warn, error)")
}

// Execute runs the root command. Cancelling ctx interrupts a running task.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
