package cli

import (
	"fmt"
	"net"
	"strconv"

	"github.com/iambrandonn/examrun/internal/session"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether an EXAM engine is already serving",
	Long: `Probe the configured endpoint once. A run refuses to start while an
engine answers there, so this shows whether a leftover engine is in the way.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().String("host", "", "Engine host (default: host from config)")
	probeCmd.Flags().Int("port", 0, "Engine port (default: port from config)")
	probeCmd.Flags().Duration("probe-timeout", 0, "Bound for the probe (default: 1s)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(cmd, false, logger)
	if err != nil {
		return err
	}

	host := cfg.Host
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		host = h
	}
	port := cfg.Port
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		port = p
	}
	probeTimeout, _ := cmd.Flags().GetDuration("probe-timeout")

	client := session.NewClient(host, port, logger, func(o *session.Options) {
		if probeTimeout > 0 {
			o.ProbeTimeout = probeTimeout
		}
	})

	endpoint := net.JoinHostPort(host, strconv.Itoa(port))
	if client.IsAvailable(cmd.Context()) {
		fmt.Fprintf(cmd.OutOrStdout(), "EXAM is running on %s\n", endpoint)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "no EXAM engine on %s\n", endpoint)
	}
	return nil
}
