package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/devman/internal/core"
	"go.olrik.dev/devman/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run as HTTP/SSE daemon server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
	daemonCmd.Flags().Int("port", 3009, "port to listen on")
	daemonCmd.Flags().Int("idle-timeout", 120, "seconds of inactivity before a running server is stopped")

	return daemonCmd
}

func runDaemon() error {
	return daemon.Run(daemon.RunConfig{
		Port:          core.GetDaemonPort(),
		PortStart:     core.GetPortStart(),
		IdleTimeout:   core.GetIdleTimeout(),
		Retention:     core.GetRetention(),
		SweepInterval: core.GetSweepInterval(),
		ConfigFile:    core.GetConfigFilePath(),
	})
}
