package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/devman/internal/core"
	"go.olrik.dev/devman/internal/proxy"
)

func NewStdioCommand() *cobra.Command {
	stdioCmd := &cobra.Command{
		Use:   "stdio",
		Short: "Run as STDIO proxy that connects to daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return proxy.Run(cmd.Context(), core.GetDaemonURL())
		},
	}
	stdioCmd.Flags().String("daemon-url", "http://127.0.0.1:3009/sse", "URL of the daemon's SSE endpoint")

	return stdioCmd
}
