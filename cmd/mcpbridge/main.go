// Command mcpbridge serves the MCP streamable HTTP transport in front of an
// upstream MCP server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcpbridge",
		Short: "MCP streamable HTTP bridge",
		Long: `mcpbridge terminates MCP streamable HTTP sessions and forwards their
traffic to an upstream MCP server. It is configured from MCPBRIDGE_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpbridge %s (%s)\n", version, commit)
		},
	}
}
