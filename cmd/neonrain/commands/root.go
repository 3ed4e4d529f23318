// Package commands implements the neonrain CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "neonrain",
		Short: "Neonrain - persona chat agent with human pacing",
		Long: `Neonrain attaches a conversational AI persona to a chat surface
(web chat or a Discord guild) and replies with human-like typing pace.

Examples:
  neonrain serve
  neonrain serve --config ./config.yaml
  neonrain token new --label staging`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTokenCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
