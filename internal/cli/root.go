// Package cli is the gateway command line: serve, config, token and version.
package cli

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "segmentation-gateway",
		Short:         "Segmentation inference gateway",
		Long:          "segmentation-gateway serves image segmentation and video object tracking over HTTP and WebSocket, in front of a GPU segmentation engine.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "optional config file (yaml, json, toml or env)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newConfigCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}
