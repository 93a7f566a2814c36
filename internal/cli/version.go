package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"segmentation-gateway/internal/api"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), api.Version)
			return err
		},
	}
}
