package commands

import (
	"github.com/spf13/cobra"
	"github.com/vitwit/paygate"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), paygate.GetVersion())
		},
	}
}
