package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Stop every active monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		swept, err := getApp().Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped %d monitorings\n", swept)
		return nil
	},
}
