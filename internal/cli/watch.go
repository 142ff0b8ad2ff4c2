package cli

import (
	"github.com/spf13/cobra"

	"txwatch/internal/app"
)

var watchProgramID string

var watchCmd = &cobra.Command{
	Use:   "watch <signature>",
	Short: "Follow one signature until it confirms, fails or times out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.WatchOptions{
			Signature: args[0],
			ProgramID: watchProgramID,
		}
		return getApp().Watch(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchProgramID, "program-id", "", "Program the signature belongs to")
}
