package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"txwatch/internal/app"
)

var (
	showLimit   int
	showActorID string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent persisted alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			ActorID: showActorID,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showActorID, "actor", "", "Only show alerts for this actor")
}
