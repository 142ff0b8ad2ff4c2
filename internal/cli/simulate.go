package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"txwatch/internal/app"
)

var (
	simulateActor      string
	simulateCount      int
	simulateAmount     string
	simulateInterval   time.Duration
	simulateRecipients int
	simulateTxType     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一个账户的交易序列并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCount <= 0 {
			return errors.New("--count 必须大于 0")
		}
		if simulateInterval < 0 {
			return errors.New("--interval 不能为负")
		}

		alerts, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			ActorID:    simulateActor,
			Count:      simulateCount,
			Amount:     simulateAmount,
			Interval:   simulateInterval,
			Recipients: simulateRecipients,
			TxType:     simulateTxType,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d alerts raised\n", len(alerts))
		for _, alert := range alerts {
			fmt.Fprintf(out, "%s\t%s\t%s\n", alert.Type, alert.Severity, alert.Description)
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateActor, "actor", "simulated-actor", "Actor identifier")
	simulateCmd.Flags().IntVar(&simulateCount, "count", 11, "Number of transactions")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "1", "Amount per transaction")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 5*time.Second, "Virtual time between transactions")
	simulateCmd.Flags().IntVar(&simulateRecipients, "recipients", 1, "Number of distinct recipients to cycle through")
	simulateCmd.Flags().StringVar(&simulateTxType, "type", "transfer", "Transaction type label")
}
