package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"txwatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportBucket    time.Duration
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted alerts as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportPNGPath == "" && exportCSVPath == "" {
			return fmt.Errorf("at least one of --csv or --png is required")
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Bucket:    exportBucket,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart of alert counts")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV alert rows")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum CSV rows to export (defaults to config)")
	exportCmd.Flags().DurationVar(&exportBucket, "bucket", time.Hour, "Chart bucket width")
}
