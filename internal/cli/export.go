package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"siphon-rainrate/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportRainOnly  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export archive rain rates as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			RainOnly:  exportRainOnly,
		}

		if exportFrom != "" {
			from, err := parseTimeFlag(exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := parseTimeFlag(exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 or a unix dateTime as stored by the station.
func parseTimeFlag(v string) (time.Time, error) {
	if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start of the window, RFC3339 or unix dateTime (inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End of the window, RFC3339 or unix dateTime (exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum archive periods to export (defaults to config)")
	exportCmd.Flags().BoolVar(&exportRainOnly, "rain-only", false, "Skip archive periods with no rain")
}
