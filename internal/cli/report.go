package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	reportFrom string
	reportTo   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a compliance report for a period",
	RunE: func(cmd *cobra.Command, args []string) error {
		to := time.Now().UTC()
		if reportTo != "" {
			parsed, err := time.Parse(time.RFC3339, reportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			to = parsed.UTC()
		}

		from := to.Add(-24 * time.Hour)
		if reportFrom != "" {
			parsed, err := time.Parse(time.RFC3339, reportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			from = parsed.UTC()
		}

		return getApp().Report(cmd.Context(), from, to)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Period start (RFC3339, inclusive; defaults to 24h before --to)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Period end (RFC3339, exclusive; defaults to now)")
}
