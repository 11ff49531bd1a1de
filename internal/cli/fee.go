package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	feeAmount string
	feeTo     string
)

var feeCmd = &cobra.Command{
	Use:   "fee",
	Short: "Estimate the fee for a candidate withdrawal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if feeAmount == "" || feeTo == "" {
			return fmt.Errorf("--amount and --to must be provided")
		}
		return getApp().Fee(cmd.Context(), feeAmount, feeTo)
	},
}

func init() {
	feeCmd.Flags().StringVar(&feeAmount, "amount", "", "Amount in ZEC (decimal string)")
	feeCmd.Flags().StringVar(&feeTo, "to", "", "Destination address")
}
