package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"shieldgate/internal/service"
)

var (
	withdrawRequestID string
	withdrawUser      string
	withdrawFrom      string
	withdrawTo        string
	withdrawAmount    string
	withdrawMemo      string
)

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Process one withdrawal through admission, submission, and tracking",
	RunE: func(cmd *cobra.Command, args []string) error {
		if withdrawUser == "" || withdrawFrom == "" || withdrawTo == "" || withdrawAmount == "" {
			return fmt.Errorf("--user, --from, --to, and --amount must be provided")
		}

		req := service.WithdrawalRequest{
			RequestID:   withdrawRequestID,
			UserID:      withdrawUser,
			FromAddress: withdrawFrom,
			ToAddress:   withdrawTo,
			AmountZEC:   withdrawAmount,
			Memo:        withdrawMemo,
		}
		return getApp().Withdraw(cmd.Context(), req)
	},
}

func init() {
	withdrawCmd.Flags().StringVar(&withdrawRequestID, "request-id", "", "Idempotency key (generated when empty)")
	withdrawCmd.Flags().StringVar(&withdrawUser, "user", "", "User identifier")
	withdrawCmd.Flags().StringVar(&withdrawFrom, "from", "", "Source shielded address")
	withdrawCmd.Flags().StringVar(&withdrawTo, "to", "", "Destination address")
	withdrawCmd.Flags().StringVar(&withdrawAmount, "amount", "", "Amount in ZEC (decimal string)")
	withdrawCmd.Flags().StringVar(&withdrawMemo, "memo", "", "Memo for shielded destinations")
}
