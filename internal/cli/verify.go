package cli

import (
	"math"

	"github.com/spf13/cobra"
)

var (
	verifyFromSeq int64
	verifyToSeq   int64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the compliance ledger hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		toSeq := verifyToSeq
		if toSeq <= 0 {
			toSeq = math.MaxInt64
		}
		return getApp().Verify(cmd.Context(), verifyFromSeq, toSeq)
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFromSeq, "from-seq", 1, "First sequence number to verify")
	verifyCmd.Flags().Int64Var(&verifyToSeq, "to-seq", 0, "Last sequence number to verify (0 = chain tail)")
}
