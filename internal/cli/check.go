package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	checkRateUser   string
	checkRateAmount string
)

var checkRateCmd = &cobra.Command{
	Use:   "check-rate",
	Short: "Evaluate the rate limit quotas without reserving usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateCheckFlags(checkRateUser, checkRateAmount); err != nil {
			return err
		}
		return getApp().CheckRate(cmd.Context(), checkRateUser, checkRateAmount)
	},
}

var (
	checkVelocityUser   string
	checkVelocityAmount string
)

var checkVelocityCmd = &cobra.Command{
	Use:   "check-velocity",
	Short: "Score a candidate withdrawal against the velocity thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateCheckFlags(checkVelocityUser, checkVelocityAmount); err != nil {
			return err
		}
		return getApp().CheckVelocity(cmd.Context(), checkVelocityUser, checkVelocityAmount)
	},
}

func validateCheckFlags(user, amount string) error {
	if user == "" || amount == "" {
		return fmt.Errorf("--user and --amount must be provided")
	}
	return nil
}

func init() {
	checkRateCmd.Flags().StringVar(&checkRateUser, "user", "", "User identifier")
	checkRateCmd.Flags().StringVar(&checkRateAmount, "amount", "", "Amount in ZEC (decimal string)")

	checkVelocityCmd.Flags().StringVar(&checkVelocityUser, "user", "", "User identifier")
	checkVelocityCmd.Flags().StringVar(&checkVelocityAmount, "amount", "", "Amount in ZEC (decimal string)")
}
