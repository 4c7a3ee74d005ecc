package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var decideRatio float64

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Evaluate one decision without sending transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("ratio") {
			if decideRatio <= 0 {
				return errors.New("--ratio must be greater than 0")
			}
			ratio := decimal.NewFromFloat(decideRatio)
			return getApp().Decide(cmd.Context(), &ratio)
		}
		return getApp().Decide(cmd.Context(), nil)
	},
}

func init() {
	decideCmd.Flags().Float64Var(&decideRatio, "ratio", 0, "Evaluate against this stETH/ETH ratio instead of the live pool price")
}
