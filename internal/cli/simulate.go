package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateAmount  float64
	simulateRate    float64
	simulateAddress string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-onramp",
	Short: "在内存中模拟一笔完整的 on-ramp 结算",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAmount <= 0 || simulateRate <= 0 {
			return errors.New("--amount 与 --rate 必须大于 0")
		}
		if simulateAddress == "" {
			return errors.New("--address is required")
		}

		amount := decimal.NewFromFloat(simulateAmount)
		rate := decimal.NewFromFloat(simulateRate)
		return getApp().SimulateOnramp(cmd.Context(), amount, rate, simulateAddress)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 0, "法币金额 (NGN)")
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "模拟汇率 (NGN/USDC)")
	simulateCmd.Flags().StringVar(&simulateAddress, "address", "", "接收 USDC 的链上地址")
}
