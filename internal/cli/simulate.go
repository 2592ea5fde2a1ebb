package cli

import (
	"errors"
	"math"

	"github.com/spf13/cobra"
)

var simulateRate float64

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一个暴雨归档周期并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if math.IsNaN(simulateRate) || math.IsInf(simulateRate, 0) || simulateRate <= 0 {
			return errors.New("--rate 必须为大于 0 的有限值")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateRate)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "模拟雨强 (每小时)")
}
