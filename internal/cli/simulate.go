package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateChatID      int64
	simulateWarehouseID int64
	simulateDate        string
	simulateCoefficient float64
	simulateFail        bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-booking",
	Short: "模拟一次预约回合并触发通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateChatID == 0 {
			return errors.New("--chat-id 必须提供")
		}
		if simulateWarehouseID == 0 {
			return errors.New("--warehouse 必须提供")
		}

		day, err := time.Parse("2006-01-02", simulateDate)
		if err != nil {
			return fmt.Errorf("invalid --date value: %w", err)
		}

		coefficient := decimal.NewFromFloat(simulateCoefficient)
		return getApp().SimulateBooking(cmd.Context(), simulateChatID, simulateWarehouseID, day, coefficient, simulateFail)
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateChatID, "chat-id", 0, "通知接收者 chat id")
	simulateCmd.Flags().Int64Var(&simulateWarehouseID, "warehouse", 0, "仓库 ID")
	simulateCmd.Flags().StringVar(&simulateDate, "date", time.Now().UTC().AddDate(0, 0, 3).Format("2006-01-02"), "目标日期 (YYYY-MM-DD)")
	simulateCmd.Flags().Float64Var(&simulateCoefficient, "coefficient", 0, "模拟的验收系数")
	simulateCmd.Flags().BoolVar(&simulateFail, "fail", false, "让桩预约器始终失败以演练重试与黑名单")
}
