package cmd

import (
	"errors"
	"fmt"
	"os"

	"chain-monitor/internal/model"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// cursorCmd 扫链游标运维
var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "查看或重置扫链游标",
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "显示当前扫链游标",
	Run: func(cmd *cobra.Command, args []string) {
		db := connectDB()

		var state model.CursorState
		err := db.First(&state, 1).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fmt.Println("游标为空: 服务尚未处理过任何区块")
			return
		}
		if err != nil {
			fmt.Printf("读取游标失败: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("区块高度: %d\n", state.BlockNumber)
		fmt.Printf("区块哈希: %s\n", state.BlockHash)
		fmt.Printf("更新时间: %s\n", state.UpdatedAt)
	},
}

// cursorResetCmd 停机后人工重置游标到指定高度
// 只清游标和历史事件, 不动余额; 重置点之前的余额视为已结算
var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "重置游标到指定高度 (需先停止服务)",
	Long: `深度重组停机后的人工恢复手段: 把游标重置到一个确定在规范链上的高度。
会同时清空已应用事件表和区块窗口, 服务重启后从该高度+1 继续扫描。
重置不回滚余额, 请确认重置点之前的状态可信。`,
	Run: func(cmd *cobra.Command, args []string) {
		height, _ := cmd.Flags().GetUint64("height")
		hash, _ := cmd.Flags().GetString("hash")
		yes, _ := cmd.Flags().GetBool("yes")

		if hash == "" {
			fmt.Println("必须提供 --hash (重置高度对应的规范链区块哈希)")
			os.Exit(1)
		}
		if !yes {
			fmt.Println("危险操作: 请加 --yes 确认 (并确保服务已停止)")
			os.Exit(1)
		}

		db := connectDB()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("1 = 1").Delete(&model.AppliedEvent{}).Error; err != nil {
				return err
			}
			state := model.CursorState{
				ID:          1,
				BlockNumber: height,
				BlockHash:   hash,
				RecentRefs:  nil,
			}
			return tx.Save(&state).Error
		})
		if err != nil {
			fmt.Printf("重置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ 游标已重置到 #%d (%s), 事件表已清空\n", height, hash)
	},
}

func init() {
	cursorResetCmd.Flags().Uint64("height", 0, "重置到的区块高度")
	cursorResetCmd.Flags().String("hash", "", "该高度的区块哈希 (0x...)")
	cursorResetCmd.Flags().Bool("yes", false, "确认执行")

	cursorCmd.AddCommand(cursorShowCmd)
	cursorCmd.AddCommand(cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}
