package cmd

import (
	"fmt"
	"os"

	"chain-monitor/internal/model"

	"github.com/spf13/cobra"
)

// deadletterCmd 通知死信运维
var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "查看通知死信",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出死信任务",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		showPayload, _ := cmd.Flags().GetBool("payload")

		db := connectDB()
		var rows []model.DeadLetter
		if err := db.Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
			fmt.Printf("查询失败: %v\n", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			fmt.Println("没有死信, 一切正常")
			return
		}

		for _, row := range rows {
			fmt.Printf("[%s] %s\n", row.CreatedAt.Format("2006-01-02 15:04:05"), row.EventKey)
			fmt.Printf("  尝试次数: %d  最后错误: %s\n", row.Attempts, row.LastError)
			if showPayload {
				fmt.Printf("  载荷: %s\n", string(row.Payload))
			}
		}
		fmt.Printf("共 %d 条\n", len(rows))
	},
}

func init() {
	deadletterListCmd.Flags().Int("limit", 50, "最多显示条数")
	deadletterListCmd.Flags().Bool("payload", false, "显示通知载荷")

	deadletterCmd.AddCommand(deadletterListCmd)
	rootCmd.AddCommand(deadletterCmd)
}
