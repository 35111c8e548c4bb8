package cmd

import (
	"fmt"
	"os"
	"strings"

	"chain-monitor/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"gorm.io/gorm/clause"
)

// watchCmd 监听地址运维
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "管理监听地址",
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出监听地址",
	Run: func(cmd *cobra.Command, args []string) {
		tokenID, _ := cmd.Flags().GetString("token")

		db := connectDB()
		query := db.Model(&model.WatchedAddress{}).Order("token_id, address")
		if tokenID != "" {
			query = query.Where("token_id = ?", tokenID)
		}

		var rows []model.WatchedAddress
		if err := query.Find(&rows).Error; err != nil {
			fmt.Printf("查询失败: %v\n", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			fmt.Println("没有监听地址")
			return
		}
		for _, row := range rows {
			fmt.Printf("%-20s %s\n", row.TokenID, row.Address)
		}
		fmt.Printf("共 %d 条\n", len(rows))
	},
}

var watchAddCmd = &cobra.Command{
	Use:   "add <address>...",
	Short: "新增监听地址",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tokenID, _ := cmd.Flags().GetString("token")
		if tokenID == "" {
			fmt.Println("必须提供 --token (注册方标识)")
			os.Exit(1)
		}

		rows := make([]model.WatchedAddress, 0, len(args))
		for _, raw := range args {
			if !common.IsHexAddress(raw) {
				fmt.Printf("非法地址: %s\n", raw)
				os.Exit(1)
			}
			rows = append(rows, model.WatchedAddress{
				Address: strings.ToLower(common.HexToAddress(raw).Hex()),
				TokenID: tokenID,
			})
		}

		db := connectDB()
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			fmt.Printf("写入失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ 已登记 %d 个地址 (token=%s)\n", len(rows), tokenID)
		fmt.Println("注意: 服务端缓存最长 1 分钟后生效")
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <address>...",
	Short: "移除监听地址",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tokenID, _ := cmd.Flags().GetString("token")
		if tokenID == "" {
			fmt.Println("必须提供 --token (注册方标识)")
			os.Exit(1)
		}

		addrs := make([]string, 0, len(args))
		for _, raw := range args {
			if !common.IsHexAddress(raw) {
				fmt.Printf("非法地址: %s\n", raw)
				os.Exit(1)
			}
			addrs = append(addrs, strings.ToLower(common.HexToAddress(raw).Hex()))
		}

		db := connectDB()
		res := db.Where("token_id = ? AND address IN ?", tokenID, addrs).Delete(&model.WatchedAddress{})
		if res.Error != nil {
			fmt.Printf("删除失败: %v\n", res.Error)
			os.Exit(1)
		}
		fmt.Printf("✅ 已移除 %d 个地址 (token=%s)\n", res.RowsAffected, tokenID)
	},
}

func init() {
	watchCmd.PersistentFlags().String("token", "", "注册方标识 (token_id)")

	watchCmd.AddCommand(watchListCmd)
	watchCmd.AddCommand(watchAddCmd)
	watchCmd.AddCommand(watchRemoveCmd)
	rootCmd.AddCommand(watchCmd)
}
