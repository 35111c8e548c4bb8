package cmd

import (
	"fmt"
	"os"

	"chain-monitor/pkg/config"
	"chain-monitor/pkg/database"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "monitor-cli",
	Short: "链上余额监控运维工具",
	Long: `余额监控服务的运维命令行。
支持查看/重置扫链游标、管理监听地址以及查看通知死信。`,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// connectDB 按服务配置连接数据库 (运维命令直接操作同一套表)
func connectDB() *gorm.DB {
	config.Init()
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)
	db, err := database.ConnectPostgres(dsn)
	if err != nil {
		fmt.Printf("数据库连接失败: %v\n", err)
		os.Exit(1)
	}
	return db
}
