package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chain-monitor/internal/mq"
	"chain-monitor/pkg/config"
	"chain-monitor/pkg/database"

	"github.com/spf13/cobra"
)

// tailCmd 实时打印余额事件流 (联调/排障用)
// 仅支持 redis streams 模式; kafka 环境用 kafka-console-consumer 即可
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "实时打印余额事件流 (dispatch.mode=redis)",
	Run: func(cmd *cobra.Command, args []string) {
		config.Init()
		if config.Global.Dispatch.Mode != "redis" {
			fmt.Println("tail 只支持 redis streams 模式 (dispatch.mode=redis)")
			os.Exit(1)
		}

		rdb, err := database.ConnectRedis(config.Global.Redis.Addr, config.Global.Redis.Password, config.Global.Redis.DB)
		if err != nil {
			fmt.Printf("Redis 连接失败: %v\n", err)
			os.Exit(1)
		}
		defer rdb.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			cancel()
		}()

		consumer := mq.NewRedisConsumer(rdb, "monitor-cli-tail", fmt.Sprintf("tail-%d", os.Getpid()))
		defer consumer.Close()

		topic := config.Global.Dispatch.Topic
		fmt.Printf("正在监听 %s (Ctrl-C 退出)...\n", topic)
		err = consumer.Subscribe(ctx, topic, func(msg *mq.Message) error {
			fmt.Printf("[%s] key=%s %s\n", msg.ID, msg.Key, string(msg.Payload))
			return nil
		})
		if err != nil {
			fmt.Printf("订阅失败: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(tailCmd)
}
