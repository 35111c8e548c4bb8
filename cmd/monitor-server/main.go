package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chain-monitor/internal/chain"
	"chain-monitor/internal/dispatch"
	"chain-monitor/internal/event"
	"chain-monitor/internal/handler"
	"chain-monitor/internal/ledger"
	"chain-monitor/internal/model"
	"chain-monitor/internal/mq"
	"chain-monitor/internal/registry"
	"chain-monitor/internal/scanner"
	"chain-monitor/internal/server"
	"chain-monitor/internal/service"

	"chain-monitor/pkg/cache"
	"chain-monitor/pkg/config"
	"chain-monitor/pkg/database"
	"chain-monitor/pkg/logger"
	"chain-monitor/pkg/monitor"
	"chain-monitor/pkg/validator"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	// 0. 初始化 Config
	config.Init()

	// 1. 初始化 Logger / Validator / 监控指标
	// 指标必须先于扫描器和分发器协程初始化, 否则并发读写 monitor.Business
	logger.Init(config.Global.App.Env)
	defer logger.Sync()
	validator.Init()
	monitor.Init()

	// 2. 构造 DSN
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)

	// 3. 连接数据库
	db, err := database.ConnectPostgres(dsn)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 4. 连接 Redis
	rdb, err := database.ConnectRedis(config.Global.Redis.Addr, config.Global.Redis.Password, config.Global.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	// 5. 执行数据库迁移 (Auto Migrate)
	if config.Global.App.Env == "development" {
		logger.Info("开发环境: 尝试自动迁移 Schema (GORM AutoMigrate)...")
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("数据库自动迁移失败", zap.Error(err))
		}
		logger.Info("数据库自动迁移完成 (Dev Mode)")
	} else {
		logger.Info("生产环境: 跳过 AutoMigrate，请使用 migrate 工具管理 Schema")
	}

	// 6. 监听地址注册表 (本地 + Redis 两级缓存)
	watchCache := cache.NewTieredCache(
		cache.NewMemoryCache(time.Minute, 5*time.Minute),
		cache.NewRedisCache(rdb),
	)
	reg := registry.NewSQLRegistry(db, watchCache)

	// 7. 通知通道: kafka / redis streams / webhook
	var deliverer dispatch.Deliverer
	switch config.Global.Dispatch.Mode {
	case "webhook":
		logger.Info("使用 Webhook 投递通知...", zap.String("url", config.Global.Dispatch.WebhookUrl))
		deliverer = dispatch.NewWebhookDeliverer(config.Global.Dispatch.WebhookUrl)
	case "redis":
		logger.Info("使用 Redis Streams 投递通知...")
		deliverer = dispatch.NewMQDeliverer(mq.NewRedisProducer(rdb), config.Global.Dispatch.Topic)
	default:
		logger.Info("使用 Kafka 投递通知...", zap.Strings("brokers", config.Global.Kafka.Brokers))
		producer := mq.NewKafkaProducer(config.Global.Kafka.Brokers, config.Global.Dispatch.Topic)
		defer producer.Close()
		deliverer = dispatch.NewMQDeliverer(producer, config.Global.Dispatch.Topic)
	}

	// 8. 账本 + 分发器
	store := ledger.NewGormStore(db)
	dispatcher := dispatch.New(deliverer, store, dispatch.Options{
		Workers:     config.Global.Dispatch.Workers,
		QueueSize:   config.Global.Dispatch.QueueSize,
		MaxAttempts: config.Global.Dispatch.MaxAttempts,
		BackoffBase: config.Global.Dispatch.BackoffBase,
		BackoffMax:  config.Global.Dispatch.BackoffMax,
		EnqueueWait: config.Global.Dispatch.EnqueueWait,
	})

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	led, err := ledger.New(bootCtx, store, dispatcher)
	bootCancel()
	if err != nil {
		logger.Fatal("账本状态恢复失败", zap.Error(err))
	}
	logger.Info("账本状态已恢复",
		zap.Uint64("cursor", led.Cursor().Number),
		zap.String("hash", led.Cursor().Hash.Hex()))

	// 9. 启动分发器并续投上次未送达的通知
	// 分发器用独立 ctx: 停扫链不打断在途投递, 排空交给 Stop 的超时控制
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	dispatcher.Start(dispatchCtx)
	requeuePending(dispatchCtx, store, dispatcher)

	scanCtx, scanCancel := context.WithCancel(context.Background())

	// 10. 节点客户端 + 扫描器
	client, err := chain.Dial(config.Global.Chain.RpcUrl, config.Global.Chain.ChainID, config.Global.Chain.RpcTimeout)
	if err != nil {
		logger.Fatal("节点连接失败", zap.Error(err))
	}
	defer client.Close()

	cursor := scanner.NewCursor(client, config.Global.Chain.ReorgDepth)
	extractor := scanner.NewExtractor(loadTokens(db))
	scan := scanner.New(client, cursor, led, extractor, reg, scanner.Options{
		StartHeight:   config.Global.Chain.StartHeight,
		PollInterval:  config.Global.Chain.PollInterval,
		Confirmations: config.Global.Chain.Confirmations,
	}, dispatcher.DeadLetterCount)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		if err := scan.Run(scanCtx); err != nil {
			logger.Error("扫描器退出", zap.Error(err))
		}
	}()

	// 11. 后台维护任务
	cronService := service.NewCronService(rdb, store, led, reg)
	cronService.Start()

	// 12. HTTP Router
	r := server.NewHTTPRouter(server.Handlers{
		Balance: handler.NewBalanceHandler(led, scan),
		Watch:   handler.NewWatchHandler(reg),
		Status:  handler.NewStatusHandler(scan),
	})

	// 13. 启动应用 (阻塞)
	app := server.New(server.Config{HttpPort: config.Global.App.HttpPort}, r)
	app.Run()

	// 14. 退出顺序: 先停扫链并等当前周期结束, 再排空通知, 最后断开资源
	cronService.Stop()
	scanCancel()
	select {
	case <-scanDone:
	case <-time.After(10 * time.Second):
		logger.Warn("等待扫描器退出超时")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	dispatcher.Stop(drainCtx)
	drainCancel()
	dispatchCancel()

	logger.Info("正在关闭数据库连接...")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	rdb.Close()
	logger.Info("系统已退出")
}

// requeuePending 重启后把库里 notified=false 的事件重新入队续投
func requeuePending(ctx context.Context, store *ledger.GormStore, dispatcher *dispatch.Dispatcher) {
	payloads, err := store.PendingNotifications(ctx)
	if err != nil {
		logger.Error("读取待投递通知失败", zap.Error(err))
		return
	}
	for _, payload := range payloads {
		var evt event.BalanceChangedEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			logger.Error("解析待投递通知失败", zap.Error(err))
			continue
		}
		dispatcher.Enqueue(&dispatch.Task{Event: evt})
	}
	if len(payloads) > 0 {
		logger.Info("续投上次未送达的通知", zap.Int("count", len(payloads)))
	}
}

// loadTokens 合并配置与 token_assets 表中的合约地址
func loadTokens(db *gorm.DB) []common.Address {
	seen := make(map[common.Address]struct{})
	var tokens []common.Address

	add := func(raw string) {
		if !common.IsHexAddress(raw) {
			logger.Warn("忽略非法代币合约地址", zap.String("contract", raw))
			return
		}
		addr := common.HexToAddress(raw)
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		tokens = append(tokens, addr)
	}

	for _, raw := range config.Global.Chain.Tokens {
		add(raw)
	}

	var rows []model.TokenAsset
	if err := db.Find(&rows).Error; err != nil {
		logger.Warn("读取代币合约表失败", zap.Error(err))
	}
	for _, row := range rows {
		add(row.Contract)
	}

	logger.Info("代币合约装载完成", zap.Int("count", len(tokens)))
	return tokens
}
