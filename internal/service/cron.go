package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chain-monitor/internal/ledger"
	"chain-monitor/internal/registry"
	"chain-monitor/pkg/config"
	"chain-monitor/pkg/logger"
	"chain-monitor/pkg/utils/lock"
)

// CronService 后台维护任务: 清理回滚窗口之外的已通知事件, 刷新监控 gauge
type CronService struct {
	cron     *cron.Cron
	redis    *redis.Client
	store    *ledger.GormStore
	ledger   *ledger.Ledger
	registry *registry.SQLRegistry
}

func NewCronService(rdb *redis.Client, store *ledger.GormStore, l *ledger.Ledger, reg *registry.SQLRegistry) *CronService {
	// 标准分级调度即可, 维护任务不需要秒级精度
	c := cron.New()
	return &CronService{
		cron:     c,
		redis:    rdb,
		store:    store,
		ledger:   l,
		registry: reg,
	}
}

func (s *CronService) Start() {
	// 注册任务
	_, _ = s.cron.AddFunc("@every 10m", s.PruneAppliedEvents) // 每 10 分钟清理历史事件
	_, _ = s.cron.AddFunc("@every 1m", s.RefreshWatchGauge)   // 每分钟刷新监听地址数

	s.cron.Start()
	logger.Info("Cron Service started")
}

func (s *CronService) Stop() {
	s.cron.Stop()
	logger.Info("Cron Service stopped")
}

// PruneAppliedEvents 删除回滚窗口之外且已投递的事件行, 控制表体积
func (s *CronService) PruneAppliedEvents() {
	ctx := context.Background()
	lockKey := "cron:prune_applied"

	// 获取分布式锁 (TTL 30s), 防止多实例同时执行
	locker := lock.NewRedisLock(s.redis)
	locked, err := locker.Acquire(ctx, lockKey, 30*time.Second)
	if err != nil || !locked {
		logger.Debug("PruneAppliedEvents: 获取锁失败或已有实例在运行")
		return
	}
	defer locker.Release(ctx, lockKey)

	cursor := s.ledger.Cursor()
	depth := uint64(config.Global.Chain.ReorgDepth)
	if cursor.IsZero() || cursor.Number <= depth {
		return
	}
	before := cursor.Number - depth

	deleted, err := s.store.PruneApplied(ctx, before)
	if err != nil {
		logger.Error("清理历史事件失败", zap.Error(err))
		return
	}
	if deleted > 0 {
		logger.Info("历史事件清理完成",
			zap.Int64("deleted", deleted),
			zap.Uint64("before_block", before))
	}
}

// RefreshWatchGauge 重新统计监听地址数, Snapshot 内部会更新 gauge
func (s *CronService) RefreshWatchGauge() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.registry.Snapshot(ctx); err != nil {
		logger.Warn("刷新监听地址数失败", zap.Error(err))
	}
}
