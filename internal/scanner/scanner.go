package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"chain-monitor/internal/chain"
	"chain-monitor/internal/ledger"
	"chain-monitor/internal/registry"
	"chain-monitor/pkg/errno"
	"chain-monitor/pkg/logger"
	"chain-monitor/pkg/monitor"

	"go.uber.org/zap"
)

// errNoNewBlock 本轮没有新块, 等下一个轮询周期
var errNoNewBlock = errors.New("no new block")

// Options 扫描器参数
type Options struct {
	StartHeight   uint64
	PollInterval  time.Duration
	MaxBackoff    time.Duration
	Confirmations uint64
}

// Health 对外暴露的运行状态
type Health struct {
	LastBlockNumber uint64 `json:"last_block_number"`
	LastBlockHash   string `json:"last_block_hash"`
	Halted          bool   `json:"halted"`
	HaltReason      string `json:"halt_reason,omitempty"`
	DeadLetters     int64  `json:"dead_letters"`
}

// Scanner 扫链主循环
// 所有账本变更都由它单线程驱动; 慢的节点调用只拖慢追链,
// 不影响通知投递和余额读取
type Scanner struct {
	client    chain.NodeClient
	cursor    *Cursor
	ledger    *ledger.Ledger
	extractor *Extractor
	registry  registry.WatchRegistry
	opts      Options

	deadLetters func() int64

	mu     sync.RWMutex
	halted bool
	reason string
}

func New(client chain.NodeClient, cursor *Cursor, l *ledger.Ledger, x *Extractor, reg registry.WatchRegistry, opts Options, deadLetters func() int64) *Scanner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	return &Scanner{
		client:      client,
		cursor:      cursor,
		ledger:      l,
		extractor:   x,
		registry:    reg,
		opts:        opts,
		deadLetters: deadLetters,
	}
}

// Run 一直扫到 ctx 取消或致命错误
// 瞬时的节点错误在循环内退避吸收, 不向外冒;
// 账本一致性错误 (ReorgTooDeep / InconsistentRollback / Overflow) 停机并返回
func (s *Scanner) Run(ctx context.Context) error {
	// 从持久化游标恢复 (重启 / 运维重置后的起点)
	if s.cursor.Empty() {
		if ref := s.ledger.Cursor(); !ref.IsZero() {
			s.cursor.Restore(ref, s.ledger.RecentWindow())
			logger.Info("从持久化游标恢复",
				zap.Uint64("number", ref.Number), zap.String("hash", ref.Hash.Hex()))
		}
	}

	backoff := s.opts.PollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.cycle(ctx)
		switch {
		case err == nil:
			backoff = s.opts.PollInterval
			continue // 还在追链, 不睡
		case errors.Is(err, errNoNewBlock):
			backoff = s.opts.PollInterval
			if !s.sleep(ctx, s.opts.PollInterval) {
				return nil
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil
		case errno.IsFatal(err):
			s.halt(err)
			return err
		default:
			// 瞬时错误 (节点不可用等) 或应用失败: 退避后重试同一个块
			logger.Warn("扫描周期失败, 退避重试", zap.Error(err), zap.Duration("backoff", backoff))
			if !s.sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > s.opts.MaxBackoff {
				backoff = s.opts.MaxBackoff
			}
		}
	}
}

// Health 当前健康快照; 停机后余额读取标记为陈旧
func (s *Scanner) Health() Health {
	s.mu.RLock()
	halted, reason := s.halted, s.reason
	s.mu.RUnlock()

	ref := s.ledger.Cursor()
	h := Health{
		LastBlockNumber: ref.Number,
		LastBlockHash:   ref.Hash.Hex(),
		Halted:          halted,
		HaltReason:      reason,
	}
	if s.deadLetters != nil {
		h.DeadLetters = s.deadLetters()
	}
	return h
}

// cycle 一次摄取周期: 对账本而言整块原子
func (s *Scanner) cycle(ctx context.Context) error {
	head, err := s.client.Head(ctx)
	if err != nil {
		return err
	}

	target := head.Number
	if target >= s.opts.Confirmations {
		target -= s.opts.Confirmations
	} else {
		target = 0
	}

	var next uint64
	if s.cursor.Empty() {
		next = s.opts.StartHeight
		if next > target {
			return errNoNewBlock
		}
	} else {
		cur := s.cursor.Ref()
		if target > cur.Number {
			next = cur.Number + 1
		} else {
			// 规范头不再高于游标 (头部被换掉或链被换短):
			// 拉 target 高度的规范块与本地窗口核对
			next = target
		}
	}

	block, err := s.client.BlockByNumber(ctx, next)
	if err != nil {
		return err
	}

	if !s.cursor.Empty() && next <= s.cursor.Ref().Number {
		if local, ok := s.cursor.RefAt(next); ok && local.Hash == block.Hash {
			// 该高度与本地一致: 没有新块 (或节点暂时回退), 等下一轮
			return errNoNewBlock
		}
		// 哈希不一致: 链的取舍跟随节点规范头, 走重组回滚
	}

	plan, err := s.cursor.Advance(ctx, block)
	if err != nil {
		return err
	}
	if plan == nil {
		return s.applyBlock(ctx, block)
	}

	// 重组: 先按新块在前的顺序回滚孤块, 再从祖先向前重放
	if monitor.Business != nil {
		monitor.Business.ReorgsTotal.Inc()
		monitor.Business.ReorgDepth.Observe(float64(len(plan.Orphaned)))
	}
	for _, orphan := range plan.Orphaned {
		newCursor, ok := s.cursor.RefAt(orphan.Number - 1)
		if !ok {
			newCursor = plan.Ancestor
		}
		if err := s.ledger.Rollback(ctx, orphan, newCursor, s.cursor.RecentTo(orphan.Number-1)); err != nil {
			return err
		}
	}
	s.cursor.RollbackTo(plan.Ancestor)

	for _, replay := range plan.Replay {
		if err := s.applyBlock(ctx, replay); err != nil {
			return err
		}
	}
	return nil
}

// applyBlock 提取并应用单个区块; 关注快照在块处理开始时取一次
func (s *Scanner) applyBlock(ctx context.Context, block *chain.Block) error {
	snapshot, err := s.registry.Snapshot(ctx)
	if err != nil {
		return err
	}

	events := s.extractor.Extract(block, snapshot)
	if err := s.ledger.Apply(ctx, block.Ref(), s.cursor.RecentWith(block.Ref()), events); err != nil {
		return err
	}
	s.cursor.Commit(block.Ref())

	if monitor.Business != nil {
		monitor.Business.LastBlockNumber.Set(float64(block.Number))
		monitor.Business.BlocksProcessedTotal.Inc()
	}
	logger.Debug("区块已应用",
		zap.Uint64("number", block.Number),
		zap.String("hash", block.Hash.Hex()),
		zap.Int("events", len(events)))
	return nil
}

func (s *Scanner) halt(err error) {
	s.mu.Lock()
	s.halted = true
	s.reason = err.Error()
	s.mu.Unlock()

	if monitor.Business != nil {
		monitor.Business.ScannerHalted.Set(1)
	}
	logger.Error("扫描器已停机, 需要运维介入", zap.Error(err))
}

func (s *Scanner) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
