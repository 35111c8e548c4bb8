package ledger

import (
	"context"

	"chain-monitor/internal/chain"

	"github.com/shopspring/decimal"
)

// AppliedRecord 一条已应用的事件及其块内顺序
type AppliedRecord struct {
	Event   BalanceEvent
	Seq     int    // 块内应用顺序, 回滚时倒序回退
	Payload []byte // 通知载荷 (JSON), 随事件一并落库, 保证事件和通知任务是一个逻辑单元
}

// BlockDelta 应用一个区块产生的全部持久化变更, 必须原子提交
type BlockDelta struct {
	Ref      chain.BlockRef
	Recent   []chain.BlockRef // 应用后的回滚窗口快照
	Records  []AppliedRecord
	Balances map[AccountKey]decimal.Decimal // 本块触及账户的应用后余额
}

// BlockRollback 回滚一个区块产生的全部持久化变更, 必须原子提交
type BlockRollback struct {
	Ref       chain.BlockRef // 被回滚的区块
	NewCursor chain.BlockRef // 回滚后的游标 (被回滚块的父块)
	Recent    []chain.BlockRef
	EventKeys []string
	Balances  map[AccountKey]decimal.Decimal // 回滚后余额
}

// State 启动时加载的账本状态
type State struct {
	Cursor   chain.BlockRef
	Recent   []chain.BlockRef
	Balances map[AccountKey]AccountState
	// Applied 回滚窗口内的已应用事件 (按 BlockNumber, Seq 升序)
	Applied []AppliedRecord
}

// AccountState 单个账户的余额和事件游标
type AccountState struct {
	Balance decimal.Decimal
	Cursor  chain.BlockRef
}

// Store 账本持久化边界
// 实现必须把每个 BlockDelta / BlockRollback 作为单个事务提交:
// 如果持久化部分失败, 事件视为未应用
type Store interface {
	Load(ctx context.Context) (*State, error)
	ApplyBlock(ctx context.Context, delta *BlockDelta) error
	RollbackBlock(ctx context.Context, rb *BlockRollback) error
}

// Outcomes 通知投递结果的持久化边界 (Dispatcher 使用)
type Outcomes interface {
	// MarkDelivered 标记通知已成功投递
	MarkDelivered(ctx context.Context, eventKey string) error
	// DeadLetter 记录彻底失败的任务; 同一 eventKey 只记录一次
	DeadLetter(ctx context.Context, eventKey string, payload []byte, attempts int, lastErr string) error
}
