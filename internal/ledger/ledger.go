package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chain-monitor/internal/chain"
	"chain-monitor/internal/event"
	"chain-monitor/pkg/errno"
	"chain-monitor/pkg/logger"
	"chain-monitor/pkg/monitor"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxMagnitude 余额的可表示上限 (decimal(78,0) 列留了安全余量)
// 达到或超过即视为溢出, 致命错误
var maxMagnitude = decimal.New(1, 60)

// Notifier 接收应用成功后产生的通知任务
type Notifier interface {
	Notify(evt event.BalanceChangedEvent)
}

type appliedEntry struct {
	record AppliedRecord
}

// Ledger 余额账本
// 单写者: Apply/Rollback 全部经 writerMu 串行化;
// 读走 RLock, 只在内存状态换入的短临界区内与写者互斥
type Ledger struct {
	writerMu sync.Mutex // 串行化所有变更
	mu       sync.RWMutex

	store    Store
	notifier Notifier

	balances      map[AccountKey]decimal.Decimal
	accountCursor map[AccountKey]chain.BlockRef
	applied       map[string]*appliedEntry
	byBlock       map[common.Hash][]*appliedEntry // 按应用顺序
	cursor        chain.BlockRef
	recent        []chain.BlockRef // 回滚窗口, 随每次 Apply/Rollback 持久化
}

// New 从持久化状态恢复账本
func New(ctx context.Context, store Store, notifier Notifier) (*Ledger, error) {
	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载账本状态失败: %w", err)
	}

	l := &Ledger{
		store:         store,
		notifier:      notifier,
		balances:      make(map[AccountKey]decimal.Decimal),
		accountCursor: make(map[AccountKey]chain.BlockRef),
		applied:       make(map[string]*appliedEntry),
		byBlock:       make(map[common.Hash][]*appliedEntry),
		cursor:        state.Cursor,
		recent:        append([]chain.BlockRef(nil), state.Recent...),
	}
	for key, acct := range state.Balances {
		l.balances[key] = acct.Balance
		l.accountCursor[key] = acct.Cursor
	}
	for _, rec := range state.Applied {
		entry := &appliedEntry{record: rec}
		l.applied[rec.Event.Key()] = entry
		l.byBlock[rec.Event.BlockHash] = append(l.byBlock[rec.Event.BlockHash], entry)
	}
	return l, nil
}

// Cursor 返回账本当前游标
func (l *Ledger) Cursor() chain.BlockRef {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursor
}

// RecentWindow 返回持久化过的回滚窗口 (重启后恢复链游标用)
func (l *Ledger) RecentWindow() []chain.BlockRef {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]chain.BlockRef(nil), l.recent...)
}

// Apply 把一个区块的事件按序应用到账本
// 幂等: 已应用过的幂等键静默跳过 (半途失败后重试会发生)
// 整块原子: 先持久化整块增量, 成功后才换入内存状态并发出通知
func (l *Ledger) Apply(ctx context.Context, ref chain.BlockRef, recent []chain.BlockRef, events []BalanceEvent) error {
	l.writerMu.Lock()
	defer l.writerMu.Unlock()

	delta := &BlockDelta{
		Ref:      ref,
		Recent:   recent,
		Balances: make(map[AccountKey]decimal.Decimal),
	}

	seq := 0
	var notifications []event.BalanceChangedEvent
	for i := range events {
		ev := events[i]
		key := ev.Key()
		if _, dup := l.applied[key]; dup {
			continue // 重试路径, 跳过已应用事件
		}

		acct := ev.AccountKey()
		bal, ok := delta.Balances[acct]
		if !ok {
			bal = l.balanceLocked(acct)
		}
		bal = bal.Add(ev.Delta)
		if bal.Abs().GreaterThanOrEqual(maxMagnitude) {
			return fmt.Errorf("%w: account %s asset %s", errno.ErrOverflow, acct.Address, acct.Asset)
		}
		delta.Balances[acct] = bal

		payload := event.BalanceChangedEvent{
			EventKey:    key,
			Address:     acct.Address,
			Asset:       ev.Asset,
			Delta:       ev.Delta.String(),
			NewBalance:  bal.String(),
			BlockNumber: ev.BlockNumber,
			BlockHash:   ev.BlockHash.Hex(),
			TxHash:      ev.TxHash.Hex(),
			LogIndex:    ev.LogIndex,
			Timestamp:   ev.Timestamp,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化通知载荷失败: %w", err)
		}

		delta.Records = append(delta.Records, AppliedRecord{Event: ev, Seq: seq, Payload: raw})
		notifications = append(notifications, payload)
		seq++
	}

	// 整块一个事务; 失败则事件一律视为未应用
	if err := l.store.ApplyBlock(ctx, delta); err != nil {
		return err
	}

	l.mu.Lock()
	for _, rec := range delta.Records {
		entry := &appliedEntry{record: rec}
		l.applied[rec.Event.Key()] = entry
		l.byBlock[ref.Hash] = append(l.byBlock[ref.Hash], entry)
		acct := rec.Event.AccountKey()
		l.accountCursor[acct] = ref
	}
	for acct, bal := range delta.Balances {
		l.balances[acct] = bal
	}
	l.cursor = ref
	l.recent = append([]chain.BlockRef(nil), recent...)
	l.mu.Unlock()

	for i := range notifications {
		if monitor.Business != nil {
			monitor.Business.EventsAppliedTotal.WithLabelValues(notifications[i].Asset).Inc()
		}
		if l.notifier != nil {
			l.notifier.Notify(notifications[i])
		}
	}
	return nil
}

// Rollback 回退指定区块的全部事件 (倒序)
// 幂等记录一并删除; 期望存在的事件缺失说明此前有 bug, 返回致命错误, 不自愈
func (l *Ledger) Rollback(ctx context.Context, ref chain.BlockRef, newCursor chain.BlockRef, recent []chain.BlockRef) error {
	l.writerMu.Lock()
	defer l.writerMu.Unlock()

	entries := l.byBlock[ref.Hash]
	rb := &BlockRollback{
		Ref:       ref,
		NewCursor: newCursor,
		Recent:    recent,
		Balances:  make(map[AccountKey]decimal.Decimal),
	}

	// 倒序回退
	for i := len(entries) - 1; i >= 0; i-- {
		ev := entries[i].record.Event
		key := ev.Key()
		if _, ok := l.applied[key]; !ok {
			return fmt.Errorf("%w: event %s", errno.ErrInconsistentRollback, key)
		}
		acct := ev.AccountKey()
		bal, ok := rb.Balances[acct]
		if !ok {
			bal = l.balanceLocked(acct)
		}
		rb.Balances[acct] = bal.Sub(ev.Delta)
		rb.EventKeys = append(rb.EventKeys, key)
	}

	if err := l.store.RollbackBlock(ctx, rb); err != nil {
		return err
	}

	l.mu.Lock()
	for _, key := range rb.EventKeys {
		delete(l.applied, key)
	}
	delete(l.byBlock, ref.Hash)
	for acct, bal := range rb.Balances {
		l.balances[acct] = bal
		l.accountCursor[acct] = newCursor
	}
	l.cursor = newCursor
	l.recent = append([]chain.BlockRef(nil), recent...)
	l.mu.Unlock()

	logger.Info("区块已回滚",
		zap.Uint64("number", ref.Number),
		zap.String("hash", ref.Hash.Hex()),
		zap.Int("events", len(rb.EventKeys)))
	return nil
}

// BalanceOf 时点读; 从未有过事件的账户返回 0
func (l *Ledger) BalanceOf(address common.Address, asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(accountKeyOf(address, asset))
}

// BalancesFor 返回某地址全部资产的余额快照
func (l *Ledger) BalancesFor(address common.Address) map[string]decimal.Decimal {
	prefix := accountKeyOf(address, "").Address

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for key, bal := range l.balances {
		if key.Address == prefix {
			out[key.Asset] = bal
		}
	}
	return out
}

func (l *Ledger) balanceLocked(key AccountKey) decimal.Decimal {
	if bal, ok := l.balances[key]; ok {
		return bal
	}
	return decimal.Zero
}

func accountKeyOf(address common.Address, asset string) AccountKey {
	ev := BalanceEvent{Address: address, Asset: asset}
	return ev.AccountKey()
}
