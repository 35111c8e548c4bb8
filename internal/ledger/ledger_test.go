package ledger

import (
	"context"
	"errors"
	"testing"

	"chain-monitor/internal/chain"
	"chain-monitor/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureNotifier 收集通知, 断言投递次数用
type captureNotifier struct {
	events []event.BalanceChangedEvent
}

func (n *captureNotifier) Notify(evt event.BalanceChangedEvent) {
	n.events = append(n.events, evt)
}

var (
	addrAlice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	addrBob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func blockRef(number uint64, tag byte) chain.BlockRef {
	var h common.Hash
	h[0] = tag
	h[31] = byte(number)
	return chain.BlockRef{Number: number, Hash: h}
}

func txHash(tag byte) common.Hash {
	var h common.Hash
	h[1] = tag
	return h
}

func nativeEvent(ref chain.BlockRef, tx byte, addr common.Address, delta int64) BalanceEvent {
	return BalanceEvent{
		BlockNumber: ref.Number,
		BlockHash:   ref.Hash,
		TxHash:      txHash(tx),
		LogIndex:    -1,
		Address:     addr,
		Asset:       chain.AssetNative,
		Delta:       decimal.NewFromInt(delta),
		Timestamp:   1700000000,
	}
}

func newTestLedger(t *testing.T) (*Ledger, *MemStore, *captureNotifier) {
	t.Helper()
	store := NewMemStore()
	notifier := &captureNotifier{}
	l, err := New(context.Background(), store, notifier)
	require.NoError(t, err)
	return l, store, notifier
}

func TestApplyUpdatesBalanceAndCursor(t *testing.T) {
	l, store, notifier := newTestLedger(t)
	ref := blockRef(100, 0xaa)

	events := []BalanceEvent{
		nativeEvent(ref, 1, addrAlice, 5),
		nativeEvent(ref, 2, addrAlice, 3),
		nativeEvent(ref, 2, addrBob, -3),
	}
	require.NoError(t, l.Apply(context.Background(), ref, []chain.BlockRef{ref}, events))

	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).Equal(decimal.NewFromInt(8)))
	assert.True(t, l.BalanceOf(addrBob, chain.AssetNative).Equal(decimal.NewFromInt(-3)))
	assert.Equal(t, ref, l.Cursor())
	assert.Equal(t, ref, store.Cursor())
	assert.Len(t, notifier.events, 3)

	// 通知携带事后余额
	assert.Equal(t, "8", notifier.events[1].NewBalance)
	assert.Equal(t, "3", notifier.events[1].Delta)
}

// 同一区块重复应用 (半途失败后的重试路径) 不得产生重复余额变动和重复通知
func TestApplyIsIdempotent(t *testing.T) {
	l, store, notifier := newTestLedger(t)
	ref := blockRef(100, 0xaa)
	events := []BalanceEvent{nativeEvent(ref, 1, addrAlice, 5)}

	require.NoError(t, l.Apply(context.Background(), ref, []chain.BlockRef{ref}, events))
	require.NoError(t, l.Apply(context.Background(), ref, []chain.BlockRef{ref}, events))

	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 1, store.AppliedCount())
	assert.Len(t, notifier.events, 1)
}

// 持久化失败时整块视为未应用; 重试成功后效果恰好一次
func TestApplyRetryAfterStoreFailure(t *testing.T) {
	l, store, notifier := newTestLedger(t)
	ref := blockRef(100, 0xaa)
	events := []BalanceEvent{nativeEvent(ref, 1, addrAlice, 5)}

	store.FailNextApply = errors.New("connection reset")
	err := l.Apply(context.Background(), ref, []chain.BlockRef{ref}, events)
	require.Error(t, err)
	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).IsZero())
	assert.Empty(t, notifier.events)

	require.NoError(t, l.Apply(context.Background(), ref, []chain.BlockRef{ref}, events))
	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).Equal(decimal.NewFromInt(5)))
	assert.Len(t, notifier.events, 1)
}

func TestRollbackReversesBlock(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ref100 := blockRef(100, 0xaa)
	ref101 := blockRef(101, 0xab)

	require.NoError(t, l.Apply(context.Background(), ref100, []chain.BlockRef{ref100},
		[]BalanceEvent{nativeEvent(ref100, 1, addrAlice, 5)}))
	require.NoError(t, l.Apply(context.Background(), ref101, []chain.BlockRef{ref100, ref101},
		[]BalanceEvent{
			nativeEvent(ref101, 2, addrAlice, 7),
			nativeEvent(ref101, 3, addrBob, 2),
		}))

	require.NoError(t, l.Rollback(context.Background(), ref101, ref100, []chain.BlockRef{ref100}))

	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).Equal(decimal.NewFromInt(5)))
	assert.True(t, l.BalanceOf(addrBob, chain.AssetNative).IsZero())
	assert.Equal(t, ref100, l.Cursor())
	assert.Equal(t, 1, store.AppliedCount())
}

// 回滚后重放同一高度的新块: 幂等键已删除, 事件可重新应用
func TestRollbackThenReplay(t *testing.T) {
	l, _, notifier := newTestLedger(t)
	ref100 := blockRef(100, 0xaa)
	ref101 := blockRef(101, 0xab)
	ref101b := blockRef(101, 0xbb)

	require.NoError(t, l.Apply(context.Background(), ref100, []chain.BlockRef{ref100},
		[]BalanceEvent{nativeEvent(ref100, 1, addrAlice, 5)}))
	require.NoError(t, l.Apply(context.Background(), ref101, []chain.BlockRef{ref100, ref101},
		[]BalanceEvent{nativeEvent(ref101, 2, addrAlice, 7)}))

	require.NoError(t, l.Rollback(context.Background(), ref101, ref100, []chain.BlockRef{ref100}))
	// 101' 携带同一笔转账 (不同块哈希 => 不同幂等键)
	require.NoError(t, l.Apply(context.Background(), ref101b, []chain.BlockRef{ref100, ref101b},
		[]BalanceEvent{nativeEvent(ref101b, 2, addrAlice, 7)}))

	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).Equal(decimal.NewFromInt(12)))
	assert.Equal(t, ref101b, l.Cursor())
	assert.Len(t, notifier.events, 3)
}

// 余额 == 自创世以来全部已应用事件增量之和
func TestBalanceEqualsDeltaSum(t *testing.T) {
	l, _, _ := newTestLedger(t)

	sum := decimal.Zero
	deltas := []int64{10, -4, 7, -1, 25}
	for i, d := range deltas {
		ref := blockRef(uint64(100+i), byte(0xa0+i))
		require.NoError(t, l.Apply(context.Background(), ref, []chain.BlockRef{ref},
			[]BalanceEvent{nativeEvent(ref, byte(i+1), addrAlice, d)}))
		sum = sum.Add(decimal.NewFromInt(d))
	}

	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).Equal(sum))
}

func TestApplyOverflowIsFatal(t *testing.T) {
	l, _, notifier := newTestLedger(t)
	ref := blockRef(100, 0xaa)

	huge := BalanceEvent{
		BlockNumber: ref.Number,
		BlockHash:   ref.Hash,
		TxHash:      txHash(1),
		LogIndex:    -1,
		Address:     addrAlice,
		Asset:       chain.AssetNative,
		Delta:       decimal.New(1, 60),
	}
	err := l.Apply(context.Background(), ref, []chain.BlockRef{ref}, []BalanceEvent{huge})
	require.Error(t, err)

	// 整块拒绝: 状态不变, 没有通知
	assert.True(t, l.BalanceOf(addrAlice, chain.AssetNative).IsZero())
	assert.True(t, l.Cursor().IsZero())
	assert.Empty(t, notifier.events)
}

// 重启恢复: 新账本从持久化状态接续, 余额和游标一致
func TestReloadFromStore(t *testing.T) {
	store := NewMemStore()
	l1, err := New(context.Background(), store, nil)
	require.NoError(t, err)

	ref := blockRef(100, 0xaa)
	require.NoError(t, l1.Apply(context.Background(), ref, []chain.BlockRef{ref},
		[]BalanceEvent{nativeEvent(ref, 1, addrAlice, 5)}))

	l2, err := New(context.Background(), store, nil)
	require.NoError(t, err)
	assert.True(t, l2.BalanceOf(addrAlice, chain.AssetNative).Equal(decimal.NewFromInt(5)))
	assert.Equal(t, ref, l2.Cursor())
	assert.Equal(t, []chain.BlockRef{ref}, l2.RecentWindow())

	// 恢复后重放同一事件依旧幂等
	require.NoError(t, l2.Apply(context.Background(), ref, []chain.BlockRef{ref},
		[]BalanceEvent{nativeEvent(ref, 1, addrAlice, 5)}))
	assert.True(t, l2.BalanceOf(addrAlice, chain.AssetNative).Equal(decimal.NewFromInt(5)))
}

func TestBalancesForReturnsAllAssets(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ref := blockRef(100, 0xaa)

	token := BalanceEvent{
		BlockNumber: ref.Number,
		BlockHash:   ref.Hash,
		TxHash:      txHash(2),
		LogIndex:    0,
		Address:     addrAlice,
		Asset:       "0x00000000000000000000000000000000000000ee",
		Delta:       decimal.NewFromInt(42),
	}
	require.NoError(t, l.Apply(context.Background(), ref, []chain.BlockRef{ref},
		[]BalanceEvent{nativeEvent(ref, 1, addrAlice, 5), token}))

	got := l.BalancesFor(addrAlice)
	require.Len(t, got, 2)
	assert.True(t, got[chain.AssetNative].Equal(decimal.NewFromInt(5)))
	assert.True(t, got["0x00000000000000000000000000000000000000ee"].Equal(decimal.NewFromInt(42)))
}

func TestEventKeyShape(t *testing.T) {
	ev := nativeEvent(blockRef(100, 0xaa), 1, addrAlice, 5)
	key := ev.Key()
	assert.Contains(t, key, ev.BlockHash.Hex())
	assert.Contains(t, key, "|-1|")
	assert.Contains(t, key, "0x00000000000000000000000000000000000000a1")

	// 同一笔转账的两边幂等键不同 (地址参与键)
	other := nativeEvent(blockRef(100, 0xaa), 1, addrBob, -5)
	assert.NotEqual(t, key, other.Key())
}
