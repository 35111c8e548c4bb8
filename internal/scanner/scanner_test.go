package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"chain-monitor/internal/chain"
	"chain-monitor/internal/event"
	"chain-monitor/internal/ledger"
	"chain-monitor/internal/registry"
	"chain-monitor/pkg/errno"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode 脚本化的链节点: 测试里直接改 canonical 模拟重组
type fakeNode struct {
	mu        sync.Mutex
	canonical map[uint64]*chain.Block
	byHash    map[common.Hash]*chain.Block
	head      chain.BlockRef
	headErr   error
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		canonical: make(map[uint64]*chain.Block),
		byHash:    make(map[common.Hash]*chain.Block),
	}
}

// setCanonical 把一组区块设为规范链 (同时进哈希索引)
func (n *fakeNode) setCanonical(blocks ...*chain.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, b := range blocks {
		n.canonical[b.Number] = b
		n.byHash[b.Hash] = b
		n.head = b.Ref()
	}
}

// addOrphan 只进哈希索引, 不改规范链 (回溯寻祖用)
func (n *fakeNode) addOrphan(blocks ...*chain.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, b := range blocks {
		n.byHash[b.Hash] = b
	}
}

func (n *fakeNode) Head(ctx context.Context) (chain.BlockRef, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.headErr != nil {
		return chain.BlockRef{}, n.headErr
	}
	return n.head, nil
}

func (n *fakeNode) BlockByNumber(ctx context.Context, number uint64) (*chain.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.canonical[number]
	if !ok {
		return nil, fmt.Errorf("%w: block %d", errno.ErrBlockNotFound, number)
	}
	return b, nil
}

func (n *fakeNode) BlockByHash(ctx context.Context, hash common.Hash) (*chain.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", errno.ErrBlockNotFound, hash.Hex())
	}
	return b, nil
}

var _ chain.NodeClient = (*fakeNode)(nil)

var watchedAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func hashOf(tag string) common.Hash {
	return common.BytesToHash([]byte(tag))
}

// makeBlock 构造一个区块; pay > 0 时附带一笔给 watchedAddr 的原生转账
func makeBlock(number uint64, tag, parentTag string, pay int64) *chain.Block {
	b := &chain.Block{
		Number:     number,
		Hash:       hashOf(tag),
		ParentHash: hashOf(parentTag),
		Timestamp:  1700000000 + number,
	}
	if pay > 0 {
		to := watchedAddr
		b.Transactions = append(b.Transactions, chain.Transaction{
			Hash:  hashOf(tag + "-tx"),
			From:  common.HexToAddress("0x00000000000000000000000000000000000000c3"),
			To:    &to,
			Value: big.NewInt(pay),
		})
	}
	return b
}

// countingNotifier 统计通知次数
type countingNotifier struct {
	mu     sync.Mutex
	events []event.BalanceChangedEvent
}

func (n *countingNotifier) Notify(evt event.BalanceChangedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type scannerFixture struct {
	node     *fakeNode
	store    *ledger.MemStore
	ledger   *ledger.Ledger
	notifier *countingNotifier
	scanner  *Scanner
}

func newScannerFixture(t *testing.T, opts Options, lookback int) *scannerFixture {
	t.Helper()
	node := newFakeNode()
	store := ledger.NewMemStore()
	notifier := &countingNotifier{}
	led, err := ledger.New(context.Background(), store, notifier)
	require.NoError(t, err)

	cursor := NewCursor(node, lookback)
	s := New(node, cursor, led, NewExtractor(nil), registry.NewStaticRegistry(watchedAddr), opts, nil)
	return &scannerFixture{node: node, store: store, ledger: led, notifier: notifier, scanner: s}
}

// step 驱动扫描周期直到追平 (errNoNewBlock)
func (f *scannerFixture) step(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		err := f.scanner.cycle(context.Background())
		if errors.Is(err, errNoNewBlock) {
			return
		}
		require.NoError(t, err)
	}
	t.Fatal("扫描 100 个周期仍未追平")
}

func TestScannerFollowsChain(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 0),
		makeBlock(101, "a101", "a100", 5),
		makeBlock(102, "a102", "a101", 3),
	)

	f.step(t)

	assert.Equal(t, uint64(102), f.ledger.Cursor().Number)
	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(8)))
	assert.Equal(t, 2, f.notifier.count())
}

// 100 -> 101 被 101' 替换: 回滚后重放, 余额收敛到新链
func TestScannerReorgConverges(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	b100 := makeBlock(100, "a100", "a99", 0)
	b101 := makeBlock(101, "a101", "a100", 5)
	f.node.setCanonical(b100, b101)

	f.step(t)
	require.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(5)))
	require.Equal(t, 1, f.notifier.count())

	// 重组: 101' 携带同一笔入账
	b101b := makeBlock(101, "b101", "a100", 5)
	f.node.setCanonical(b101b)

	f.step(t)

	assert.Equal(t, hashOf("b101"), f.ledger.Cursor().Hash)
	// 余额不变 (旧事件回滚, 新事件应用)
	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(5)))
	// 幂等表只剩新链的事件
	assert.Equal(t, 1, f.store.AppliedCount())
	// 新事件键不同, 会再通知一次 (at-least-once)
	assert.Equal(t, 2, f.notifier.count())
}

// 重组把入账取消: 回滚后余额归还
func TestScannerReorgDropsPayment(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 0),
		makeBlock(101, "a101", "a100", 5),
	)
	f.step(t)
	require.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(5)))

	// 新链 101' 没有那笔转账
	f.node.setCanonical(makeBlock(101, "b101", "a100", 0))
	f.step(t)

	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).IsZero())
	assert.Equal(t, 0, f.store.AppliedCount())
}

// 多块重组: 回滚窗口内找到祖先, 逐块回退再重放
func TestScannerMultiBlockReorg(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 0),
		makeBlock(101, "a101", "a100", 5),
		makeBlock(102, "a102", "a101", 3),
	)
	f.step(t)
	require.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(8)))

	// 从 100 分叉出 101'-103'
	b101b := makeBlock(101, "b101", "a100", 2)
	b102b := makeBlock(102, "b102", "b101", 0)
	b103b := makeBlock(103, "b103", "b102", 4)
	f.node.setCanonical(b101b, b102b, b103b)

	f.step(t)

	assert.Equal(t, uint64(103), f.ledger.Cursor().Number)
	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(6)))
}

// 重组到更短的链: 规范头低于游标, 孤块照样回滚
func TestScannerReorgToShorterChain(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 0),
		makeBlock(101, "a101", "a100", 5),
		makeBlock(102, "a102", "a101", 3),
	)
	f.step(t)
	require.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(8)))

	// 新规范链到 101' 为止, 没有任何转账
	b101b := makeBlock(101, "b101", "a100", 0)
	f.node.mu.Lock()
	delete(f.node.canonical, 102)
	f.node.canonical[101] = b101b
	f.node.byHash[b101b.Hash] = b101b
	f.node.head = b101b.Ref()
	f.node.mu.Unlock()

	f.step(t)

	assert.Equal(t, uint64(101), f.ledger.Cursor().Number)
	assert.Equal(t, hashOf("b101"), f.ledger.Cursor().Hash)
	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).IsZero())
	assert.Equal(t, 0, f.store.AppliedCount())
}

// 节点头暂时回退但链未变 (滞后副本): 不回滚, 原地等待
func TestScannerHeadRegressionSameChain(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 0),
		makeBlock(101, "a101", "a100", 5),
		makeBlock(102, "a102", "a101", 3),
	)
	f.step(t)
	require.Equal(t, uint64(102), f.ledger.Cursor().Number)

	f.node.mu.Lock()
	f.node.head = f.node.canonical[101].Ref()
	f.node.mu.Unlock()

	err := f.scanner.cycle(context.Background())
	assert.ErrorIs(t, err, errNoNewBlock)
	assert.Equal(t, uint64(102), f.ledger.Cursor().Number)
	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(8)))
	assert.Equal(t, 2, f.store.AppliedCount())
}

// 确认线高度被换哈希: 即使规范头没有更高, 也要核对并回滚
func TestScannerSameHeightSwapBehindConfirmations(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 99, Confirmations: 2}, 64)
	f.node.setCanonical(
		makeBlock(99, "a99", "a98", 0),
		makeBlock(100, "a100", "a99", 5),
		makeBlock(101, "a101", "a100", 0),
		makeBlock(102, "a102", "a101", 0),
	)
	f.step(t)
	require.Equal(t, uint64(100), f.ledger.Cursor().Number)
	require.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(5)))

	// 100 被 100' 替换, 头高度不变
	f.node.setCanonical(
		makeBlock(100, "b100", "a99", 0),
		makeBlock(101, "b101", "b100", 0),
		makeBlock(102, "b102", "b101", 0),
	)

	f.step(t)

	assert.Equal(t, hashOf("b100"), f.ledger.Cursor().Hash)
	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).IsZero())
}

// 超出回滚窗口的重组: 致命, 不自动恢复
func TestScannerDeepReorgIsFatal(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 2)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 0),
		makeBlock(101, "a101", "a100", 0),
		makeBlock(102, "a102", "a101", 0),
	)
	f.step(t)

	// 新分支从窗口之外分叉
	b100b := makeBlock(100, "b100", "a99", 0)
	b101b := makeBlock(101, "b101", "b100", 0)
	b102b := makeBlock(102, "b102", "b101", 0)
	b103b := makeBlock(103, "b103", "b102", 0)
	f.node.addOrphan(b100b, b101b, b102b)
	f.node.setCanonical(b103b)

	err := f.scanner.cycle(context.Background())
	require.Error(t, err)
	code, _ := errno.Decode(err)
	assert.Equal(t, errno.ErrReorgTooDeep.Code, code)
	assert.True(t, errno.IsFatal(err))
}

// 确认数: 只处理到 head - confirmations
func TestScannerHonorsConfirmations(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100, Confirmations: 2}, 64)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 5),
		makeBlock(101, "a101", "a100", 3),
		makeBlock(102, "a102", "a101", 1),
	)

	f.step(t)

	assert.Equal(t, uint64(100), f.ledger.Cursor().Number)
	assert.True(t, f.ledger.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(5)))
}

// 节点瞬时故障: cycle 返回非致命错误, 游标原地不动
func TestScannerTransientNodeError(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	f.node.setCanonical(makeBlock(100, "a100", "a99", 5))
	f.step(t)

	f.node.mu.Lock()
	f.node.headErr = fmt.Errorf("%w: connection refused", errno.ErrNodeUnavailable)
	f.node.mu.Unlock()

	err := f.scanner.cycle(context.Background())
	require.Error(t, err)
	assert.False(t, errno.IsFatal(err))
	assert.Equal(t, uint64(100), f.ledger.Cursor().Number)

	f.node.mu.Lock()
	f.node.headErr = nil
	f.node.mu.Unlock()
	f.step(t)
	assert.Equal(t, uint64(100), f.ledger.Cursor().Number)
}

// 重启恢复: 新扫描器从持久化游标接续, 不重复通知
func TestScannerRestartResumes(t *testing.T) {
	f := newScannerFixture(t, Options{StartHeight: 100}, 64)
	f.node.setCanonical(
		makeBlock(100, "a100", "a99", 0),
		makeBlock(101, "a101", "a100", 5),
	)
	f.step(t)

	// 同一个 store 上重建账本和扫描器
	notifier2 := &countingNotifier{}
	led2, err := ledger.New(context.Background(), f.store, notifier2)
	require.NoError(t, err)
	cursor2 := NewCursor(f.node, 64)
	s2 := New(f.node, cursor2, led2, NewExtractor(nil), registry.NewStaticRegistry(watchedAddr), Options{StartHeight: 100}, nil)

	// Run 的恢复逻辑在循环前执行; 这里直接复刻
	require.True(t, cursor2.Empty())
	cursor2.Restore(led2.Cursor(), led2.RecentWindow())
	require.False(t, cursor2.Empty())

	// 追加一个新块后继续扫
	f.node.setCanonical(makeBlock(102, "a102", "a101", 3))
	for i := 0; i < 10; i++ {
		if err := s2.cycle(context.Background()); errors.Is(err, errNoNewBlock) {
			break
		}
	}

	assert.Equal(t, uint64(102), led2.Cursor().Number)
	assert.True(t, led2.BalanceOf(watchedAddr, chain.AssetNative).Equal(decimal.NewFromInt(8)))
	// 只有新块产生通知
	assert.Equal(t, 1, notifier2.count())
}
