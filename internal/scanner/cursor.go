package scanner

import (
	"context"
	"fmt"

	"chain-monitor/internal/chain"
	"chain-monitor/pkg/errno"
	"chain-monitor/pkg/logger"

	"go.uber.org/zap"
)

type cursorState int

const (
	cursorEmpty cursorState = iota
	cursorSynced
)

// Cursor 链游标状态机: Empty -> Synced(number, hash)
// 不变量: 下一个被应用区块的 parentHash 必须等于游标哈希, 否则先回滚
// 本地保留最近 lookback 个区块引用, 作为回滚窗口
type Cursor struct {
	state    cursorState
	ref      chain.BlockRef
	recent   []chain.BlockRef // 升序, 末尾即当前游标
	lookback int
	client   chain.NodeClient
}

// ReorgPlan 一次重组的处理计划
type ReorgPlan struct {
	Ancestor chain.BlockRef   // 共同祖先
	Orphaned []chain.BlockRef // 被抛弃的本地区块, 新块在前 (按此顺序回滚)
	Replay   []*chain.Block   // 新规范链区块, 升序 (回滚后按此顺序应用)
}

func NewCursor(client chain.NodeClient, lookback int) *Cursor {
	if lookback <= 0 {
		lookback = 64
	}
	return &Cursor{
		state:    cursorEmpty,
		client:   client,
		lookback: lookback,
	}
}

// Restore 从持久化状态恢复游标 (重启 / 运维重置)
func (c *Cursor) Restore(ref chain.BlockRef, recent []chain.BlockRef) {
	if ref.IsZero() {
		return
	}
	c.state = cursorSynced
	c.ref = ref
	c.recent = append([]chain.BlockRef(nil), recent...)
	if len(c.recent) == 0 || c.recent[len(c.recent)-1] != ref {
		c.recent = append(c.recent, ref)
	}
	c.trim()
}

func (c *Cursor) Empty() bool {
	return c.state == cursorEmpty
}

func (c *Cursor) Ref() chain.BlockRef {
	return c.ref
}

// Advance 判断新块是否顺序延伸已知链
// 返回 nil 计划表示正常延伸 (调用方应用后 Commit);
// 返回非 nil 计划表示检测到重组, 需要先回滚再重放
func (c *Cursor) Advance(ctx context.Context, block *chain.Block) (*ReorgPlan, error) {
	if c.state == cursorEmpty || block.ParentHash == c.ref.Hash {
		return nil, nil
	}
	return c.resolveReorg(ctx, block)
}

// resolveReorg 沿候选链向父块回溯, 在本地窗口里找共同祖先
// 链的取舍永远跟随节点报告的规范头, 不做本地启发
func (c *Cursor) resolveReorg(ctx context.Context, candidate *chain.Block) (*ReorgPlan, error) {
	replay := []*chain.Block{candidate}
	cand := candidate

	for depth := 0; depth < c.lookback; depth++ {
		if cand.Number == 0 {
			break
		}
		if local, ok := c.refAt(cand.Number - 1); ok && local.Hash == cand.ParentHash {
			// 命中共同祖先
			plan := &ReorgPlan{
				Ancestor: local,
				Replay:   replay,
			}
			for i := len(c.recent) - 1; i >= 0; i-- {
				if c.recent[i].Number > local.Number {
					plan.Orphaned = append(plan.Orphaned, c.recent[i])
				}
			}
			logger.Warn("检测到链重组",
				zap.Uint64("ancestor", local.Number),
				zap.Int("orphaned", len(plan.Orphaned)),
				zap.Int("replay", len(plan.Replay)))
			return plan, nil
		}

		parent, err := c.client.BlockByHash(ctx, cand.ParentHash)
		if err != nil {
			if code, _ := errno.Decode(err); code == errno.ErrBlockNotFound.Code {
				// 回溯途中父块取不到: 按 ReorgTooDeep 风险处理
				return nil, fmt.Errorf("%w: ancestor %s missing", errno.ErrReorgTooDeep, cand.ParentHash.Hex())
			}
			return nil, err
		}
		replay = append([]*chain.Block{parent}, replay...)
		cand = parent
	}

	return nil, fmt.Errorf("%w: no common ancestor within %d blocks", errno.ErrReorgTooDeep, c.lookback)
}

// Commit 记录一个已应用区块
func (c *Cursor) Commit(ref chain.BlockRef) {
	c.state = cursorSynced
	c.ref = ref
	c.recent = append(c.recent, ref)
	c.trim()
}

// RollbackTo 回滚完成后把游标退回祖先
func (c *Cursor) RollbackTo(ancestor chain.BlockRef) {
	c.ref = ancestor
	c.recent = c.recentTo(ancestor.Number)
}

// RecentWith 预览: 应用 ref 之后的回滚窗口 (持久化用, 不改游标)
func (c *Cursor) RecentWith(ref chain.BlockRef) []chain.BlockRef {
	out := append(append([]chain.BlockRef(nil), c.recent...), ref)
	if excess := len(out) - c.lookback; excess > 0 {
		out = out[excess:]
	}
	return out
}

// RecentTo 预览: 回滚到 number 之后的回滚窗口
func (c *Cursor) RecentTo(number uint64) []chain.BlockRef {
	return c.recentTo(number)
}

func (c *Cursor) recentTo(number uint64) []chain.BlockRef {
	out := make([]chain.BlockRef, 0, len(c.recent))
	for _, r := range c.recent {
		if r.Number <= number {
			out = append(out, r)
		}
	}
	return out
}

// RefAt 返回窗口内指定高度的引用
func (c *Cursor) RefAt(number uint64) (chain.BlockRef, bool) {
	return c.refAt(number)
}

func (c *Cursor) refAt(number uint64) (chain.BlockRef, bool) {
	for i := len(c.recent) - 1; i >= 0; i-- {
		if c.recent[i].Number == number {
			return c.recent[i], true
		}
	}
	return chain.BlockRef{}, false
}

func (c *Cursor) trim() {
	if excess := len(c.recent) - c.lookback; excess > 0 {
		c.recent = c.recent[excess:]
	}
}
