package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"chain-monitor/pkg/errno"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// NodeClient 只读的链节点边界
// 不做重试: 重试和退避策略由 Scanner 统一掌握, 便于集中观测
type NodeClient interface {
	// Head 返回节点报告的规范链头
	Head(ctx context.Context) (BlockRef, error)
	// BlockByNumber 按高度取规范链上的区块 (含交易和日志)
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	// BlockByHash 按哈希取区块 (回滚寻祖时使用)
	BlockByHash(ctx context.Context, hash common.Hash) (*Block, error)
}

// EthClient 基于 go-ethereum ethclient 的 NodeClient 实现
type EthClient struct {
	ec      *ethclient.Client
	signer  types.Signer
	timeout time.Duration
}

// Dial 连接 JSON-RPC 节点
func Dial(rpcURL string, chainID int64, timeout time.Duration) (*EthClient, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errno.ErrNodeUnavailable, rpcURL, err)
	}
	return &EthClient{
		ec:      ec,
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
		timeout: timeout,
	}, nil
}

// Close 断开底层 RPC 连接
func (c *EthClient) Close() {
	c.ec.Close()
}

func (c *EthClient) Head(ctx context.Context) (BlockRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return BlockRef{}, wrapNodeErr(err)
	}
	return BlockRef{Number: header.Number.Uint64(), Hash: header.Hash()}, nil
}

func (c *EthClient) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.ec.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, wrapNodeErr(err)
	}
	return c.normalize(ctx, raw)
}

func (c *EthClient) BlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.ec.BlockByHash(ctx, hash)
	if err != nil {
		return nil, wrapNodeErr(err)
	}
	return c.normalize(ctx, raw)
}

// normalize 把 go-ethereum 的区块转成内部 Block, 并把整块日志按交易哈希归位
func (c *EthClient) normalize(ctx context.Context, raw *types.Block) (*Block, error) {
	blockHash := raw.Hash()

	logs, err := c.ec.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &blockHash})
	if err != nil {
		return nil, wrapNodeErr(err)
	}
	logsByTx := make(map[common.Hash][]Log, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		logsByTx[l.TxHash] = append(logsByTx[l.TxHash], Log{
			Address:  l.Address,
			Topics:   l.Topics,
			Data:     l.Data,
			TxHash:   l.TxHash,
			LogIndex: l.Index,
		})
	}

	block := &Block{
		Number:     raw.NumberU64(),
		Hash:       blockHash,
		ParentHash: raw.ParentHash(),
		Timestamp:  raw.Time(),
	}
	for _, tx := range raw.Transactions() {
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			// 无法恢复发送方的交易 (不认识的签名类型) 跳过, 不影响整块
			continue
		}
		block.Transactions = append(block.Transactions, Transaction{
			Hash:  tx.Hash(),
			From:  from,
			To:    tx.To(),
			Value: tx.Value(),
			Logs:  logsByTx[tx.Hash()],
		})
	}
	return block, nil
}

func wrapNodeErr(err error) error {
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %v", errno.ErrBlockNotFound, err)
	}
	return fmt.Errorf("%w: %v", errno.ErrNodeUnavailable, err)
}
