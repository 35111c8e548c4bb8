package scanner

import (
	"math/big"

	"chain-monitor/internal/chain"
	"chain-monitor/internal/ledger"
	"chain-monitor/pkg/monitor"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// transferTopic ERC-20 Transfer(address,address,uint256) 事件签名
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Extractor 从区块中提取余额事件
// 纯函数式: 对同一区块和同一关注快照, 提取结果可确定重放 (回滚后重放依赖这一点)
type Extractor struct {
	tokens map[common.Address]struct{} // 识别的代币合约
}

func NewExtractor(tokens []common.Address) *Extractor {
	set := make(map[common.Address]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return &Extractor{tokens: set}
}

// Extract 按交易顺序提取关注地址的余额事件
// 无法解码的日志计数后跳过, 不影响同块其他事件
func (x *Extractor) Extract(block *chain.Block, watched map[common.Address]struct{}) []ledger.BalanceEvent {
	var events []ledger.BalanceEvent

	for i := range block.Transactions {
		tx := &block.Transactions[i]

		// (a) 原生转账
		if tx.Value != nil && tx.Value.Sign() > 0 && tx.To != nil {
			// from == to 时净变动为零, 不产生事件 (也保证幂等键唯一)
			if tx.From != *tx.To {
				value := decimal.NewFromBigInt(tx.Value, 0)
				if _, ok := watched[tx.From]; ok {
					events = append(events, x.nativeEvent(block, tx, tx.From, value.Neg()))
				}
				if _, ok := watched[*tx.To]; ok {
					events = append(events, x.nativeEvent(block, tx, *tx.To, value))
				}
			}
		}

		// (b) 代币转账日志
		for j := range tx.Logs {
			l := &tx.Logs[j]
			if _, known := x.tokens[l.Address]; !known {
				continue
			}
			if len(l.Topics) == 0 || l.Topics[0] != transferTopic {
				continue // 该合约的其他事件, 不关心
			}
			if len(l.Topics) != 3 || len(l.Data) < 32 {
				// 形状不对的 Transfer 日志: 记数跳过, 绝不致命
				if monitor.Business != nil {
					monitor.Business.MalformedLogsTotal.Inc()
				}
				continue
			}

			from := common.BytesToAddress(l.Topics[1].Bytes())
			to := common.BytesToAddress(l.Topics[2].Bytes())
			if from == to {
				continue // 自转净零
			}
			amount := decimal.NewFromBigInt(new(big.Int).SetBytes(l.Data[:32]), 0)
			asset := chain.AssetID(l.Address)

			if _, ok := watched[from]; ok {
				events = append(events, x.tokenEvent(block, l, from, asset, amount.Neg()))
			}
			if _, ok := watched[to]; ok {
				events = append(events, x.tokenEvent(block, l, to, asset, amount))
			}
		}
	}
	return events
}

func (x *Extractor) nativeEvent(block *chain.Block, tx *chain.Transaction, addr common.Address, delta decimal.Decimal) ledger.BalanceEvent {
	return ledger.BalanceEvent{
		BlockNumber: block.Number,
		BlockHash:   block.Hash,
		TxHash:      tx.Hash,
		LogIndex:    -1,
		Address:     addr,
		Asset:       chain.AssetNative,
		Delta:       delta,
		Timestamp:   block.Timestamp,
	}
}

func (x *Extractor) tokenEvent(block *chain.Block, l *chain.Log, addr common.Address, asset string, delta decimal.Decimal) ledger.BalanceEvent {
	return ledger.BalanceEvent{
		BlockNumber: block.Number,
		BlockHash:   block.Hash,
		TxHash:      l.TxHash,
		LogIndex:    int(l.LogIndex),
		Address:     addr,
		Asset:       asset,
		Delta:       delta,
		Timestamp:   block.Timestamp,
	}
}
