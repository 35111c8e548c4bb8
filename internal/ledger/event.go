package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceEvent 一次影响余额的事件 (原生转账或代币转账的单边)
// (BlockHash, TxHash, LogIndex, Address) 是幂等键
type BalanceEvent struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    int // -1 表示原生转账
	Address     common.Address
	Asset       string
	Delta       decimal.Decimal
	Timestamp   uint64
}

// Key 返回幂等键
func (e *BalanceEvent) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s",
		e.BlockHash.Hex(), e.TxHash.Hex(), e.LogIndex, strings.ToLower(e.Address.Hex()))
}

// AccountKey 定位一个余额行
type AccountKey struct {
	Address string // 小写 hex
	Asset   string
}

func (e *BalanceEvent) AccountKey() AccountKey {
	return AccountKey{Address: strings.ToLower(e.Address.Hex()), Asset: e.Asset}
}
