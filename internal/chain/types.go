package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AssetNative 原生币资产标识; 代币资产用小写的合约地址
const AssetNative = "native"

// AssetID 把代币合约地址规整成资产标识
func AssetID(contract common.Address) string {
	return strings.ToLower(contract.Hex())
}

// BlockRef 标识链上的一个位置 (number + hash)
type BlockRef struct {
	Number uint64
	Hash   common.Hash
}

func (r BlockRef) IsZero() bool {
	return r.Hash == (common.Hash{}) && r.Number == 0
}

// Block 规整后的区块; 一经获取即视为不可变
type Block struct {
	Number       uint64
	Hash         common.Hash
	ParentHash   common.Hash
	Timestamp    uint64
	Transactions []Transaction
}

func (b *Block) Ref() BlockRef {
	return BlockRef{Number: b.Number, Hash: b.Hash}
}

// Transaction 规整后的交易, Logs 按 LogIndex 升序挂在所属交易下
type Transaction struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address // nil 表示合约创建
	Value *big.Int
	Logs  []Log
}

// Log 合约事件日志
type Log struct {
	Address  common.Address // 发出日志的合约
	Topics   []common.Hash
	Data     []byte
	TxHash   common.Hash
	LogIndex uint
}
