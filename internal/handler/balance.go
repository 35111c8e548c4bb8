package handler

import (
	"fmt"
	"math/big"

	"chain-monitor/internal/handler/response"
	"chain-monitor/internal/ledger"
	"chain-monitor/internal/scanner"
	"chain-monitor/pkg/errno"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// BalanceHandler 余额查询
type BalanceHandler struct {
	ledger  *ledger.Ledger
	scanner *scanner.Scanner
}

func NewBalanceHandler(l *ledger.Ledger, s *scanner.Scanner) *BalanceHandler {
	return &BalanceHandler{ledger: l, scanner: s}
}

// Get 返回地址全部资产的余额 (十六进制), 停机期间附带 stale 标记
// GET /v1/balance/:address
func (h *BalanceHandler) Get(c *gin.Context) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		response.Error(c, errno.ErrInvalidAddress)
		return
	}
	address := common.HexToAddress(raw)

	balances := h.ledger.BalancesFor(address)
	out := make(map[string]string, len(balances))
	for asset, bal := range balances {
		out[asset] = hexBalance(bal)
	}

	health := h.scanner.Health()
	response.Success(c, gin.H{
		"address":      address.Hex(),
		"balances":     out,
		"block_number": health.LastBlockNumber,
		"stale":        health.Halted, // 停机时返回最后一致快照
	})
}

// hexBalance 按原始实现的习惯输出 0x 前缀十六进制 (负数带符号)
func hexBalance(d decimal.Decimal) string {
	i := d.BigInt()
	if i.Sign() < 0 {
		return "-0x" + new(big.Int).Abs(i).Text(16)
	}
	return fmt.Sprintf("0x%s", i.Text(16))
}
