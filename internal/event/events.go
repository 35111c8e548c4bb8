package event

// BalanceChangedEvent 余额变动事件
// Topic: balance_events
// EventKey 是触发事件的幂等键, 消费方用它去重 (投递语义是 at-least-once)
type BalanceChangedEvent struct {
	EventKey    string `json:"event_key"`
	Address     string `json:"address"`
	Asset       string `json:"asset"`
	Delta       string `json:"delta"`       // Decimal string
	NewBalance  string `json:"new_balance"` // Decimal string
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	TxHash      string `json:"tx_hash"`
	LogIndex    int    `json:"log_index"` // -1 表示原生转账
	Timestamp   uint64 `json:"timestamp"`
}
