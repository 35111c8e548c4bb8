package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountBalance 账户余额表
// 每个曾经发生过事件的 (address, asset) 一行; 只由 Ledger 单写者修改
type AccountBalance struct {
	ID      uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Address string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_addr_asset" json:"address"`
	Asset   string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_addr_asset" json:"asset"`
	Balance decimal.Decimal `gorm:"type:decimal(78,0);not null;default:0" json:"balance"`
	// 该账户最后应用到的事件游标
	CursorNumber uint64    `gorm:"not null;default:0" json:"cursor_number"`
	CursorHash   string    `gorm:"type:varchar(80);not null;default:''" json:"cursor_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AppliedEvent 已应用事件表 (幂等键记录)
// 唯一键 (block_hash, tx_hash, log_index, address); 回滚窗口之外的行由定时任务清理
type AppliedEvent struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EventKey    string          `gorm:"type:varchar(256);not null;unique" json:"event_key"`
	BlockHash   string          `gorm:"type:varchar(80);not null;index:idx_block" json:"block_hash"`
	BlockNumber uint64          `gorm:"not null;index" json:"block_number"`
	TxHash      string          `gorm:"type:varchar(80);not null" json:"tx_hash"`
	LogIndex    int             `gorm:"not null" json:"log_index"` // -1 表示原生转账
	Address     string          `gorm:"type:varchar(64);not null" json:"address"`
	Asset       string          `gorm:"type:varchar(64);not null" json:"asset"`
	Delta       decimal.Decimal `gorm:"type:decimal(78,0);not null" json:"delta"`
	Timestamp   uint64          `gorm:"not null;default:0" json:"timestamp"`
	// ApplySeq 块内应用顺序, 回滚时按它倒序回退
	ApplySeq int `gorm:"not null" json:"apply_seq"`
	// Payload 通知载荷; Notified 标记投递终态 (成功或进入死信)
	// 与事件同事务写入, 兼作通知任务的 Outbox
	Payload   []byte    `gorm:"type:text" json:"-"`
	Notified  bool      `gorm:"not null;default:false;index" json:"notified"`
	CreatedAt time.Time `json:"created_at"`
}

// CursorState 扫链游标 (单行表)
type CursorState struct {
	ID          uint64    `gorm:"primaryKey" json:"id"` // 恒为 1
	BlockNumber uint64    `gorm:"not null" json:"block_number"`
	BlockHash   string    `gorm:"type:varchar(80);not null" json:"block_hash"`
	// RecentRefs 最近区块引用 (JSON, 重启后恢复回滚窗口)
	RecentRefs []byte    `gorm:"type:text" json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WatchedAddress 关注地址表 (外部注册, 核心只读)
type WatchedAddress struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Address   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_watch" json:"address"`
	TokenID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_watch" json:"token_id"` // 注册方标识
	CreatedAt time.Time `json:"created_at"`
}

// TokenAsset 识别的 ERC-20 代币合约
type TokenAsset struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Contract  string    `gorm:"type:varchar(64);not null;unique" json:"contract"`
	Symbol    string    `gorm:"type:varchar(32)" json:"symbol"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetter 投递彻底失败的通知任务, 留给人工处理
type DeadLetter struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventKey  string    `gorm:"type:varchar(256);not null;unique" json:"event_key"`
	Payload   []byte    `gorm:"type:text;not null" json:"payload"`
	Attempts  int       `gorm:"not null" json:"attempts"`
	LastError string    `gorm:"type:text" json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (AccountBalance) TableName() string { return "account_balances" }
func (AppliedEvent) TableName() string   { return "applied_events" }
func (CursorState) TableName() string    { return "cursor_state" }
func (WatchedAddress) TableName() string { return "watched_addresses" }
func (TokenAsset) TableName() string     { return "token_assets" }
func (DeadLetter) TableName() string     { return "dead_letters" }
