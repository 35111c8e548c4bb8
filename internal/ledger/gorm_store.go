package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chain-monitor/internal/chain"
	"chain-monitor/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// refRow 游标回滚窗口的持久化形式
type refRow struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// GormStore 基于 gorm/PostgreSQL 的 Store 和 Outcomes 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context) (*State, error) {
	state := &State{Balances: make(map[AccountKey]AccountState)}

	var cur model.CursorState
	err := s.db.WithContext(ctx).First(&cur, 1).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 首次启动, 空游标
	case err != nil:
		return nil, err
	default:
		state.Cursor = chain.BlockRef{Number: cur.BlockNumber, Hash: common.HexToHash(cur.BlockHash)}
		if len(cur.RecentRefs) > 0 {
			var rows []refRow
			if err := json.Unmarshal(cur.RecentRefs, &rows); err != nil {
				return nil, fmt.Errorf("解析回滚窗口失败: %w", err)
			}
			for _, r := range rows {
				state.Recent = append(state.Recent, chain.BlockRef{Number: r.Number, Hash: common.HexToHash(r.Hash)})
			}
		}
	}

	var balances []model.AccountBalance
	if err := s.db.WithContext(ctx).Find(&balances).Error; err != nil {
		return nil, err
	}
	for _, b := range balances {
		state.Balances[AccountKey{Address: b.Address, Asset: b.Asset}] = AccountState{
			Balance: b.Balance,
			Cursor:  chain.BlockRef{Number: b.CursorNumber, Hash: common.HexToHash(b.CursorHash)},
		}
	}

	// 只加载回滚窗口内的已应用事件; 窗口外的事件不可能再被回滚
	if len(state.Recent) > 0 {
		hashes := make([]string, 0, len(state.Recent))
		for _, r := range state.Recent {
			hashes = append(hashes, r.Hash.Hex())
		}
		var rows []model.AppliedEvent
		if err := s.db.WithContext(ctx).
			Where("block_hash IN ?", hashes).
			Order("block_number asc, apply_seq asc").
			Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			state.Applied = append(state.Applied, AppliedRecord{
				Event:   rowToEvent(row),
				Seq:     row.ApplySeq,
				Payload: row.Payload,
			})
		}
	}
	return state, nil
}

func (s *GormStore) ApplyBlock(ctx context.Context, delta *BlockDelta) error {
	recent, err := marshalRefs(delta.Recent)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range delta.Records {
			ev := rec.Event
			row := model.AppliedEvent{
				EventKey:    ev.Key(),
				BlockHash:   ev.BlockHash.Hex(),
				BlockNumber: ev.BlockNumber,
				TxHash:      ev.TxHash.Hex(),
				LogIndex:    ev.LogIndex,
				Address:     strings.ToLower(ev.Address.Hex()),
				Asset:       ev.Asset,
				Delta:       ev.Delta,
				Timestamp:   ev.Timestamp,
				ApplySeq:    rec.Seq,
				Payload:     rec.Payload,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		for acct, bal := range delta.Balances {
			row := model.AccountBalance{
				Address:      acct.Address,
				Asset:        acct.Asset,
				Balance:      bal,
				CursorNumber: delta.Ref.Number,
				CursorHash:   delta.Ref.Hash.Hex(),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "address"}, {Name: "asset"}},
				DoUpdates: clause.AssignmentColumns([]string{"balance", "cursor_number", "cursor_hash", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}

		return s.saveCursor(tx, delta.Ref, recent)
	})
}

func (s *GormStore) RollbackBlock(ctx context.Context, rb *BlockRollback) error {
	recent, err := marshalRefs(rb.Recent)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rb.EventKeys) > 0 {
			if err := tx.Where("event_key IN ?", rb.EventKeys).
				Delete(&model.AppliedEvent{}).Error; err != nil {
				return err
			}
		}

		for acct, bal := range rb.Balances {
			if err := tx.Model(&model.AccountBalance{}).
				Where("address = ? AND asset = ?", acct.Address, acct.Asset).
				Updates(map[string]interface{}{
					"balance":       bal,
					"cursor_number": rb.NewCursor.Number,
					"cursor_hash":   rb.NewCursor.Hash.Hex(),
				}).Error; err != nil {
				return err
			}
		}

		return s.saveCursor(tx, rb.NewCursor, recent)
	})
}

func (s *GormStore) saveCursor(tx *gorm.DB, ref chain.BlockRef, recent []byte) error {
	row := model.CursorState{
		ID:          1,
		BlockNumber: ref.Number,
		BlockHash:   ref.Hash.Hex(),
		RecentRefs:  recent,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "block_hash", "recent_refs", "updated_at"}),
	}).Create(&row).Error
}

// MarkDelivered 实现 Outcomes
func (s *GormStore) MarkDelivered(ctx context.Context, eventKey string) error {
	return s.db.WithContext(ctx).Model(&model.AppliedEvent{}).
		Where("event_key = ?", eventKey).
		Update("notified", true).Error
}

// DeadLetter 实现 Outcomes; ON CONFLICT DO NOTHING 保证同一事件只进一次死信
func (s *GormStore) DeadLetter(ctx context.Context, eventKey string, payload []byte, attempts int, lastErr string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := model.DeadLetter{
			EventKey:  eventKey,
			Payload:   payload,
			Attempts:  attempts,
			LastError: lastErr,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		// 死信也是投递终态
		return tx.Model(&model.AppliedEvent{}).
			Where("event_key = ?", eventKey).
			Update("notified", true).Error
	})
}

// PendingNotifications 返回尚未到达投递终态的通知载荷 (重启后续投)
func (s *GormStore) PendingNotifications(ctx context.Context) ([][]byte, error) {
	var rows []model.AppliedEvent
	if err := s.db.WithContext(ctx).
		Where("notified = ?", false).
		Order("block_number asc, apply_seq asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	payloads := make([][]byte, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, row.Payload)
	}
	return payloads, nil
}

// PruneApplied 清理回滚窗口外且已到投递终态的事件记录
func (s *GormStore) PruneApplied(ctx context.Context, beforeBlock uint64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("block_number < ? AND notified = ?", beforeBlock, true).
		Delete(&model.AppliedEvent{})
	return res.RowsAffected, res.Error
}

// DeadLetterCount 当前死信数量 (健康指标)
func (s *GormStore) DeadLetterCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.DeadLetter{}).Count(&count).Error
	return count, err
}

func rowToEvent(row model.AppliedEvent) BalanceEvent {
	return BalanceEvent{
		BlockNumber: row.BlockNumber,
		BlockHash:   common.HexToHash(row.BlockHash),
		TxHash:      common.HexToHash(row.TxHash),
		LogIndex:    row.LogIndex,
		Address:     common.HexToAddress(row.Address),
		Asset:       row.Asset,
		Delta:       row.Delta,
		Timestamp:   row.Timestamp,
	}
}

func marshalRefs(refs []chain.BlockRef) ([]byte, error) {
	rows := make([]refRow, 0, len(refs))
	for _, r := range refs {
		rows = append(rows, refRow{Number: r.Number, Hash: r.Hash.Hex()})
	}
	return json.Marshal(rows)
}

var _ Store = (*GormStore)(nil)
var _ Outcomes = (*GormStore)(nil)
