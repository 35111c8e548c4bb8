package registry

import (
	"context"
	"strings"
	"time"

	"chain-monitor/internal/model"
	"chain-monitor/pkg/cache"
	"chain-monitor/pkg/monitor"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WatchRegistry 关注地址的只读边界
// 核心只查询成员关系; 注册/注销由外部接口 (API/CLI) 负责
type WatchRegistry interface {
	IsWatched(ctx context.Context, address common.Address) (bool, error)
	// Snapshot 返回当前关注集合的快照
	// 提取事件永远针对块处理开始时取的快照, 保证可重放
	Snapshot(ctx context.Context) (map[common.Address]struct{}, error)
}

// SQLRegistry 基于 watched_addresses 表的实现, 成员查询带缓存
type SQLRegistry struct {
	db    *gorm.DB
	cache cache.Cache
	ttl   time.Duration
}

func NewSQLRegistry(db *gorm.DB, c cache.Cache) *SQLRegistry {
	return &SQLRegistry{
		db:    db,
		cache: c,
		ttl:   time.Minute,
	}
}

func (r *SQLRegistry) IsWatched(ctx context.Context, address common.Address) (bool, error) {
	key := "watch:" + strings.ToLower(address.Hex())

	if r.cache != nil {
		var watched bool
		if err := r.cache.Get(ctx, key, &watched); err == nil {
			return watched, nil
		}
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&model.WatchedAddress{}).
		Where("address = ?", strings.ToLower(address.Hex())).
		Count(&count).Error; err != nil {
		return false, err
	}
	watched := count > 0

	if r.cache != nil {
		_ = r.cache.Set(ctx, key, watched, r.ttl)
	}
	return watched, nil
}

func (r *SQLRegistry) Snapshot(ctx context.Context) (map[common.Address]struct{}, error) {
	var addresses []string
	if err := r.db.WithContext(ctx).Model(&model.WatchedAddress{}).
		Distinct("address").
		Pluck("address", &addresses).Error; err != nil {
		return nil, err
	}

	snapshot := make(map[common.Address]struct{}, len(addresses))
	for _, addr := range addresses {
		snapshot[common.HexToAddress(addr)] = struct{}{}
	}
	if monitor.Business != nil {
		monitor.Business.WatchedAddressesGauge.Set(float64(len(snapshot)))
	}
	return snapshot, nil
}

// Register 注册关注地址 (幂等, ON CONFLICT DO NOTHING)
func (r *SQLRegistry) Register(ctx context.Context, tokenID string, addresses []common.Address) error {
	rows := make([]model.WatchedAddress, 0, len(addresses))
	for _, addr := range addresses {
		rows = append(rows, model.WatchedAddress{
			Address: strings.ToLower(addr.Hex()),
			TokenID: tokenID,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error; err != nil {
		return err
	}
	r.invalidate(ctx, addresses)
	return nil
}

// Deregister 注销该注册方名下的关注地址
func (r *SQLRegistry) Deregister(ctx context.Context, tokenID string, addresses []common.Address) error {
	lowered := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		lowered = append(lowered, strings.ToLower(addr.Hex()))
	}
	if len(lowered) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).
		Where("token_id = ? AND address IN ?", tokenID, lowered).
		Delete(&model.WatchedAddress{}).Error; err != nil {
		return err
	}
	r.invalidate(ctx, addresses)
	return nil
}

func (r *SQLRegistry) invalidate(ctx context.Context, addresses []common.Address) {
	if r.cache == nil {
		return
	}
	for _, addr := range addresses {
		_ = r.cache.Delete(ctx, "watch:"+strings.ToLower(addr.Hex()))
	}
}

// StaticRegistry 固定集合的实现 (测试/单机试运行)
type StaticRegistry struct {
	addresses map[common.Address]struct{}
}

func NewStaticRegistry(addresses ...common.Address) *StaticRegistry {
	set := make(map[common.Address]struct{}, len(addresses))
	for _, addr := range addresses {
		set[addr] = struct{}{}
	}
	return &StaticRegistry{addresses: set}
}

func (r *StaticRegistry) IsWatched(ctx context.Context, address common.Address) (bool, error) {
	_, ok := r.addresses[address]
	return ok, nil
}

func (r *StaticRegistry) Snapshot(ctx context.Context) (map[common.Address]struct{}, error) {
	out := make(map[common.Address]struct{}, len(r.addresses))
	for addr := range r.addresses {
		out[addr] = struct{}{}
	}
	return out, nil
}

var _ WatchRegistry = (*SQLRegistry)(nil)
var _ WatchRegistry = (*StaticRegistry)(nil)
