package cache

import (
	"context"
	"time"
)

// TieredCache 两级缓存: 本地 (go-cache) 在前, Redis 在后
// 本地命中不走网络; 回填只写本地, 写穿两级
type TieredCache struct {
	local  Cache
	remote Cache
}

func NewTieredCache(local, remote Cache) *TieredCache {
	return &TieredCache{local: local, remote: remote}
}

func (t *TieredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := t.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return t.local.Set(ctx, key, value, ttl)
}

func (t *TieredCache) Get(ctx context.Context, key string, target interface{}) error {
	if err := t.local.Get(ctx, key, target); err == nil {
		return nil
	}

	if err := t.remote.Get(ctx, key, target); err != nil {
		return err
	}
	// 回填本地, TTL 由远端条目兜底, 本地用短周期防脏读
	_ = t.local.Set(ctx, key, target, 30*time.Second)
	return nil
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.local.Delete(ctx, key)
	return t.remote.Delete(ctx, key)
}

var _ Cache = (*TieredCache)(nil)
