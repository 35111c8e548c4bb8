package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix 分布式锁统一前缀, 与余额/注册表的缓存键空间隔离
const keyPrefix = "monitor:lock:"

// releaseScript 校验 value 归属后再删除, 避免误删其他实例续期后的锁
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// DistributedLock 多实例互斥边界
// 维护任务 (历史事件清理等) 靠它保证同一时刻只有一个实例执行
type DistributedLock interface {
	// Acquire 尝试获取锁; ttl 到期自动释放, 持有者崩溃不会死锁
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release 释放锁; 只释放自己持有的锁
	Release(ctx context.Context, key string) error
}

// RedisLock 基于 Redis SET NX 的实现
// 每个实例持有随机 token 作为锁值, 释放走 Lua 脚本校验归属
type RedisLock struct {
	client *redis.Client
	token  string
}

func NewRedisLock(client *redis.Client) *RedisLock {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return &RedisLock{client: client, token: hex.EncodeToString(buf)}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, keyPrefix+key, l.token, ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, l.token).Err()
}
