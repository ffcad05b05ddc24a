package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript 只刪除值相符的鍵
//
// KEYS[1]: 鍵
// ARGV[1]: 預期的值
//
// 返回值：
//
//	1: 已刪除
//	0: 值不符或鍵不存在
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// compareAndExpireScript 只替值相符的鍵續期
//
// KEYS[1]: 鍵
// ARGV[1]: 預期的值
// ARGV[2]: 新的 TTL（毫秒）
//
// 返回值：
//
//	1: 已續期
//	0: 值不符或鍵不存在
var compareAndExpireScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// scanCount SCAN 每批數量
const scanCount = 200

// RedisBackend 以 Redis 實作 Backend
//
// 實體值寫入時不帶 TTL（SET key value），只有鎖鍵有 TTL。
// 鍵列表用 SCAN 而不是 KEYS，避免大量鍵時阻塞 Redis。
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend 建立 Redis 後端
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get 實作 Backend
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set 實作 Backend
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Del 實作 Backend
func (r *RedisBackend) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// SetNX 實作 Backend
func (r *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete 實作 Backend
func (r *RedisBackend) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// CompareAndExpire 實作 Backend
func (r *RedisBackend) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	n, err := compareAndExpireScript.Run(ctx, r.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-expire %s: %w", key, err)
	}
	return n == 1, nil
}

// Keys 實作 Backend
func (r *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return dedupe(keys), nil
}

// Ping 實作 Backend
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 實作 Backend
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// dedupe SCAN 可能重複回傳同一個鍵
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
