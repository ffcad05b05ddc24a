// Package kv 共享鍵值儲存
//
// 架構：
//
//	Store（實體編解碼）
//	  └─ Backend（原始位元組）
//	       ├─ RedisBackend   多個大廳進程共享
//	       └─ MemoryBackend  單機開發與單元測試
//
// 鎖也建在同一個 Backend 上（SetNX + CompareAndExpire + CompareAndDelete），
// 所以換後端不需要改動鎖的實作。
package kv

import (
	"context"
	"time"
)

// Backend 原始鍵值操作
//
// Get 的 ok 為 false 表示鍵不存在（不是錯誤）；
// 連線或 I/O 失敗才回傳 error。
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error

	// SetNX 鍵不存在時寫入並設定 TTL，回傳是否寫入
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete 值等於 expected 時才刪除，回傳是否刪除
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// CompareAndExpire 值等於 expected 時才把 TTL 重設為 ttl，回傳是否續期
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)

	// Keys 列出符合 glob 樣式的鍵（如 "GAME_*"）
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
