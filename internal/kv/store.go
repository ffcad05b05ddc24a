package kv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
)

// Store 實體層的讀寫
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore 建立實體儲存
func NewStore(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.With("component", "kv"),
	}
}

// Backend 底層後端（鎖管理器共用）
func (s *Store) Backend() Backend {
	return s.backend
}

// Get 讀取並解碼實體
//
// 解碼失敗（內容損毀、未知 kind 或節點 type）視同不存在：
// 記錄警告並回傳 ok == false、err == nil。
func (s *Store) Get(ctx context.Context, key string) (entity.Entity, bool, error) {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	e, err := entity.Decode(raw)
	if err != nil {
		s.logger.WarnContext(ctx, "discarding undecodable entity", "key", key, "error", err)
		return nil, false, nil
	}
	return e, true, nil
}

// Set 以單一 SET 寫入整個實體
func (s *Store) Set(ctx context.Context, key string, e entity.Entity) error {
	raw, err := entity.Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.backend.Set(ctx, key, raw)
}

// Delete 刪除實體
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.backend.Del(ctx, key)
}

// Keys 列出符合樣式的實體鍵
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.backend.Keys(ctx, pattern)
}
