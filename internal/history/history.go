// Package history 對戰紀錄
//
// autohost.Manager 在送出啟動命令之前先寫入一筆紀錄，
// 之後依主機回報的 serverStarted / serverEnding 更新同一筆。
package history

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// ErrNotFound 紀錄不存在
var ErrNotFound = apperrors.ErrNotFound

// Match 一場對戰
type Match struct {
	ID     int64           `json:"id"`
	Title  string          `json:"title"`
	Config json.RawMessage `json:"config"`
	Hosted bool            `json:"hosted"`
	// WinnerTeam nil 表示沒有勝方或尚未結束
	WinnerTeam *int      `json:"winnerTeam"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Repository 對戰紀錄儲存
//
// Save 以 ID upsert，並回填 CreatedAt / UpdatedAt。
type Repository interface {
	Save(ctx context.Context, m *Match) error
	Get(ctx context.Context, id int64) (*Match, error)
	Recent(ctx context.Context, limit int) ([]*Match, error)
}

// MemoryRepository 記憶體實作，用於測試與開發
type MemoryRepository struct {
	mu      sync.RWMutex
	matches map[int64]*Match
	now     func() time.Time
}

// NewMemoryRepository 建立記憶體儲存
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		matches: make(map[int64]*Match),
		now:     time.Now,
	}
}

// Save 實作 Repository
func (r *MemoryRepository) Save(ctx context.Context, m *Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.matches[m.ID]; ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	r.matches[m.ID] = clone(m)
	return nil
}

// Get 實作 Repository
func (r *MemoryRepository) Get(ctx context.Context, id int64) (*Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.matches[id]
	if !ok {
		return nil, ErrNotFound.WithDetails("match")
	}
	return clone(m), nil
}

// Recent 依建立時間由新到舊
func (r *MemoryRepository) Recent(ctx context.Context, limit int) ([]*Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	out := make([]*Match, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, clone(m))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(m *Match) *Match {
	c := *m
	c.Config = append(json.RawMessage(nil), m.Config...)
	if m.WinnerTeam != nil {
		w := *m.WinnerTeam
		c.WinnerTeam = &w
	}
	return &c
}
