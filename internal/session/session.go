// Package session 處理器存取 session 實體的唯一入口
//
// 呼叫慣例（由呼叫端遵守，Store 不強制）：
//
//	lease, err := s.Lock(ctx, lock.User(name), lock.Game(title))
//	defer lease.Release(ctx)
//	user, err := s.GetUser(ctx, name)   // 第一次讀取之前取鎖
//	...修改...
//	s.SetGame(ctx, game)
//	s.SetUser(ctx, user)                // 最後一次寫入之後才釋放
//
// 取得的實體是解碼後的副本，釋放鎖之後不可再沿用。
package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	"github.com/koopa0/system-design/14-lobby-server/internal/kv"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// ErrNotFound 實體不存在（含內容損毀）
var ErrNotFound = apperrors.ErrNotFound

// Store session 儲存
type Store struct {
	kv     *kv.Store
	locks  *lock.Manager
	logger *slog.Logger
}

// New 建立 session 儲存
func New(store *kv.Store, locks *lock.Manager, logger *slog.Logger) *Store {
	return &Store{
		kv:     store,
		locks:  locks,
		logger: logger.With("component", "session"),
	}
}

// Lock 取得所有資源鎖，順序由鎖管理器統一排序
func (s *Store) Lock(ctx context.Context, keys ...lock.Key) (*lock.Lease, error) {
	return s.locks.AcquireAll(ctx, keys...)
}

func get[T entity.Entity](ctx context.Context, s *Store, key string) (T, error) {
	var zero T

	e, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return zero, apperrors.Wrap(err, apperrors.ErrCodeInternal, "session store failure")
	}
	if !ok {
		return zero, ErrNotFound.WithDetails(key)
	}

	typed, ok := e.(T)
	if !ok {
		s.logger.WarnContext(ctx, "entity kind does not match key", "key", key, "kind", e.Kind())
		return zero, ErrNotFound.WithDetails(key)
	}
	return typed, nil
}

func (s *Store) set(ctx context.Context, e entity.Entity) error {
	if err := s.kv.Set(ctx, e.Key(), e); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "session store failure")
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "session store failure")
	}
	return nil
}

// GetUser 讀取使用者
func (s *Store) GetUser(ctx context.Context, name string) (*entity.User, error) {
	return get[*entity.User](ctx, s, entity.UserKey(name))
}

// SetUser 寫入使用者
func (s *Store) SetUser(ctx context.Context, u *entity.User) error {
	return s.set(ctx, u)
}

// GetGame 讀取房間
func (s *Store) GetGame(ctx context.Context, title string) (*entity.Game, error) {
	return get[*entity.Game](ctx, s, entity.GameKey(title))
}

// SetGame 寫入房間
func (s *Store) SetGame(ctx context.Context, g *entity.Game) error {
	return s.set(ctx, g)
}

// DelGame 刪除房間
func (s *Store) DelGame(ctx context.Context, title string) error {
	return s.del(ctx, entity.GameKey(title))
}

// GetAdventure 讀取冒險
func (s *Store) GetAdventure(ctx context.Context, id int64) (*entity.Adventure, error) {
	return get[*entity.Adventure](ctx, s, entity.AdventureKey(id))
}

// SetAdventure 寫入冒險
func (s *Store) SetAdventure(ctx context.Context, a *entity.Adventure) error {
	return s.set(ctx, a)
}

// DelAdventure 刪除冒險
func (s *Store) DelAdventure(ctx context.Context, id int64) error {
	return s.del(ctx, entity.AdventureKey(id))
}

// GetChat 讀取聊天頻道
func (s *Store) GetChat(ctx context.Context, name string) (*entity.Chat, error) {
	return get[*entity.Chat](ctx, s, entity.ChatKey(name))
}

// SetChat 寫入聊天頻道
func (s *Store) SetChat(ctx context.Context, c *entity.Chat) error {
	return s.set(ctx, c)
}

// DelChat 刪除聊天頻道
func (s *Store) DelChat(ctx context.Context, name string) error {
	return s.del(ctx, entity.ChatKey(name))
}

// ListGames 所有房間摘要，依標題排序
//
// 不取鎖；列表只用於展示，個別房間可能在讀取之間變動。
func (s *Store) ListGames(ctx context.Context) ([]entity.GameSummary, error) {
	keys, err := s.kv.Keys(ctx, entity.GamePrefix+"*")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "session store failure")
	}

	summaries := make([]entity.GameSummary, 0, len(keys))
	for _, key := range keys {
		g, err := get[*entity.Game](ctx, s, key)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, g.Summary())
	}

	slices.SortFunc(summaries, func(a, b entity.GameSummary) int {
		return strings.Compare(a.Title, b.Title)
	})
	return summaries, nil
}

// State 送給單一客戶端的狀態快照
type State struct {
	User      *entity.User         `json:"user"`
	Chats     []string             `json:"chats"`
	Games     []entity.GameSummary `json:"games"`
	Game      *entity.Game         `json:"game,omitempty"`
	Adventure *entity.Adventure    `json:"adventure,omitempty"`
}

// DumpState 組裝使用者的最小狀態視圖
//
// 憑證與房間密碼一律去除。所在房間或冒險已不存在時略過，不視為錯誤。
func (s *Store) DumpState(ctx context.Context, username string) (*State, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	games, err := s.ListGames(ctx)
	if err != nil {
		return nil, err
	}

	state := &State{
		User:  user.Sanitized(),
		Chats: slices.Clone(user.Chats),
		Games: games,
	}

	if user.Game != nil {
		g, err := s.GetGame(ctx, *user.Game)
		switch {
		case err == nil:
			state.Game = g.Public()
		case !apperrors.IsNotFound(err):
			return nil, err
		}
	}

	if user.Adventure != nil {
		a, err := s.GetAdventure(ctx, *user.Adventure)
		switch {
		case err == nil:
			state.Adventure = a
		case !apperrors.IsNotFound(err):
			return nil, err
		}
	}

	return state, nil
}
