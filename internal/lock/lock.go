// Package lock 建在共享 KV 上的分散式資源鎖
//
// 取鎖：
//
//	SET lock:<key> <token> NX PX <ttl>
//
// 失敗時以指數退避重試（計時器等待，不佔 CPU），
// 超過 AcquireTimeout 回報 LOCK_UNAVAILABLE，從不靜默成功。
// 持有者崩潰時鎖會在 TTL 後自動過期。
//
// 續期：持有期間每 TTL/3 以 token 比對後 PEXPIRE（Lua compare-and-expire），
// 臨界區比 TTL 長也不會中途失鎖；進程崩潰則續期停止，鎖照常過期。
//
// 釋放：只有 token 相符才刪除（Lua compare-and-delete），
// 過期後被別人拿走的鎖不會被誤刪。
//
// 多鍵：AcquireAll 先去重並依字典序排序，嚴格依序取得；
// 任何一把失敗就把已取得的全部釋放。所有呼叫端都經過同一個排序，
// {a,b} 與 {b,a} 不可能互相等待。
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-lobby-server/internal/kv"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// storePrefix 鎖在 KV 中的鍵前綴
const storePrefix = "lock:"

// releaseTimeout 強制釋放與失敗回滾時使用的逾時
const releaseTimeout = 5 * time.Second

var (
	// ErrUnavailable 在期限內無法取得鎖
	ErrUnavailable = apperrors.ErrLockUnavailable

	// ErrClosed 管理器已關閉，不再接受取鎖
	ErrClosed = apperrors.New(apperrors.ErrCodeInternal, "lock manager is shutting down")

	errContended = errors.New("lock held by another owner")
)

// Key 依種類命名的資源鍵，不同種類即使 ID 相同也不會衝突
type Key string

// User 使用者鎖
func User(name string) Key { return Key("user:" + name) }

// Game 房間鎖
func Game(title string) Key { return Key("game:" + title) }

// Adventure 冒險鎖
func Adventure(id int64) Key { return Key("adv:" + strconv.FormatInt(id, 10)) }

// Chat 聊天頻道鎖
func Chat(name string) Key { return Key("chat:" + name) }

func (k Key) String() string { return string(k) }

func (k Key) storeKey() string { return storePrefix + string(k) }

// Options 取鎖參數
type Options struct {
	TTL             time.Duration
	AcquireTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions 預設參數
func DefaultOptions() Options {
	return Options{
		TTL:             10 * time.Second,
		AcquireTimeout:  3 * time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
	}
}

// Manager 鎖管理器
type Manager struct {
	backend kv.Backend
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	held   map[*Lease]struct{}
	closed bool
	idle   chan struct{} // Close 等待中，held 清空時關閉
}

// NewManager 建立鎖管理器
func NewManager(backend kv.Backend, opts Options, logger *slog.Logger) *Manager {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}

	return &Manager{
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "lock"),
		held:    make(map[*Lease]struct{}),
	}
}

// Acquire 取得單一資源鎖
func (m *Manager) Acquire(ctx context.Context, key Key) (*Lease, error) {
	return m.AcquireAll(ctx, key)
}

// AcquireAll 以全域順序取得多把鎖
//
// 整體受 AcquireTimeout 限制，而不是每把鎖各自計時。
// 失敗時不會留下任何已取得的鎖。
func (m *Manager) AcquireAll(ctx context.Context, keys ...Key) (*Lease, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	keys = canonical(keys)
	lease := &Lease{
		manager: m,
		token:   uuid.NewString(),
	}
	deadline := time.Now().Add(m.opts.AcquireTimeout)

	for _, key := range keys {
		if err := m.acquireOne(ctx, key, lease.token, deadline); err != nil {
			m.rollback(lease)
			return nil, err
		}
		lease.keys = append(lease.keys, key)
	}

	if !m.track(lease) {
		m.rollback(lease)
		return nil, ErrClosed
	}
	lease.startRenewal(m.opts.TTL / 3)
	return lease, nil
}

func (m *Manager) acquireOne(ctx context.Context, key Key, token string, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrUnavailable.WithDetails(key.String())
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     m.opts.InitialInterval,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         m.opts.MaxInterval,
	}

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := m.backend.SetNX(ctx, key.storeKey(), []byte(token), m.opts.TTL)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errContended
		}
		return true, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(remaining),
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errContended):
		m.logger.DebugContext(ctx, "lock acquisition timed out", "key", key)
		return ErrUnavailable.WithDetails(key.String())
	case ctx.Err() != nil:
		return apperrors.Wrap(err, apperrors.ErrCodeLockUnavailable, "lock acquisition cancelled")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "lock backend failure")
	}
}

// rollback 釋放部分取得的鍵；不使用呼叫端的 ctx，它可能已取消
func (m *Manager) rollback(lease *Lease) {
	if len(lease.keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := lease.releaseKeys(ctx); err != nil {
		m.logger.Warn("failed to roll back partial lock set", "keys", lease.keys, "error", err)
	}
}

// Release 釋放租約；nil 或已釋放的租約為 no-op
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	return lease.Release(ctx)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) track(lease *Lease) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.held[lease] = struct{}{}
	return true
}

func (m *Manager) untrack(lease *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, lease)
	if m.closed && len(m.held) == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
}

// Held 目前持有中的租約數
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Close 停止接受取鎖並等待持有中的租約釋放
//
// ctx 結束時仍未釋放的租約會被強制釋放。
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if len(m.held) == 0 {
		m.mu.Unlock()
		return nil
	}
	if m.idle == nil {
		m.idle = make(chan struct{})
	}
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	remaining := make([]*Lease, 0, len(m.held))
	for l := range m.held {
		remaining = append(remaining, l)
	}
	m.mu.Unlock()

	m.logger.Warn("force releasing locks on shutdown", "leases", len(remaining))

	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	var errs []error
	for _, l := range remaining {
		if err := l.Release(releaseCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// canonical 去重並排序
func canonical(keys []Key) []Key {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// Lease 一次取鎖的結果，可能涵蓋多個鍵
type Lease struct {
	manager *Manager
	keys    []Key
	token   string

	stopRenewal context.CancelFunc
	renewalDone chan struct{}

	once sync.Once
	err  error
}

// Keys 依取得順序排列的鍵
func (l *Lease) Keys() []Key {
	if l == nil {
		return nil
	}
	return slices.Clone(l.keys)
}

// Release 釋放所有鍵
//
// 冪等：重複釋放、nil 租約、或鎖已過期被他人取得，皆回傳 nil。
// 只有後端連線失敗才回傳錯誤。
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.haltRenewal()
		l.err = l.releaseKeys(ctx)
		l.manager.untrack(l)
	})
	return l.err
}

func (l *Lease) releaseKeys(ctx context.Context) error {
	var errs []error
	// 反序釋放
	for i := len(l.keys) - 1; i >= 0; i-- {
		key := l.keys[i]
		deleted, err := l.manager.backend.CompareAndDelete(ctx, key.storeKey(), []byte(l.token))
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
			continue
		}
		if !deleted {
			l.manager.logger.DebugContext(ctx, "lock no longer held at release", "key", key)
		}
	}
	return errors.Join(errs...)
}


// startRenewal 啟動續期 goroutine，直到 Release 或鎖遺失為止
func (l *Lease) startRenewal(interval time.Duration) {
	if interval <= 0 || len(l.keys) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.stopRenewal = cancel
	l.renewalDone = make(chan struct{})

	go func() {
		defer close(l.renewalDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !l.renew(ctx) {
					return
				}
			}
		}
	}()
}

// renew 替每個鍵續期一次；任何一個鍵已不屬於此租約時回傳 false
//
// 後端暫時失敗只記錄，下一輪再試。
func (l *Lease) renew(ctx context.Context) bool {
	m := l.manager
	for _, key := range l.keys {
		renewed, err := m.backend.CompareAndExpire(ctx, key.storeKey(), []byte(l.token), m.opts.TTL)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("lock renewal failed", "key", key, "error", err)
			}
			continue
		}
		if !renewed {
			m.logger.Warn("lock lost before release", "key", key)
			return false
		}
	}
	return true
}

// haltRenewal 停止續期並等待進行中的續期結束，
// 之後的 compare-and-delete 不會與 PEXPIRE 交錯
func (l *Lease) haltRenewal() {
	if l.stopRenewal == nil {
		return
	}
	l.stopRenewal()
	<-l.renewalDone
}
