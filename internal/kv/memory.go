package kv

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sync"
	"time"
)

// ErrClosed 後端已關閉
var ErrClosed = errors.New("kv backend closed")

type memoryEntry struct {
	value    []byte
	expireAt time.Time // 零值表示不過期
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemoryBackend 程序內 Backend
//
// 過期採惰性刪除：讀到已過期的鍵時視為不存在。
// 存取時一律複製位元組，呼叫端修改回傳值不會影響內部狀態。
type MemoryBackend struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	closed bool
	now    func() time.Time
}

// NewMemoryBackend 建立記憶體後端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// lookup 呼叫端必須持有 mu
func (m *MemoryBackend) lookup(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Get 實作 Backend
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

// Set 實作 Backend
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data[key] = memoryEntry{value: bytes.Clone(value)}
	return nil
}

// Del 實作 Backend
func (m *MemoryBackend) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// SetNX 實作 Backend
func (m *MemoryBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}

	e := memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return true, nil
}

// CompareAndDelete 實作 Backend
func (m *MemoryBackend) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// CompareAndExpire 實作 Backend
func (m *MemoryBackend) CompareAndExpire(_ context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	e.expireAt = time.Time{}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return true, nil
}

// Keys 實作 Backend，樣式語法同 path.Match
func (m *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	var keys []string
	for k := range m.data {
		if _, ok := m.lookup(k); !ok {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Ping 實作 Backend
func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close 實作 Backend
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
