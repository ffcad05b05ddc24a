package kv_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	"github.com/koopa0/system-design/14-lobby-server/internal/kv"
	"github.com/koopa0/system-design/14-lobby-server/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendContract 兩種後端共用的行為測試
func backendContract(t *testing.T, b kv.Backend) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, ok, err := b.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set get del", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "k1", []byte("v1")))
		val, ok, err := b.Get(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v1"), val)

		require.NoError(t, b.Del(ctx, "k1"))
		_, ok, err = b.Get(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("setnx", func(t *testing.T) {
		ok, err := b.SetNX(ctx, "nx", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.SetNX(ctx, "nx", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		val, _, err := b.Get(ctx, "nx")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), val)
	})

	t.Run("compare and delete", func(t *testing.T) {
		_, err := b.SetNX(ctx, "cad", []byte("token"), time.Minute)
		require.NoError(t, err)

		deleted, err := b.CompareAndDelete(ctx, "cad", []byte("other"))
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = b.CompareAndDelete(ctx, "cad", []byte("token"))
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = b.CompareAndDelete(ctx, "cad", []byte("token"))
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("compare and expire", func(t *testing.T) {
		_, err := b.SetNX(ctx, "cae", []byte("token"), 30*time.Millisecond)
		require.NoError(t, err)

		renewed, err := b.CompareAndExpire(ctx, "cae", []byte("other"), time.Minute)
		require.NoError(t, err)
		assert.False(t, renewed)

		renewed, err = b.CompareAndExpire(ctx, "cae", []byte("token"), time.Minute)
		require.NoError(t, err)
		assert.True(t, renewed)

		// 原本 30ms 的 TTL 已被延長，過期時間點之後鍵仍在
		time.Sleep(60 * time.Millisecond)
		_, ok, err := b.Get(ctx, "cae")
		require.NoError(t, err)
		assert.True(t, ok)

		renewed, err = b.CompareAndExpire(ctx, "missing", []byte("token"), time.Minute)
		require.NoError(t, err)
		assert.False(t, renewed)
	})

	t.Run("keys", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "GAME_a", []byte("1")))
		require.NoError(t, b.Set(ctx, "GAME_b", []byte("2")))
		require.NoError(t, b.Set(ctx, "USER_a", []byte("3")))

		keys, err := b.Keys(ctx, "GAME_*")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"GAME_a", "GAME_b"}, keys)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, b.Ping(ctx))
	})
}

func TestMemoryBackend(t *testing.T) {
	b := kv.NewMemoryBackend()
	backendContract(t, b)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Ping(context.Background()), kv.ErrClosed)
}

func TestMemoryBackend_Expiry(t *testing.T) {
	b := kv.NewMemoryBackend()
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "lease", []byte("x"), 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := b.SetNX(ctx, "lease", []byte("y"), time.Minute)
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
}

func TestRedisBackend(t *testing.T) {
	client := testutils.SetupRedis(t)
	backendContract(t, kv.NewRedisBackend(client))
}

func TestStore_RoundTrip(t *testing.T) {
	store := kv.NewStore(kv.NewMemoryBackend(), testutils.Logger())
	ctx := context.Background()

	user := entity.NewUser("alice", "hash")
	require.NoError(t, store.Set(ctx, user.Key(), user))

	got, ok, err := store.Get(ctx, user.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user, got)

	require.NoError(t, store.Delete(ctx, user.Key()))
	_, ok, err = store.Get(ctx, user.Key())
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestStore_CorruptIsAbsent 損毀內容視同不存在，不回傳錯誤
func TestStore_CorruptIsAbsent(t *testing.T) {
	backend := kv.NewMemoryBackend()
	store := kv.NewStore(backend, testutils.Logger())
	ctx := context.Background()

	payloads := map[string]string{
		"USER_corrupt":  `{"kind":"user","data":`,
		"USER_unknown":  `{"kind":"spaceship","data":{}}`,
		"ADV_1":         `{"kind":"adventure","data":{"id":1,"floors":[{"nodes":[{"type":"portal"}]}]}}`,
		"GAME_notjson":  `not json at all`,
		"CHAT_wrongtyp": `{"kind":"chat","data":{"members":"alice"}}`,
	}

	for key, raw := range payloads {
		require.NoError(t, backend.Set(ctx, key, []byte(raw)))

		got, ok, err := store.Get(ctx, key)
		assert.NoError(t, err, key)
		assert.False(t, ok, key)
		assert.Nil(t, got, key)
	}
}

func TestStore_BackendError(t *testing.T) {
	backend := kv.NewMemoryBackend()
	store := kv.NewStore(backend, testutils.Logger())
	require.NoError(t, backend.Close())

	_, _, err := store.Get(context.Background(), "USER_a")
	assert.ErrorIs(t, err, kv.ErrClosed)
}
