package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-lobby-server/internal/kv"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	"github.com/koopa0/system-design/14-lobby-server/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, backend kv.Backend, opts lock.Options) *lock.Manager {
	t.Helper()
	return lock.NewManager(backend, opts, testutils.Logger())
}

func fastOptions() lock.Options {
	return lock.Options{
		TTL:             5 * time.Second,
		AcquireTimeout:  2 * time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}
}

func TestKeys_Namespaced(t *testing.T) {
	assert.Equal(t, lock.Key("user:x"), lock.User("x"))
	assert.Equal(t, lock.Key("game:x"), lock.Game("x"))
	assert.Equal(t, lock.Key("adv:7"), lock.Adventure(7))
	assert.Equal(t, lock.Key("chat:x"), lock.Chat("x"))
	assert.NotEqual(t, lock.User("x"), lock.Game("x"))
}

func TestAcquire_StoredUnderPrefix(t *testing.T) {
	backend := kv.NewMemoryBackend()
	m := newManager(t, backend, fastOptions())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, lock.User("bob"))
	require.NoError(t, err)

	_, ok, err := backend.Get(ctx, "lock:user:bob")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lease.Release(ctx))
	_, ok, err = backend.Get(ctx, "lock:user:bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquire_TimeoutIsUnavailable(t *testing.T) {
	opts := fastOptions()
	opts.AcquireTimeout = 50 * time.Millisecond
	m := newManager(t, kv.NewMemoryBackend(), opts)
	ctx := context.Background()

	held, err := m.Acquire(ctx, lock.Game("X"))
	require.NoError(t, err)
	defer held.Release(ctx)

	start := time.Now()
	_, err = m.Acquire(ctx, lock.Game("X"))
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrUnavailable)
	assert.True(t, apperrors.IsLockUnavailable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	m := newManager(t, kv.NewMemoryBackend(), fastOptions())
	ctx := context.Background()

	first, err := m.Acquire(ctx, lock.User("bob"))
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = first.Release(ctx)
	}()

	second, err := m.Acquire(ctx, lock.User("bob"))
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestAcquire_ContextCancelled(t *testing.T) {
	m := newManager(t, kv.NewMemoryBackend(), fastOptions())
	ctx := context.Background()

	held, err := m.Acquire(ctx, lock.User("bob"))
	require.NoError(t, err)
	defer held.Release(ctx)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(cctx, lock.User("bob"))
	assert.True(t, apperrors.IsLockUnavailable(err))
}

// TestRelease_Idempotent 釋放未持有的鎖一律是 no-op
func TestRelease_Idempotent(t *testing.T) {
	m := newManager(t, kv.NewMemoryBackend(), fastOptions())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, lock.User("alice"))
	require.NoError(t, err)

	assert.NoError(t, lease.Release(ctx))
	assert.NoError(t, lease.Release(ctx))
	assert.NoError(t, m.Release(ctx, lease))
	assert.NoError(t, m.Release(ctx, nil))

	var nilLease *lock.Lease
	assert.NoError(t, nilLease.Release(ctx))
	assert.Equal(t, 0, m.Held())
}

// TestRelease_ExpiredDoesNotStealNewOwner 鎖遺失後被他人取得，舊持有者釋放時不會刪掉新持有者的鎖
func TestRelease_ExpiredDoesNotStealNewOwner(t *testing.T) {
	backend := kv.NewMemoryBackend()
	opts := fastOptions()
	opts.TTL = 30 * time.Millisecond
	m := newManager(t, backend, opts)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, lock.Game("X"))
	require.NoError(t, err)

	// 模擬持有者停頓期間鍵已過期
	require.NoError(t, backend.Del(ctx, "lock:game:X"))

	fresh, err := m.Acquire(ctx, lock.Game("X"))
	require.NoError(t, err)

	// 舊租約的續期看到 token 不符，不會替新持有者的鍵續期或覆寫
	time.Sleep(3 * opts.TTL)
	assert.NoError(t, stale.Release(ctx))

	_, ok, err := backend.Get(ctx, "lock:game:X")
	require.NoError(t, err)
	assert.True(t, ok, "new owner's lock must survive the stale release")

	require.NoError(t, fresh.Release(ctx))
}

// TestLease_RenewedWhileHeld 臨界區比 TTL 長時，鎖不能在持有期間過期
func TestLease_RenewedWhileHeld(t *testing.T) {
	backend := kv.NewMemoryBackend()
	opts := fastOptions()
	opts.TTL = 50 * time.Millisecond
	opts.AcquireTimeout = 20 * time.Millisecond
	m := newManager(t, backend, opts)
	ctx := context.Background()

	held, err := m.Acquire(ctx, lock.Adventure(1))
	require.NoError(t, err)

	// 持有超過 TTL 三倍
	time.Sleep(150 * time.Millisecond)

	_, err = m.Acquire(ctx, lock.Adventure(1))
	require.ErrorIs(t, err, lock.ErrUnavailable, "lock expired while its holder was still inside the critical section")

	_, ok, err := backend.Get(ctx, "lock:adv:1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, held.Release(ctx))

	next, err := m.Acquire(ctx, lock.Adventure(1))
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

// TestLease_RenewalStopsAfterRelease 釋放後不再續期，也不會復活已刪除的鍵
func TestLease_RenewalStopsAfterRelease(t *testing.T) {
	backend := kv.NewMemoryBackend()
	opts := fastOptions()
	opts.TTL = 30 * time.Millisecond
	m := newManager(t, backend, opts)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, lock.User("bob"))
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))

	time.Sleep(3 * opts.TTL)
	_, ok, err := backend.Get(ctx, "lock:user:bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireAll_SortedAndDeduped(t *testing.T) {
	m := newManager(t, kv.NewMemoryBackend(), fastOptions())
	ctx := context.Background()

	lease, err := m.AcquireAll(ctx, lock.User("bob"), lock.Game("X"), lock.User("bob"), lock.Adventure(3))
	require.NoError(t, err)
	defer lease.Release(ctx)

	assert.Equal(t, []lock.Key{"adv:3", "game:X", "user:bob"}, lease.Keys())
}

// TestAcquireAll_RollbackOnFailure 部分取得後失敗，已取得的鎖必須全部釋放
func TestAcquireAll_RollbackOnFailure(t *testing.T) {
	opts := fastOptions()
	opts.AcquireTimeout = 50 * time.Millisecond
	m := newManager(t, kv.NewMemoryBackend(), opts)
	ctx := context.Background()

	blocker, err := m.Acquire(ctx, lock.User("bob"))
	require.NoError(t, err)
	defer blocker.Release(ctx)

	// game:X 排在 user:bob 之前，會先成功再失敗
	_, err = m.AcquireAll(ctx, lock.User("bob"), lock.Game("X"))
	require.ErrorIs(t, err, lock.ErrUnavailable)

	lease, err := m.Acquire(ctx, lock.Game("X"))
	require.NoError(t, err, "game:X must have been released by the failed multi-lock")
	require.NoError(t, lease.Release(ctx))
}

// TestAcquireAll_OppositeOrderNoDeadlock {game:X,user:bob} 與 {user:bob,game:X} 並發不死鎖
func TestAcquireAll_OppositeOrderNoDeadlock(t *testing.T) {
	m := newManager(t, kv.NewMemoryBackend(), fastOptions())
	ctx := context.Background()

	const rounds = 50
	var (
		wg     sync.WaitGroup
		inside atomic.Int32
		errs   = make(chan error, 4*rounds)
	)

	run := func(keys ...lock.Key) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			lease, err := m.AcquireAll(ctx, keys...)
			if err != nil {
				errs <- err
				return
			}
			if inside.Add(1) != 1 {
				errs <- assert.AnError
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
			if err := lease.Release(ctx); err != nil {
				errs <- err
			}
		}
	}

	wg.Add(2)
	go run(lock.Game("X"), lock.User("bob"))
	go run(lock.User("bob"), lock.Game("X"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock: opposite-order multi-locks did not complete")
	}

	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

// runLinearizability 多個 goroutine 以非原子的讀-改-寫遞增共享計數器
func runLinearizability(t *testing.T, m *lock.Manager, workers, iterations int) {
	t.Helper()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter atomic.Int64
		holders atomic.Int32
		maxSeen atomic.Int32
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				lease, err := m.Acquire(ctx, lock.Game("counter"))
				if !assert.NoError(t, err) {
					return
				}

				n := holders.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}

				// 讀與寫分開，沒有互斥就會遺失更新
				v := counter.Load()
				time.Sleep(10 * time.Microsecond)
				counter.Store(v + 1)

				holders.Add(-1)
				assert.NoError(t, lease.Release(ctx))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers*iterations), counter.Load())
	assert.Equal(t, int32(1), maxSeen.Load(), "more than one holder at the same instant")
}

func TestLinearizability_Memory(t *testing.T) {
	opts := fastOptions()
	opts.AcquireTimeout = 5 * time.Second
	workers, iterations := 8, 25
	if !testing.Short() {
		workers, iterations = 16, 40
		opts.AcquireTimeout = 9 * time.Second
		opts.TTL = 20 * time.Second
	}
	runLinearizability(t, newManager(t, kv.NewMemoryBackend(), opts), workers, iterations)
}

func TestLinearizability_Redis(t *testing.T) {
	client := testutils.SetupRedis(t)
	opts := fastOptions()
	opts.AcquireTimeout = 9 * time.Second
	opts.TTL = 20 * time.Second
	runLinearizability(t, newManager(t, kv.NewRedisBackend(client), opts), 16, 20)
}

func TestClose_DrainsHeldLeases(t *testing.T) {
	m := newManager(t, kv.NewMemoryBackend(), fastOptions())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, lock.User("alice"))
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- m.Close(ctx) }()

	assert.Eventually(t, func() bool {
		l, err := m.Acquire(ctx, lock.User("other"))
		if err == nil {
			_ = l.Release(ctx)
			return false
		}
		return err == lock.ErrClosed
	}, time.Second, 5*time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close returned while a lease was still held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, lease.Release(ctx))
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the last release")
	}
}

func TestClose_ForceReleasesOnDeadline(t *testing.T) {
	backend := kv.NewMemoryBackend()
	m := newManager(t, backend, fastOptions())
	ctx := context.Background()

	_, err := m.AcquireAll(ctx, lock.User("alice"), lock.Game("X"))
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Close(cctx))

	for _, key := range []string{"lock:user:alice", "lock:game:X"} {
		_, ok, err := backend.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
	assert.Equal(t, 0, m.Held())
}
