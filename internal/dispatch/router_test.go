package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	responses []dispatch.Response
}

func (s *recordingSink) Deliver(_ context.Context, responses []dispatch.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

func (s *recordingSink) snapshot() []dispatch.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Response(nil), s.responses...)
}

func newRouter(t *testing.T, h dispatch.Handler, workers int) (*dispatch.Router, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	r := dispatch.NewRouter(context.Background(), h, sink, dispatch.Options{Workers: workers, QueueSize: 16}, testutils.Logger())
	t.Cleanup(r.Close)
	return r, sink
}

func echo(_ context.Context, req dispatch.Request) []dispatch.Response {
	return []dispatch.Response{dispatch.Success(req, nil, "ok")}
}

func TestRouter_RepliesWithSeq(t *testing.T) {
	r, sink := newRouter(t, dispatch.HandlerFunc(echo), 4)

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, r.Route(context.Background(), dispatch.Request{ClientID: "c1", Action: "ping", Seq: i}))
	}
	r.Close()

	got := sink.snapshot()
	require.Len(t, got, 20)
	seen := make(map[int64]bool)
	for _, resp := range got {
		assert.Equal(t, "ping", resp.ReceiptOf)
		assert.Equal(t, "c1", resp.ClientID)
		assert.True(t, resp.Status)
		seen[resp.Seq] = true
	}
	assert.Len(t, seen, 20)
}

// TestRouter_UsesAllWorkers 同時阻塞的命令數等於 worker 數
func TestRouter_UsesAllWorkers(t *testing.T) {
	const workers = 4
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		release = make(chan struct{})
	)

	h := dispatch.HandlerFunc(func(ctx context.Context, req dispatch.Request) []dispatch.Response {
		n := active.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return echo(ctx, req)
	})
	r, _ := newRouter(t, h, workers)

	for i := 0; i < workers; i++ {
		require.NoError(t, r.Route(context.Background(), dispatch.Request{Action: "block", Seq: int64(i)}))
	}

	assert.Eventually(t, func() bool { return maxSeen.Load() == workers }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestRouter_PanicBecomesInternalFailure(t *testing.T) {
	h := dispatch.HandlerFunc(func(ctx context.Context, req dispatch.Request) []dispatch.Response {
		if req.Action == "boom" {
			panic("handler bug")
		}
		return echo(ctx, req)
	})
	r, sink := newRouter(t, h, 1)

	require.NoError(t, r.Route(context.Background(), dispatch.Request{ClientID: "c1", Action: "boom", Seq: 1}))
	require.NoError(t, r.Route(context.Background(), dispatch.Request{ClientID: "c1", Action: "ok", Seq: 2}))
	r.Close()

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.False(t, got[0].Status)
	assert.Equal(t, apperrors.ErrInternal.Message, got[0].Payload.Receipt)
	assert.True(t, got[1].Status, "worker must survive a panic")
	assert.Equal(t, uint64(1), r.Stats().Panics)
}

func TestRouter_FanOutKeepsTargets(t *testing.T) {
	h := dispatch.HandlerFunc(func(_ context.Context, req dispatch.Request) []dispatch.Response {
		return []dispatch.Response{
			dispatch.Success(req, nil, ""),
			dispatch.Push("room", map[string]string{"title": "X"}, "bob", "carol"),
		}
	})
	r, sink := newRouter(t, h, 2)

	require.NoError(t, r.Route(context.Background(), dispatch.Request{ClientID: "c1", Action: "joinGame", Seq: 5}))
	r.Close()

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ClientID)
	assert.Empty(t, got[1].ClientID)
	assert.Equal(t, []string{"bob", "carol"}, got[1].Targets)
	assert.Equal(t, dispatch.PushSeq, got[1].Seq)
}

func TestRouter_ClosedRejects(t *testing.T) {
	r, _ := newRouter(t, dispatch.HandlerFunc(echo), 1)
	r.Close()
	r.Close()

	err := r.Route(context.Background(), dispatch.Request{Action: "ping"})
	assert.True(t, errors.Is(err, dispatch.ErrClosed))
}

// TestRouter_CloseWakesBlockedRoute 佇列滿而阻塞的 Route 不會拖住 Close
func TestRouter_CloseWakesBlockedRoute(t *testing.T) {
	var (
		entered = make(chan struct{}, 1)
		release = make(chan struct{})
	)
	h := dispatch.HandlerFunc(func(ctx context.Context, req dispatch.Request) []dispatch.Response {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return echo(ctx, req)
	})

	sink := &recordingSink{}
	r := dispatch.NewRouter(context.Background(), h, sink, dispatch.Options{Workers: 1, QueueSize: 1}, testutils.Logger())
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, dispatch.Request{ClientID: "c1", Action: "ping", Seq: 1}))
	<-entered
	require.NoError(t, r.Route(ctx, dispatch.Request{ClientID: "c1", Action: "ping", Seq: 2}))

	blocked := make(chan error, 1)
	go func() {
		blocked <- r.Route(ctx, dispatch.Request{ClientID: "c1", Action: "ping", Seq: 3})
	}()
	select {
	case err := <-blocked:
		t.Fatalf("route on a full queue returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, dispatch.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the blocked Route")
	}

	// 已入列的命令仍會處理完
	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not drain the queue")
	}
	assert.Len(t, sink.snapshot(), 2)
}

func TestResponse_WireFormat(t *testing.T) {
	resp := dispatch.Failure(dispatch.Request{ClientID: "c1", Action: "joinGame", Seq: 3},
		apperrors.ErrNotFound.WithDetails("GAME_x"))

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"receiptOf":"joinGame","seq":3,"status":false,"payload":{"receipt":"not found: GAME_x"},"targets":[]}`, string(raw))
}
