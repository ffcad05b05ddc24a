package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
	"github.com/koopa0/system-design/14-lobby-server/pkg/logger"
)

// ErrClosed Router 已停止接收
var ErrClosed = apperrors.New(apperrors.ErrCodeInternal, "dispatcher is shutting down")

// Handler 處理一個命令，回傳零或多個回應
//
// 實作必須自行處理所有錯誤並回傳格式正確的回應。
type Handler interface {
	Handle(ctx context.Context, req Request) []Response
}

// HandlerFunc 函數轉 Handler
type HandlerFunc func(ctx context.Context, req Request) []Response

// Handle 實作 Handler
func (f HandlerFunc) Handle(ctx context.Context, req Request) []Response {
	return f(ctx, req)
}

// Sink 回應的投遞端（通常是 gateway）
type Sink interface {
	Deliver(ctx context.Context, responses []Response)
}

// Options Router 參數
type Options struct {
	Workers   int
	QueueSize int
}

// Stats 執行統計
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Panics    uint64 `json:"panics"`
}

// Router 固定大小的 worker pool
//
// 每個 worker 有自己的佇列，Route 以 round-robin 選擇。
// worker 一次完整處理一個命令（含所有鎖與儲存操作）才取下一個。
// 處理用的 ctx 是伺服器層級的，連線斷開不會取消進行中的命令。
type Router struct {
	handler Handler
	sink    Sink
	logger  *slog.Logger

	queues []chan Request
	next   atomic.Uint64

	processed atomic.Uint64
	panics    atomic.Uint64

	baseCtx context.Context
	mu      sync.RWMutex
	closed  bool
	done    chan struct{} // Close 時關閉，喚醒卡在滿佇列上的 Route
	sending sync.WaitGroup
	wg      sync.WaitGroup
}

// NewRouter 建立並啟動 worker
func NewRouter(baseCtx context.Context, handler Handler, sink Sink, opts Options, logger *slog.Logger) *Router {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	r := &Router{
		handler: handler,
		sink:    sink,
		logger:  logger.With("component", "dispatch"),
		queues:  make([]chan Request, opts.Workers),
		baseCtx: baseCtx,
		done:    make(chan struct{}),
	}

	for i := range r.queues {
		r.queues[i] = make(chan Request, opts.QueueSize)
		r.wg.Add(1)
		go r.worker(i, r.queues[i])
	}
	return r
}

// Route 把命令交給下一個 worker
//
// 佇列滿時等待，直到 ctx 結束或 Router 關閉。
// 等待期間不持有 mu，Close 不會被滿佇列卡住。
func (r *Router) Route(ctx context.Context, req Request) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.sending.Add(1)
	r.mu.RUnlock()
	defer r.sending.Done()

	idx := int(r.next.Add(1)-1) % len(r.queues)
	select {
	case r.queues[idx] <- req:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("route %s: %w", req.Action, ctx.Err())
	}
}

func (r *Router) worker(id int, queue <-chan Request) {
	defer r.wg.Done()

	for req := range queue {
		responses := r.process(req)
		r.processed.Add(1)
		if len(responses) > 0 {
			r.sink.Deliver(r.baseCtx, responses)
		}
	}
	r.logger.Debug("worker stopped", "worker", id)
}

// process 執行 handler；panic 轉成 INTERNAL 失敗回應，worker 繼續運作
func (r *Router) process(req Request) (responses []Response) {
	ctx := logger.WithClientID(r.baseCtx, req.ClientID)
	if req.Username != "" {
		ctx = logger.WithUsername(ctx, req.Username)
	}

	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.logger.ErrorContext(ctx, "handler panicked",
				"action", req.Action,
				"panic", p,
				"stack", string(debug.Stack()))
			responses = []Response{Failure(req, apperrors.ErrInternal)}
		}
	}()

	responses = r.handler.Handle(ctx, req)
	for i := range responses {
		if responses[i].ClientID == "" && len(responses[i].Targets) == 0 {
			responses[i].ClientID = req.ClientID
		}
	}
	return responses
}

// Stats 目前統計
func (r *Router) Stats() Stats {
	queued := 0
	for _, q := range r.queues {
		queued += len(q)
	}
	return Stats{
		Workers:   len(r.queues),
		Queued:    queued,
		Processed: r.processed.Load(),
		Panics:    r.panics.Load(),
	}
}

// Close 停止接收並處理完佇列中剩餘的命令
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	// 進行中的 Route 不是已入列就是因 done 放棄，之後才能安全關閉佇列
	r.sending.Wait()
	for _, q := range r.queues {
		close(q)
	}

	r.wg.Wait()
	r.logger.Info("dispatcher drained", "processed", r.processed.Load())
}
