// Package delay 可取消的延遲任務（時間輪）
//
// 槽位數組 + 定時轉動的指針：
//
//	Slot 0 → [task A]
//	Slot 1 → []
//	Slot 2 → [task B (round 1)]
//	  ↑ 指針每個 tick 前進一格
//
// 插入與取消都是 O(1)。每個任務有 owner（例如 "adv:42"），
// 實體刪除時呼叫 CancelOwner，避免延遲任務對已不存在的實體動作。
package delay

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskID 任務識別碼，0 表示無效
type TaskID uint64

// Func 任務內容；ctx 在 Stop 時取消
type Func func(ctx context.Context)

type task struct {
	id    TaskID
	owner string
	round int
	slot  int
	fn    Func
	elem  *list.Element
}

// Options 時間輪參數
type Options struct {
	Tick  time.Duration
	Slots int
}

// Wheel 時間輪
type Wheel struct {
	tick   time.Duration
	slots  []*list.List
	logger *slog.Logger

	mu      sync.Mutex
	current int
	nextID  TaskID
	tasks   map[TaskID]*task
	owners  map[string]map[TaskID]struct{}
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New 建立時間輪，預設每秒一格、3600 格
func New(opts Options, logger *slog.Logger) *Wheel {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Slots <= 0 {
		opts.Slots = 3600
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Wheel{
		tick:   opts.Tick,
		slots:  make([]*list.List, opts.Slots),
		logger: logger.With("component", "delay"),
		tasks:  make(map[TaskID]*task),
		owners: make(map[string]map[TaskID]struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	return w
}

// Schedule 在 d 之後執行 fn
//
// 精度為一個 tick；d 小於一個 tick 時在下一個 tick 執行。
func (w *Wheel) Schedule(owner string, d time.Duration, fn Func) TaskID {
	ticks := int((d + w.tick - 1) / w.tick)
	if ticks < 1 {
		ticks = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	t := &task{
		id:    w.nextID,
		owner: owner,
		round: (ticks - 1) / len(w.slots),
		slot:  (w.current + ticks) % len(w.slots),
		fn:    fn,
	}
	t.elem = w.slots[t.slot].PushBack(t)
	w.tasks[t.id] = t

	if w.owners[owner] == nil {
		w.owners[owner] = make(map[TaskID]struct{})
	}
	w.owners[owner][t.id] = struct{}{}

	return t.id
}

// Cancel 取消任務，回傳是否仍在等待中
func (w *Wheel) Cancel(id TaskID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tasks[id]
	if !ok {
		return false
	}
	w.remove(t)
	return true
}

// CancelOwner 取消某個 owner 的所有任務，回傳取消數量
func (w *Wheel) CancelOwner(owner string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := w.owners[owner]
	n := 0
	for id := range ids {
		if t, ok := w.tasks[id]; ok {
			w.remove(t)
			n++
		}
	}
	return n
}

// remove 呼叫端必須持有 mu
func (w *Wheel) remove(t *task) {
	w.slots[t.slot].Remove(t.elem)
	delete(w.tasks, t.id)
	if ids := w.owners[t.owner]; ids != nil {
		delete(ids, t.id)
		if len(ids) == 0 {
			delete(w.owners, t.owner)
		}
	}
}

// Pending 等待中的任務數
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// Start 啟動指針
func (w *Wheel) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run()
}

func (w *Wheel) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.advance()
		}
	}
}

// advance 指針前進一格並觸發到期任務
func (w *Wheel) advance() {
	w.mu.Lock()
	w.current = (w.current + 1) % len(w.slots)
	slot := w.slots[w.current]

	var due []*task
	var next *list.Element
	for e := slot.Front(); e != nil; e = next {
		next = e.Next()
		t := e.Value.(*task)
		if t.round > 0 {
			t.round--
			continue
		}
		due = append(due, t)
		w.remove(t)
	}
	w.mu.Unlock()

	// 在鎖外執行，任務內可以再呼叫 Schedule/Cancel
	for _, t := range due {
		w.wg.Add(1)
		go func(t *task) {
			defer w.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("delayed task panicked", "owner", t.owner, "panic", r)
				}
			}()
			t.fn(w.ctx)
		}(t)
	}
}

// Stop 停止指針、取消執行中任務的 ctx，並等待它們結束
func (w *Wheel) Stop() {
	w.cancel()

	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		<-w.done
	}
	w.wg.Wait()
}
