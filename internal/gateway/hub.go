// Package gateway 客戶端 WebSocket 邊緣
//
// 只做連線管理與訊息轉送，不執行任何業務邏輯：
//
//	readPump → 解析 {action, seq, parameters} → 認證檢查 → Dispatcher.Route
//	Deliver  ← dispatch.Sink                   → 每條連線的 send channel → writePump
//
// 每條連線的狀態：CONNECTED → AUTHENTICATED → DISCONNECTED。
// 認證前只接受 PublicActions（預設 login、register）。
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// Dispatcher 命令的去處
type Dispatcher interface {
	Route(ctx context.Context, req dispatch.Request) error
}

// Options 連線參數
type Options struct {
	// PingInterval 必須小於 PongWait
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	SendBuffer    int
	RouteTimeout  time.Duration
	PublicActions []string
}

// DefaultOptions 54s ping / 60s 讀取逾時
func DefaultOptions() Options {
	return Options{
		PingInterval:  54 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		SendBuffer:    256,
		RouteTimeout:  5 * time.Second,
		PublicActions: []string{"login", "register"},
	}
}

// Hub 所有客戶端連線
//
// clients 以連線 ID 索引，users 以已認證的使用者名稱索引。
// 同一使用者重複登入時，舊連線會被關閉。
type Hub struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	opts       Options
	public     map[string]bool
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	users   map[string]*Client
}

// NewHub 建立 Hub；Dispatcher 於 Attach 時設定
func NewHub(opts Options, logger *slog.Logger) *Hub {
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = def.RouteTimeout
	}
	if opts.PublicActions == nil {
		opts.PublicActions = def.PublicActions
	}

	public := make(map[string]bool, len(opts.PublicActions))
	for _, a := range opts.PublicActions {
		public[a] = true
	}

	return &Hub{
		logger: logger.With("component", "gateway"),
		opts:   opts,
		public: public,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*Client),
		users:   make(map[string]*Client),
	}
}

// Attach 設定命令去處；Router 與 Hub 互相依賴，所以分兩步建立
func (h *Hub) Attach(d Dispatcher) {
	h.dispatcher = d
}

// ServeWS 升級連線並啟動讀寫 goroutine
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.opts.SendBuffer),
		state: StateConnected,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	h.logger.Debug("WebSocket 連接建立", "client_id", c.id, "remote", r.RemoteAddr)
}

// Deliver 實作 dispatch.Sink
//
// 每個回應送給 ClientID 與 Targets 中在線的使用者，同一連線只送一次；
// 不在線或緩衝區已滿的對象直接略過。
func (h *Hub) Deliver(ctx context.Context, responses []dispatch.Response) {
	for _, resp := range responses {
		if resp.Bind != "" && resp.ClientID != "" {
			h.bind(resp.ClientID, resp.Bind)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			h.logger.ErrorContext(ctx, "序列化回應失敗", "receipt_of", resp.ReceiptOf, "error", err)
			continue
		}

		for _, c := range h.recipients(resp) {
			c.enqueue(data)
		}
	}
}

func (h *Hub) recipients(resp dispatch.Response) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]bool, len(resp.Targets)+1)
	var out []*Client
	add := func(c *Client) {
		if c != nil && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	if resp.ClientID != "" {
		add(h.clients[resp.ClientID])
	}
	for _, name := range resp.Targets {
		add(h.users[name])
	}
	return out
}

// bind 將連線認證為 username
func (h *Hub) bind(clientID, username string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}

	old := h.users[username]
	if old == c {
		h.mu.Unlock()
		return
	}
	if c.Username() != "" && h.users[c.Username()] == c {
		delete(h.users, c.Username())
	}
	h.users[username] = c
	c.authenticate(username)
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("重複登入，關閉舊連接", "username", username, "client_id", old.id)
		old.close()
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	if name := c.Username(); name != "" && h.users[name] == c {
		delete(h.users, name)
	}
	c.disconnect()
}

// Online 使用者是否有已認證的連線
func (h *Hub) Online(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[username]
	return ok
}

// Stats 連線統計
type Stats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
}

// Stats 目前連線數
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.clients), Authenticated: len(h.users)}
}

// Stop 關閉所有連線
func (h *Hub) Stop() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.users = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.logger.Info("WebSocket Hub 已停止", "closed", len(clients))
}

// route 將已解析的命令交給 Dispatcher；失敗時直接回覆請求者
func (h *Hub) route(c *Client, req dispatch.Request) {
	if !h.public[req.Action] && c.State() != StateAuthenticated {
		h.reply(c, dispatch.Failure(req, apperrors.ErrUnauthenticated))
		return
	}
	req.ClientID = c.id
	req.Username = c.Username()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.RouteTimeout)
	defer cancel()

	if err := h.dispatcher.Route(ctx, req); err != nil {
		h.logger.Warn("命令分派失敗", "action", req.Action, "client_id", c.id, "error", err)
		h.reply(c, dispatch.Failure(req, apperrors.Wrap(err, apperrors.ErrCodeInternal, "server busy, try again")))
	}
}

func (h *Hub) reply(c *Client, resp dispatch.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("序列化回應失敗", "error", err)
		return
	}
	c.enqueue(data)
}
