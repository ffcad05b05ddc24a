package autohost

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ServerOptions 主機連線參數
type ServerOptions struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MessageTimeout time.Duration
}

// DefaultServerOptions 與客戶端閘道相同的心跳設定
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MessageTimeout: 10 * time.Second,
	}
}

// Server 主機的 WebSocket 端點
//
// 每條連線在 ServeHTTP 的 goroutine 內讀取，訊息交給 Manager，
// 產生的事件交給 EventSink。
type Server struct {
	manager  *Manager
	sink     EventSink
	logger   *slog.Logger
	opts     ServerOptions
	upgrader websocket.Upgrader
}

// NewServer 建立主機端點
func NewServer(manager *Manager, sink EventSink, opts ServerOptions, logger *slog.Logger) *Server {
	def := DefaultServerOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = def.MessageTimeout
	}
	return &Server{
		manager: manager,
		sink:    sink,
		logger:  logger.With("component", "autohost-server"),
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP 升級連線並持續讀取到斷線為止
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade autohost connection failed", "error", err)
		return
	}

	addr := HostAddr(r.RemoteAddr)
	conn := &wsConn{ws: ws, writeWait: s.opts.WriteWait, done: make(chan struct{})}

	if prev := s.manager.Register(addr, conn); prev != nil {
		if c, ok := prev.(*wsConn); ok {
			c.close()
		}
	}

	go conn.pingLoop(s.opts.PingInterval)
	s.readLoop(addr, conn)

	conn.close()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MessageTimeout)
	defer cancel()
	if events := s.manager.Unregister(ctx, addr, conn); len(events) > 0 {
		s.sink.Publish(ctx, events)
	}
}

func (s *Server) readLoop(addr string, conn *wsConn) {
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("autohost read error", "host", addr, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Action == "" {
			s.logger.Warn("malformed autohost frame", "host", addr)
			continue
		}

		s.handle(addr, msg)
	}
}

func (s *Server) handle(addr string, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MessageTimeout)
	defer cancel()

	if events := s.manager.HandleMessage(ctx, addr, msg); len(events) > 0 {
		s.sink.Publish(ctx, events)
	}
}

// HostAddr 主機 ID：遠端位址去掉 port
func HostAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// wsConn 實作 Conn；gorilla 連線同時只允許一個寫入者
type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
