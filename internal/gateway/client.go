package gateway

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// State 連線狀態
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Client 一條客戶端連線
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	state     State
	username  string
	closeOnce sync.Once
}

// ID 連線 ID
func (c *Client) ID() string { return c.id }

// State 目前狀態
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Username 已認證的使用者，未認證為空
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) authenticate(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = StateAuthenticated
	c.username = username
}

// disconnect 標記斷線並關閉 send，writePump 收到後送出 close frame
func (c *Client) disconnect() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// close 由伺服器主動關閉
func (c *Client) close() {
	c.disconnect()
	_ = c.conn.Close()
}

// enqueue 非阻塞寫入；已斷線或緩衝區滿則丟棄
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("連接緩衝區滿", "client_id", c.id, "username", c.username)
	}
}

// inbound 客戶端送來的命令
type inbound struct {
	Action     string         `json:"action"`
	Seq        int64          `json:"seq"`
	Parameters map[string]any `json:"parameters"`
}

// readPump 讀取客戶端命令
//
// PongWait 內沒有收到任何訊息（包括 Pong）就關閉連線。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	pongWait := c.hub.opts.PongWait
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤", "error", err, "client_id", c.id)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// UseNumber 保留 int64 ID 的精度
		var msg inbound
		dec := json.NewDecoder(bytes.NewReader(message))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil || msg.Action == "" {
			c.hub.reply(c, dispatch.Failure(
				dispatch.Request{ClientID: c.id, Action: msg.Action, Seq: msg.Seq},
				apperrors.New(apperrors.ErrCodeValidation, "malformed message"),
			))
			continue
		}
		if msg.Parameters == nil {
			msg.Parameters = map[string]any{}
		}

		c.hub.route(c, dispatch.Request{
			Action:     msg.Action,
			Seq:        msg.Seq,
			Parameters: msg.Parameters,
		})
	}
}

// writePump 寫入訊息並定期發送 ping
//
// 一次喚醒會把 send 中已排隊的訊息一起寫出。
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	writeWait := c.hub.opts.WriteWait
	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.hub.logger.Error("發送消息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
