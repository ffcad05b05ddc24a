package autohost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// EventSink 事件的去處
type EventSink interface {
	Publish(ctx context.Context, events []Event)
}

// EventSinkFunc 函數轉 EventSink
type EventSinkFunc func(ctx context.Context, events []Event)

// Publish 實作 EventSink
func (f EventSinkFunc) Publish(ctx context.Context, events []Event) {
	f(ctx, events)
}

// MultiSink 依序交給每個 sink
type MultiSink []EventSink

// Publish 實作 EventSink
func (m MultiSink) Publish(ctx context.Context, events []Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, events)
		}
	}
}

// ConnectNATS 連接 NATS，斷線後無限重連
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("lobby-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// NATSPublisher 將事件發佈到 <prefix>.<action>
//
// 發佈是 fire-and-forget；NATS 斷線期間的事件由客戶端緩衝，超過上限即丟棄。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 建立發佈者；prefix 預設 lobby.autohost
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "lobby.autohost"
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "nats"),
	}
}

// Subject 事件的主題
func (p *NATSPublisher) Subject(action string) string {
	return p.prefix + "." + action
}

// Publish 實作 EventSink
func (p *NATSPublisher) Publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			p.logger.ErrorContext(ctx, "encode event failed", "action", ev.Action, "error", err)
			continue
		}
		if err := p.conn.Publish(p.Subject(ev.Action), data); err != nil {
			p.logger.WarnContext(ctx, "publish event failed", "action", ev.Action, "error", err)
		}
	}
}
