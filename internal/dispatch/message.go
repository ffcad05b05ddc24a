// Package dispatch 把客戶端命令分派到固定數量的 worker，並把回應交回網路邊緣
//
// 資料流：
//
//	gateway → Router.Route → worker (round-robin) → Handler → []Response → Sink → gateway
//
// 同一個客戶端的命令可能由不同 worker 處理，彼此不保證順序；
// 回應帶著原本的 seq，客戶端自行對應。
package dispatch

import (
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// PushSeq 伺服器主動推送的 seq
const PushSeq int64 = -1

// Request 客戶端命令
//
// ClientID 與 Username 由 gateway 填入，不從線上讀取。
type Request struct {
	ClientID   string         `json:"-"`
	Username   string         `json:"-"`
	Action     string         `json:"action"`
	Seq        int64          `json:"seq"`
	Parameters map[string]any `json:"parameters"`
}

// Payload 回應內容
type Payload struct {
	State   any    `json:"state,omitempty"`
	Receipt string `json:"receipt,omitempty"`
}

// Response 送出的訊息
//
// 投遞對象為 ClientID（直接回覆該連線）加上 Targets 中每個在線的使用者；
// 不在線的對象直接略過，不重送也不保存。
type Response struct {
	ReceiptOf string   `json:"receiptOf"`
	Seq       int64    `json:"seq"`
	Status    bool     `json:"status"`
	Payload   Payload  `json:"payload"`
	Targets   []string `json:"targets"`

	ClientID string `json:"-"`
	// Bind 非空時，gateway 將 ClientID 的連線認證為此使用者
	Bind string `json:"-"`
}

// Success 回覆請求者成功
func Success(req Request, state any, receipt string) Response {
	return Response{
		ReceiptOf: req.Action,
		Seq:       req.Seq,
		Status:    true,
		Payload:   Payload{State: state, Receipt: receipt},
		Targets:   []string{},
		ClientID:  req.ClientID,
	}
}

// Failure 回覆請求者失敗，receipt 為可公開的錯誤訊息
func Failure(req Request, err error) Response {
	return Response{
		ReceiptOf: req.Action,
		Seq:       req.Seq,
		Status:    false,
		Payload:   Payload{Receipt: apperrors.MessageOf(err)},
		Targets:   []string{},
		ClientID:  req.ClientID,
	}
}

// Push 伺服器推送給多個使用者
func Push(action string, state any, targets ...string) Response {
	if targets == nil {
		targets = []string{}
	}
	return Response{
		ReceiptOf: action,
		Seq:       PushSeq,
		Status:    true,
		Payload:   Payload{State: state},
		Targets:   targets,
	}
}
