// Package entity 定義存放在共享 KV 中的 session 實體
//
// 每個實體只對應一個鍵：
//
//	USER_<name>  使用者
//	GAME_<title> 遊戲房間
//	ADV_<id>     冒險
//	CHAT_<name>  聊天頻道
//
// 序列化格式為自描述的 JSON 信封 {"kind": "...", "data": {...}}，
// 讀取時依 kind 重建具體型別。
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind 實體種類（信封上的判別欄位）
type Kind string

const (
	KindUser      Kind = "user"
	KindGame      Kind = "game"
	KindAdventure Kind = "adventure"
	KindChat      Kind = "chat"
)

// 鍵前綴
const (
	UserPrefix      = "USER_"
	GamePrefix      = "GAME_"
	AdventurePrefix = "ADV_"
	ChatPrefix      = "CHAT_"
)

var (
	// ErrUnknownKind 信封上的 kind 無法辨識
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrUnknownNode 樓層節點的 type 無法辨識
	ErrUnknownNode = errors.New("unknown node type")
)

// Entity 任何可存入共享 KV 的 session 實體
type Entity interface {
	Kind() Kind
	Key() string
}

// UserKey 使用者鍵
func UserKey(name string) string { return UserPrefix + name }

// GameKey 房間鍵
func GameKey(title string) string { return GamePrefix + title }

// AdventureKey 冒險鍵
func AdventureKey(id int64) string { return AdventurePrefix + strconv.FormatInt(id, 10) }

// ChatKey 聊天頻道鍵
func ChatKey(name string) string { return ChatPrefix + name }

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode 將實體序列化為信封格式
func Encode(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// Decode 依信封 kind 重建具體實體
func Decode(raw []byte) (Entity, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var e Entity
	switch env.Kind {
	case KindUser:
		e = &User{}
	case KindGame:
		e = &Game{}
	case KindAdventure:
		e = &Adventure{}
	case KindChat:
		e = &Chat{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(env.Data, e); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Kind, err)
	}
	return e, nil
}

// removeString 回傳移除 s 後的切片與是否有移除
func removeString(list []string, s string) ([]string, bool) {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
