// Package autohost 對戰主機（autohost）的註冊、派工與生命週期回報
//
// 主機以 WebSocket 連到 /autohost，以遠端 IP 作為主機 ID。
// 雙向訊息格式皆為 {action, parameters}：
//
//	主機 → 伺服器: serverStarted, serverEnding, defeat, workerExists, midJoined, info
//	伺服器 → 主機: startGame, midJoin, killEngine
//
// Manager.HandleMessage 處理主機訊息並回傳 []Event，由呼叫端交給 EventSink。
package autohost

import (
	"encoding/json"
)

// 主機 → 伺服器
const (
	ActionServerStarted = "serverStarted"
	ActionServerEnding  = "serverEnding"
	ActionDefeat        = "defeat"
	ActionWorkerExists  = "workerExists"
	ActionMidJoined     = "midJoined"
	ActionInfo          = "info"
)

// 伺服器 → 主機
const (
	ActionStartGame  = "startGame"
	ActionMidJoin    = "midJoin"
	ActionKillEngine = "killEngine"
)

// Message 主機連線上的訊息
type Message struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func newMessage(action string, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Action: action, Parameters: raw}, nil
}

// 參與者種類
const (
	KindPlayer  = "player"
	KindAI      = "ai"
	KindChicken = "chicken"
)

// Participant 對戰中的一個席位
type Participant struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Team      int    `json:"team"`
	AIType    string `json:"aiType,omitempty"`
	Spectator bool   `json:"isSpec,omitempty"`
}

// MatchConfig 啟動一場對戰所需的完整設定，原樣送給主機並存入紀錄
type MatchConfig struct {
	MatchID      int64         `json:"matchId"`
	Title        string        `json:"title"`
	HostID       string        `json:"hostId"`
	MapID        int           `json:"mapId"`
	Mods         []string      `json:"mods,omitempty"`
	Participants []Participant `json:"participants"`
}

// Mark 一個玩家編號的戰況
type Mark struct {
	Name string `json:"name"`
	Team int    `json:"team"`
	Lost bool   `json:"lost"`
}

// Marks 依設定建立玩家編號；非觀戰者依序從 1 開始編號
func (c MatchConfig) Marks() map[int]*Mark {
	marks := make(map[int]*Mark)
	n := 0
	for _, p := range c.Participants {
		if p.Spectator {
			continue
		}
		n++
		marks[n] = &Mark{Name: p.Name, Team: p.Team}
	}
	return marks
}

// Winner 編號最小且未落敗者的隊伍；全部落敗時沒有勝方
func Winner(marks map[int]*Mark) (int, bool) {
	best := 0
	for n, m := range marks {
		if m.Lost {
			continue
		}
		if best == 0 || n < best {
			best = n
		}
	}
	if best == 0 {
		return 0, false
	}
	return marks[best].Team, true
}

// 主機訊息參數
type (
	serverStartedParams struct {
		Title string `json:"title"`
		Port  int    `json:"port"`
	}
	titleParams struct {
		Title string `json:"title"`
	}
	defeatParams struct {
		Title        string `json:"title"`
		PlayerNumber int    `json:"playerNumber"`
	}
	midJoinParams struct {
		Title  string      `json:"title"`
		Player Participant `json:"player"`
	}
)

// Event 主機回報轉成的事件
type Event struct {
	Action     string          `json:"action"`
	Host       string          `json:"host"`
	Title      string          `json:"title,omitempty"`
	MatchID    int64           `json:"matchId,omitempty"`
	Port       int             `json:"port,omitempty"`
	WinnerTeam *int            `json:"winnerTeam,omitempty"`
	Error      string          `json:"error,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}
