package entity

import "fmt"

// PlayerSlot 房間內玩家狀態，依加入順序排列
type PlayerSlot struct {
	Name      string `json:"name"`
	Team      string `json:"team"`
	Spectator bool   `json:"isSpec"`
	HasMap    bool   `json:"hasMap"`
}

// AISlot AI 席位
type AISlot struct {
	Name string `json:"name"`
	Team string `json:"team"`
	Type string `json:"type"`
}

// ChickenSlot 填充席位
type ChickenSlot struct {
	Team string `json:"team"`
}

// Game 遊戲房間
type Game struct {
	Title           string              `json:"title"`
	Hoster          string              `json:"hoster"`
	MapID           int                 `json:"mapId"`
	Password        string              `json:"password,omitempty"`
	Players         []PlayerSlot        `json:"players"`
	AIs             []AISlot            `json:"ais"`
	Chickens        []ChickenSlot       `json:"chickens"`
	Polls           map[string][]string `json:"polls"`
	Started         bool                `json:"started"`
	ResponsibleHost string              `json:"responsibleHost"`
	Port            int                 `json:"port"`
	Mods            []string            `json:"mods"`
	MatchID         int64               `json:"matchId,omitempty"`
}

// NewGame 建立房間，建立者即房主
func NewGame(title, hoster, password string) *Game {
	g := &Game{
		Title:    title,
		Hoster:   hoster,
		Password: password,
		Players:  []PlayerSlot{},
		AIs:      []AISlot{},
		Chickens: []ChickenSlot{},
		Polls:    map[string][]string{},
		Mods:     []string{},
	}
	g.AddPlayer(hoster)
	return g
}

// Kind 實作 Entity
func (g *Game) Kind() Kind { return KindGame }

// Key 實作 Entity
func (g *Game) Key() string { return GameKey(g.Title) }

// Player 依名稱找玩家席位
func (g *Game) Player(name string) (*PlayerSlot, bool) {
	for i := range g.Players {
		if g.Players[i].Name == name {
			return &g.Players[i], true
		}
	}
	return nil, false
}

// HasPlayer 玩家是否在房內
func (g *Game) HasPlayer(name string) bool {
	_, ok := g.Player(name)
	return ok
}

// PlayerNames 依加入順序的玩家名單
func (g *Game) PlayerNames() []string {
	names := make([]string, 0, len(g.Players))
	for _, p := range g.Players {
		names = append(names, p.Name)
	}
	return names
}

// AddPlayer 加入玩家並分配目前最小的空隊伍字母，已在房內則不變
func (g *Game) AddPlayer(name string) {
	if g.HasPlayer(name) {
		return
	}
	g.Players = append(g.Players, PlayerSlot{Name: name, Team: g.freeTeam()})
}

// RemovePlayer 移除玩家
//
// 房主離開時，房主交給加入順序最早的剩餘玩家。
// 回傳 empty 表示房間已無玩家，呼叫端應刪除房間。
func (g *Game) RemovePlayer(name string) (removed, empty bool) {
	idx := -1
	for i, p := range g.Players {
		if p.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, len(g.Players) == 0
	}

	g.Players = append(g.Players[:idx:idx], g.Players[idx+1:]...)
	for action, voters := range g.Polls {
		g.Polls[action], _ = removeString(voters, name)
	}

	if len(g.Players) == 0 {
		g.Hoster = ""
		return true, true
	}
	if g.Hoster == name {
		g.Hoster = g.Players[0].Name
	}
	return true, false
}

// SetAI 新增或更新 AI 席位
func (g *Game) SetAI(ai AISlot) {
	for i := range g.AIs {
		if g.AIs[i].Name == ai.Name {
			g.AIs[i] = ai
			return
		}
	}
	g.AIs = append(g.AIs, ai)
}

// DelAI 移除 AI 席位
func (g *Game) DelAI(name string) bool {
	for i := range g.AIs {
		if g.AIs[i].Name == name {
			g.AIs = append(g.AIs[:i:i], g.AIs[i+1:]...)
			return true
		}
	}
	return false
}

// Vote 記錄投票，回傳該動作目前票數
func (g *Game) Vote(action, voter string) int {
	if g.Polls == nil {
		g.Polls = map[string][]string{}
	}
	if !containsString(g.Polls[action], voter) {
		g.Polls[action] = append(g.Polls[action], voter)
	}
	return len(g.Polls[action])
}

// ClearPoll 清除投票
func (g *Game) ClearPoll(action string) {
	delete(g.Polls, action)
}

// TeamMapping 將隊伍字母對應到連續整數
//
// 只在開局時呼叫。順序為玩家、AI、填充席位，各自依出現順序；
// 觀戰者不佔隊伍。
func (g *Game) TeamMapping() map[string]int {
	mapping := make(map[string]int)
	add := func(team string) {
		if team == "" {
			return
		}
		if _, ok := mapping[team]; !ok {
			mapping[team] = len(mapping)
		}
	}

	for _, p := range g.Players {
		if !p.Spectator {
			add(p.Team)
		}
	}
	for _, ai := range g.AIs {
		add(ai.Team)
	}
	for _, c := range g.Chickens {
		add(c.Team)
	}
	return mapping
}

// Summary 開放房間列表用的摘要
func (g *Game) Summary() GameSummary {
	return GameSummary{
		Title:       g.Title,
		Hoster:      g.Hoster,
		MapID:       g.MapID,
		PlayerCount: len(g.Players),
		Started:     g.Started,
		HasPassword: g.Password != "",
	}
}

// Public 去除密碼後的副本
func (g *Game) Public() *Game {
	cp := *g
	cp.Password = ""
	return &cp
}

// freeTeam 第一個未被非觀戰玩家使用的隊伍字母
func (g *Game) freeTeam() string {
	used := make(map[string]bool, len(g.Players))
	for _, p := range g.Players {
		if !p.Spectator {
			used[p.Team] = true
		}
	}
	for c := 'A'; c <= 'Z'; c++ {
		if team := string(c); !used[team] {
			return team
		}
	}
	return "A"
}

// GameSummary 房間摘要
type GameSummary struct {
	Title       string `json:"title"`
	Hoster      string `json:"hoster"`
	MapID       int    `json:"mapId"`
	PlayerCount int    `json:"playerCount"`
	Started     bool   `json:"started"`
	HasPassword bool   `json:"hasPassword"`
}

// ValidTeam 隊伍必須是單一大寫字母
func ValidTeam(team string) error {
	if len(team) != 1 || team[0] < 'A' || team[0] > 'Z' {
		return fmt.Errorf("invalid team %q", team)
	}
	return nil
}
