package entity

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var (
	// ErrNotMember 玩家不在冒險名單
	ErrNotMember = errors.New("player is not in the adventure")

	// ErrUnreachable 目標節點無法從目前位置前往
	ErrUnreachable = errors.New("node is not reachable from current location")

	// ErrFinished 冒險已結束
	ErrFinished = errors.New("adventure already finished")
)

// Adventure 冒險
//
// Locations 記錄每位成員在目前樓層的節點索引；進入下一層時全部歸零。
type Adventure struct {
	ID           int64          `json:"id"`
	Floors       []Floor        `json:"floors"`
	CurrentFloor int            `json:"currentFloor"`
	Recruits     []string       `json:"recruits"`
	Ready        []string       `json:"ready"`
	Locations    map[string]int `json:"locations"`
}

// NewAdventure 建立冒險，樓層必須先通過 Validate
func NewAdventure(id int64, floors []Floor) (*Adventure, error) {
	if len(floors) == 0 {
		return nil, ErrEmptyFloor
	}
	for i, f := range floors {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("floor %d: %w", i, err)
		}
	}
	return &Adventure{
		ID:        id,
		Floors:    floors,
		Recruits:  []string{},
		Ready:     []string{},
		Locations: map[string]int{},
	}, nil
}

// Kind 實作 Entity
func (a *Adventure) Kind() Kind { return KindAdventure }

// Key 實作 Entity
func (a *Adventure) Key() string { return AdventureKey(a.ID) }

// HasMember 是否為成員
func (a *Adventure) HasMember(name string) bool {
	return containsString(a.Recruits, name)
}

// AddMember 加入成員，位置從目前樓層的第一個節點開始
func (a *Adventure) AddMember(name string) {
	if a.HasMember(name) {
		return
	}
	a.Recruits = append(a.Recruits, name)
	if a.Locations == nil {
		a.Locations = map[string]int{}
	}
	a.Locations[name] = 0
}

// RemoveMember 移除成員，回傳 empty 表示已無成員
func (a *Adventure) RemoveMember(name string) (empty bool) {
	a.Recruits, _ = removeString(a.Recruits, name)
	a.Ready, _ = removeString(a.Ready, name)
	delete(a.Locations, name)
	return len(a.Recruits) == 0
}

// Finished 是否已通過所有樓層
func (a *Adventure) Finished() bool {
	return a.CurrentFloor >= len(a.Floors)
}

// Floor 目前樓層
func (a *Adventure) Floor() (Floor, bool) {
	if a.Finished() {
		return Floor{}, false
	}
	return a.Floors[a.CurrentFloor], true
}

// MoveTo 沿著一條邊前進
func (a *Adventure) MoveTo(name string, node int) error {
	if !a.HasMember(name) {
		return ErrNotMember
	}
	floor, ok := a.Floor()
	if !ok {
		return ErrFinished
	}
	if !floor.Reachable(a.Locations[name], node) {
		return fmt.Errorf("%w: %d -> %d", ErrUnreachable, a.Locations[name], node)
	}
	a.Locations[name] = node
	return nil
}

// AtExit 成員是否已在出口
func (a *Adventure) AtExit(name string) bool {
	floor, ok := a.Floor()
	return ok && a.Locations[name] == floor.Exit()
}

// SetReady 標記準備完成
func (a *Adventure) SetReady(name string) error {
	if !a.HasMember(name) {
		return ErrNotMember
	}
	if !containsString(a.Ready, name) {
		a.Ready = append(a.Ready, name)
	}
	return nil
}

// AllReady 所有成員皆已準備
func (a *Adventure) AllReady() bool {
	if len(a.Recruits) == 0 {
		return false
	}
	for _, r := range a.Recruits {
		if !containsString(a.Ready, r) {
			return false
		}
	}
	return true
}

// ClearReady 清除準備狀態
func (a *Adventure) ClearReady() {
	a.Ready = []string{}
}

// Advance 進入下一層，所有人回到起點並清除準備
func (a *Adventure) Advance() {
	a.CurrentFloor++
	a.ClearReady()
	for name := range a.Locations {
		a.Locations[name] = 0
	}
}

var (
	enemyPool   = []string{"slime", "goblin", "skeleton", "wraith", "golem"}
	itemPool    = []string{"potion", "shield", "scroll", "torch", "map"}
	promptPool  = []string{"A fork in the road", "A sealed door", "A wounded stranger"}
	optionsPool = [][]string{{"left", "right"}, {"force", "search"}, {"help", "ignore"}}
)

// GenerateFloors 產生 count 層、每層 size 個節點的樓層
//
// 每個非出口節點至少連到下一個節點，保證出口可達。
func GenerateFloors(rng *rand.Rand, count, size int) []Floor {
	if size < 2 {
		size = 2
	}
	floors := make([]Floor, 0, count)
	for f := 0; f < count; f++ {
		nodes := make([]Node, size)
		last := size - 1
		for i := 0; i < last; i++ {
			to := []int{i + 1}
			if i+2 <= last && rng.IntN(2) == 0 {
				to = append(to, i+2+rng.IntN(last-i-1))
			}
			switch rng.IntN(3) {
			case 0:
				nodes[i] = CombatNode{
					To:         to,
					Enemies:    []string{enemyPool[rng.IntN(len(enemyPool))]},
					Difficulty: f + 1 + rng.IntN(3),
				}
			case 1:
				p := rng.IntN(len(promptPool))
				nodes[i] = DecisionNode{To: to, Prompt: promptPool[p], Options: append([]string(nil), optionsPool[p]...)}
			default:
				nodes[i] = StoreNode{To: to, Items: []StoreItem{
					{Name: itemPool[rng.IntN(len(itemPool))], Price: 10 * (1 + rng.IntN(10))},
				}}
			}
		}
		nodes[last] = ExitNode{}
		floors = append(floors, Floor{Nodes: nodes})
	}
	return floors
}
