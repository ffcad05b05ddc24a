package entity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeType 樓層節點種類（序列化時的 type 欄位）
type NodeType string

const (
	NodeCombat   NodeType = "combat"
	NodeDecision NodeType = "decision"
	NodeStore    NodeType = "store"
	NodeExit     NodeType = "exit"
)

// Node 樓層節點
//
// 封閉介面，只有本套件內的四種型別實作。
// Next 回傳可前往的節點索引，一律大於自身索引。
type Node interface {
	Type() NodeType
	Next() []int
	sealed()
}

// CombatNode 戰鬥節點
type CombatNode struct {
	To         []int    `json:"to"`
	Enemies    []string `json:"enemies"`
	Difficulty int      `json:"difficulty"`
}

// DecisionNode 抉擇節點
type DecisionNode struct {
	To      []int    `json:"to"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// StoreItem 商店商品
type StoreItem struct {
	Name  string `json:"name"`
	Price int    `json:"price"`
}

// StoreNode 商店節點
type StoreNode struct {
	To    []int       `json:"to"`
	Items []StoreItem `json:"items"`
}

// ExitNode 樓層出口，沒有出邊
type ExitNode struct{}

func (CombatNode) Type() NodeType   { return NodeCombat }
func (DecisionNode) Type() NodeType { return NodeDecision }
func (StoreNode) Type() NodeType    { return NodeStore }
func (ExitNode) Type() NodeType     { return NodeExit }

func (n CombatNode) Next() []int   { return n.To }
func (n DecisionNode) Next() []int { return n.To }
func (n StoreNode) Next() []int    { return n.To }
func (ExitNode) Next() []int       { return nil }

func (CombatNode) sealed()   {}
func (DecisionNode) sealed() {}
func (StoreNode) sealed()    {}
func (ExitNode) sealed()     {}

// Floor 一層樓：固定大小的有向無環圖
type Floor struct {
	Nodes []Node
}

var (
	ErrEmptyFloor   = errors.New("floor has no nodes")
	ErrExitNotLast  = errors.New("last node must be the only exit")
	ErrBackwardEdge = errors.New("edge must point to a higher index")
)

// Validate 檢查前向邊與出口位置
//
// 節點 i 只能連到索引大於 i 的節點；最後一個節點必須是出口，
// 其他節點不可是出口。
func (f Floor) Validate() error {
	if len(f.Nodes) == 0 {
		return ErrEmptyFloor
	}
	last := len(f.Nodes) - 1
	for i, n := range f.Nodes {
		if n == nil {
			return fmt.Errorf("node %d: %w", i, ErrUnknownNode)
		}
		if (n.Type() == NodeExit) != (i == last) {
			return fmt.Errorf("node %d: %w", i, ErrExitNotLast)
		}
		for _, to := range n.Next() {
			if to <= i || to > last {
				return fmt.Errorf("node %d -> %d: %w", i, to, ErrBackwardEdge)
			}
		}
	}
	return nil
}

// Exit 出口索引
func (f Floor) Exit() int {
	return len(f.Nodes) - 1
}

// Reachable from 節點是否有邊到 to
func (f Floor) Reachable(from, to int) bool {
	if from < 0 || from >= len(f.Nodes) {
		return false
	}
	for _, n := range f.Nodes[from].Next() {
		if n == to {
			return true
		}
	}
	return false
}

// nodeJSON 線上格式，依 type 取用對應欄位
type nodeJSON struct {
	Type       NodeType    `json:"type"`
	To         []int       `json:"to,omitempty"`
	Enemies    []string    `json:"enemies,omitempty"`
	Difficulty int         `json:"difficulty,omitempty"`
	Prompt     string      `json:"prompt,omitempty"`
	Options    []string    `json:"options,omitempty"`
	Items      []StoreItem `json:"items,omitempty"`
}

func encodeNode(n Node) (nodeJSON, error) {
	switch v := n.(type) {
	case CombatNode:
		return nodeJSON{Type: NodeCombat, To: v.To, Enemies: v.Enemies, Difficulty: v.Difficulty}, nil
	case DecisionNode:
		return nodeJSON{Type: NodeDecision, To: v.To, Prompt: v.Prompt, Options: v.Options}, nil
	case StoreNode:
		return nodeJSON{Type: NodeStore, To: v.To, Items: v.Items}, nil
	case ExitNode:
		return nodeJSON{Type: NodeExit}, nil
	default:
		return nodeJSON{}, fmt.Errorf("%w: %T", ErrUnknownNode, n)
	}
}

func decodeNode(j nodeJSON) (Node, error) {
	switch j.Type {
	case NodeCombat:
		return CombatNode{To: j.To, Enemies: j.Enemies, Difficulty: j.Difficulty}, nil
	case NodeDecision:
		return DecisionNode{To: j.To, Prompt: j.Prompt, Options: j.Options}, nil
	case NodeStore:
		return StoreNode{To: j.To, Items: j.Items}, nil
	case NodeExit:
		return ExitNode{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, j.Type)
	}
}

// MarshalJSON 序列化為 {"nodes": [...]}，每個節點帶 type
func (f Floor) MarshalJSON() ([]byte, error) {
	nodes := make([]nodeJSON, 0, len(f.Nodes))
	for i, n := range f.Nodes {
		j, err := encodeNode(n)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, j)
	}
	return json.Marshal(struct {
		Nodes []nodeJSON `json:"nodes"`
	}{nodes})
}

// UnmarshalJSON 依 type 重建節點；未知 type 或不合法的圖（後向邊、出口位置錯誤）回傳錯誤
func (f *Floor) UnmarshalJSON(data []byte) error {
	var raw struct {
		Nodes []nodeJSON `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	nodes := make([]Node, 0, len(raw.Nodes))
	for i, j := range raw.Nodes {
		n, err := decodeNode(j)
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	decoded := Floor{Nodes: nodes}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*f = decoded
	return nil
}
