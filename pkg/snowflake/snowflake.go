// Package snowflake 產生冒險 ID 與對局 ID
//
// 結構：
//
//	64-bit = [1-bit 符號][41-bit 時間戳][10-bit 節點ID][12-bit 序列號]
//
// 多個大廳進程共用同一個 Redis，節點 ID 必須各自不同，
// 否則 ADV_<id> 可能撞鍵。
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 2024-01-01 00:00:00 UTC（毫秒）
	epoch int64 = 1704067200000

	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	defaultMaxBackwardMS = 5000
)

var (
	// ErrInvalidNodeID 節點 ID 超出範圍
	ErrInvalidNodeID = errors.New("node ID must be between 0 and 1023")

	// ErrClockMovedBackwards 時鐘回撥過多
	ErrClockMovedBackwards = errors.New("clock moved backwards too much")
)

// Generator Snowflake ID 產生器，可並發使用
type Generator struct {
	mu            sync.Mutex
	nodeID        int64
	sequence      int64
	lastTimestamp int64
	maxBackwardMS int64
	now           func() int64
}

// New 建立產生器
func New(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNodeID, nodeID)
	}

	return &Generator{
		nodeID:        nodeID,
		maxBackwardMS: defaultMaxBackwardMS,
		now:           func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next 產生下一個 ID
//
// 小幅時鐘回撥（<= 5 秒）沿用上次時間戳繼續遞增序列號；
// 超過則拒絕，避免重複 ID。
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()

	if timestamp < g.lastTimestamp {
		offset := g.lastTimestamp - timestamp
		if offset > g.maxBackwardMS {
			return 0, fmt.Errorf("%w: offset=%dms, max=%dms",
				ErrClockMovedBackwards, offset, g.maxBackwardMS)
		}
		timestamp = g.lastTimestamp
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			timestamp = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	return ((timestamp - epoch) << timestampShift) |
		(g.nodeID << nodeShift) |
		g.sequence, nil
}

// MustNext 給啟動流程與測試用
func (g *Generator) MustNext() int64 {
	id, err := g.Next()
	if err != nil {
		panic(err)
	}
	return id
}

func (g *Generator) waitNextMillis(last int64) int64 {
	timestamp := g.now()
	for timestamp <= last {
		time.Sleep(10 * time.Microsecond)
		timestamp = g.now()
	}
	return timestamp
}

// Info 解析後的 ID
type Info struct {
	ID       int64
	Time     time.Time
	NodeID   int64
	Sequence int64
}

// Parse 解析 ID
func Parse(id int64) Info {
	return Info{
		ID:       id,
		Time:     time.UnixMilli((id >> timestampShift) + epoch),
		NodeID:   (id >> nodeShift) & maxNodeID,
		Sequence: id & maxSequence,
	}
}
