package autohost_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-lobby-server/internal/autohost"
	"github.com/koopa0/system-design/14-lobby-server/internal/history"
	"github.com/koopa0/system-design/14-lobby-server/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []autohost.Message
	err  error
}

func (c *fakeConn) Send(_ context.Context, msg autohost.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) messages() []autohost.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]autohost.Message(nil), c.sent...)
}

func newManager(t *testing.T) (*autohost.Manager, *history.MemoryRepository) {
	t.Helper()
	repo := history.NewMemoryRepository()
	return autohost.NewManager(repo, testutils.Logger()), repo
}

func matchConfig(id int64, title, hostID string) autohost.MatchConfig {
	return autohost.MatchConfig{
		MatchID: id,
		Title:   title,
		HostID:  hostID,
		MapID:   4,
		Participants: []autohost.Participant{
			{Name: "alice", Kind: autohost.KindPlayer, Team: 0},
			{Name: "bob", Kind: autohost.KindPlayer, Team: 1},
		},
	}
}

func msg(t *testing.T, action string, params any) autohost.Message {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return autohost.Message{Action: action, Parameters: raw}
}

// TestStart_HostMissing 指定主機不在線：失敗、紀錄未託管且帶錯誤
func TestStart_HostMissing(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	m.Register("10.0.0.1", &fakeConn{})

	job, err := m.Start(ctx, matchConfig(100, "room", "10.0.0.9"))
	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, apperrors.IsHostUnavailable(err))

	rec, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	assert.False(t, rec.Hosted)
	assert.NotEmpty(t, rec.Error)

	_, ok := m.Job("room")
	assert.False(t, ok, "no job is registered")
	assert.Equal(t, 0, m.Hosts()[0].Workload)
}

func TestStart_SendsConfigAndSavesFirst(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	conn := &fakeConn{}
	m.Register("10.0.0.1", conn)

	job, err := m.Start(ctx, matchConfig(101, "room", "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", job.Host)
	assert.Len(t, job.Marks, 2)

	rec, err := repo.Get(ctx, 101)
	require.NoError(t, err)
	assert.False(t, rec.Hosted)
	assert.Empty(t, rec.Error)

	sent := conn.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, autohost.ActionStartGame, sent[0].Action)
	var cfg autohost.MatchConfig
	require.NoError(t, json.Unmarshal(sent[0].Parameters, &cfg))
	assert.Equal(t, "room", cfg.Title)
	assert.Equal(t, 4, cfg.MapID)

	assert.Equal(t, []autohost.HostInfo{{Addr: "10.0.0.1", Workload: 1}}, m.Hosts())

	_, err = m.Start(ctx, matchConfig(102, "room", "10.0.0.1"))
	assert.True(t, errors.Is(err, autohost.ErrJobExists))
}

func TestStart_SendFailureRollsBack(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	m.Register("10.0.0.1", &fakeConn{err: errors.New("broken pipe")})

	_, err := m.Start(ctx, matchConfig(103, "room", "10.0.0.1"))
	assert.True(t, apperrors.IsHostUnavailable(err))
	assert.Equal(t, 0, m.Hosts()[0].Workload)

	rec, err := repo.Get(ctx, 103)
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "broken pipe")
}

// TestLoadBalance 最低 workload，同分取最早出現者
func TestLoadBalance(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, ok := m.LoadBalance()
	assert.False(t, ok)

	for _, addr := range []string{"A", "B", "C"} {
		m.Register(addr, &fakeConn{})
	}

	id := int64(0)
	start := func(addr string) {
		id++
		_, err := m.Start(ctx, matchConfig(id, "room-"+addr+string(rune('0'+id)), addr))
		require.NoError(t, err)
	}
	start("A")
	start("A")
	start("A")
	start("B")
	start("C")

	addr, ok := m.LoadBalance()
	require.True(t, ok)
	assert.Equal(t, "B", addr)

	// 重連不改變首次出現順序
	m.Register("C", &fakeConn{})
	addr, _ = m.LoadBalance()
	assert.Equal(t, "B", addr)
}

func TestWinner(t *testing.T) {
	tests := []struct {
		name   string
		marks  map[int]*autohost.Mark
		want   int
		wantOK bool
	}{
		{
			name: "first not lost",
			marks: map[int]*autohost.Mark{
				1: {Team: 0, Lost: true},
				2: {Team: 1, Lost: false},
			},
			want: 1, wantOK: true,
		},
		{
			name: "lowest number wins",
			marks: map[int]*autohost.Mark{
				3: {Team: 2},
				2: {Team: 1},
				1: {Team: 0},
			},
			want: 0, wantOK: true,
		},
		{
			name: "everyone lost",
			marks: map[int]*autohost.Mark{
				1: {Team: 0, Lost: true},
				2: {Team: 1, Lost: true},
			},
		},
		{name: "no marks", marks: map[int]*autohost.Mark{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := autohost.Winner(tt.marks)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// TestLifecycle_DefeatThenEnding 玩家 1 落敗後結束，勝方為玩家 2 的隊伍
func TestLifecycle_DefeatThenEnding(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	m.Register("10.0.0.1", &fakeConn{})

	_, err := m.Start(ctx, matchConfig(200, "room", "10.0.0.1"))
	require.NoError(t, err)

	events := m.HandleMessage(ctx, "10.0.0.1", msg(t, autohost.ActionServerStarted, map[string]any{"title": "room", "port": 8452}))
	require.Len(t, events, 1)
	assert.Equal(t, autohost.ActionServerStarted, events[0].Action)
	assert.Equal(t, 8452, events[0].Port)
	assert.Equal(t, int64(200), events[0].MatchID)

	rec, err := repo.Get(ctx, 200)
	require.NoError(t, err)
	assert.True(t, rec.Hosted)

	assert.Empty(t, m.HandleMessage(ctx, "10.0.0.1", msg(t, autohost.ActionDefeat, map[string]any{"title": "room", "playerNumber": 1})))

	events = m.HandleMessage(ctx, "10.0.0.1", msg(t, autohost.ActionServerEnding, map[string]any{"title": "room"}))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].WinnerTeam)
	assert.Equal(t, 1, *events[0].WinnerTeam)

	rec, err = repo.Get(ctx, 200)
	require.NoError(t, err)
	assert.False(t, rec.Hosted)
	require.NotNil(t, rec.WinnerTeam)
	assert.Equal(t, 1, *rec.WinnerTeam)

	_, ok := m.Job("room")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Hosts()[0].Workload)
}

func TestHandleMessage_Forwarded(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	for _, action := range []string{autohost.ActionWorkerExists, autohost.ActionMidJoined, "somethingNew"} {
		events := m.HandleMessage(ctx, "10.0.0.1", msg(t, action, map[string]any{"title": "room", "extra": 1}))
		require.Len(t, events, 1, action)
		assert.Equal(t, action, events[0].Action)
		assert.Equal(t, "room", events[0].Title)
		assert.JSONEq(t, `{"title":"room","extra":1}`, string(events[0].Parameters))
	}

	assert.Empty(t, m.HandleMessage(ctx, "10.0.0.1", msg(t, autohost.ActionInfo, map[string]any{"text": "hello"})))
	assert.Empty(t, m.HandleMessage(ctx, "10.0.0.1", msg(t, autohost.ActionServerEnding, map[string]any{"title": "unknown"})))
	assert.Empty(t, m.HandleMessage(ctx, "10.0.0.1", autohost.Message{Action: autohost.ActionServerStarted, Parameters: json.RawMessage(`"bad"`)}))
}

func TestMidJoinAndKillEngine(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	conn := &fakeConn{}
	m.Register("10.0.0.1", conn)

	err := m.KillEngine(ctx, "room")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = m.Start(ctx, matchConfig(300, "room", "10.0.0.1"))
	require.NoError(t, err)

	require.NoError(t, m.MidJoin(ctx, "room", autohost.Participant{Name: "carol", Kind: autohost.KindPlayer, Team: 1}))
	require.NoError(t, m.KillEngine(ctx, "room"))

	sent := conn.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, autohost.ActionMidJoin, sent[1].Action)
	assert.JSONEq(t, `{"title":"room","player":{"name":"carol","kind":"player","team":1}}`, string(sent[1].Parameters))
	assert.Equal(t, autohost.ActionKillEngine, sent[2].Action)
	assert.JSONEq(t, `{"title":"room"}`, string(sent[2].Parameters))
}

func TestUnregister_EndsOrphanedJobs(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	conn := &fakeConn{}
	m.Register("10.0.0.1", conn)

	_, err := m.Start(ctx, matchConfig(400, "room", "10.0.0.1"))
	require.NoError(t, err)

	// 舊連線被取代後，舊連線斷開不影響主機
	replacement := &fakeConn{}
	assert.Same(t, conn, m.Register("10.0.0.1", replacement))
	assert.Empty(t, m.Unregister(ctx, "10.0.0.1", conn))
	require.Len(t, m.Hosts(), 1)

	events := m.Unregister(ctx, "10.0.0.1", replacement)
	require.Len(t, events, 1)
	assert.Equal(t, autohost.ActionServerEnding, events[0].Action)
	assert.Equal(t, "room", events[0].Title)
	assert.Nil(t, events[0].WinnerTeam)
	assert.Equal(t, "autohost disconnected", events[0].Error)
	assert.Empty(t, m.Hosts())

	rec, err := repo.Get(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, "autohost disconnected", rec.Error)
}

// signalConn 每次 Send 時通知測試，用來讓斷線與派工交錯
type signalConn struct {
	sent chan struct{}
}

func (c *signalConn) Send(context.Context, autohost.Message) error {
	c.sent <- struct{}{}
	return nil
}

// TestUnregister_ConcurrentWithStart 斷線與派工同時進行時，孤兒對戰只在鎖內修改
//
// 以 -race 執行時，Unregister 在鎖外寫入 job 會被偵測。
func TestUnregister_ConcurrentWithStart(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		m, repo := newManager(t)
		conn := &signalConn{sent: make(chan struct{}, 1)}
		m.Register("10.0.0.1", conn)

		started := make(chan error, 1)
		go func() {
			_, err := m.Start(ctx, matchConfig(int64(500+i), "room", "10.0.0.1"))
			started <- err
		}()

		<-conn.sent
		events := m.Unregister(ctx, "10.0.0.1", conn)
		require.NoError(t, <-started)

		require.Len(t, events, 1)
		assert.Equal(t, "autohost disconnected", events[0].Error)
		assert.Equal(t, int64(500+i), events[0].MatchID)

		_, ok := m.Job("room")
		assert.False(t, ok)

		rec, err := repo.Get(ctx, int64(500+i))
		require.NoError(t, err)
		assert.False(t, rec.Hosted)
		assert.Equal(t, "autohost disconnected", rec.Error)
	}
}

func TestMatchConfig_MarksSkipSpectators(t *testing.T) {
	cfg := autohost.MatchConfig{Participants: []autohost.Participant{
		{Name: "alice", Kind: autohost.KindPlayer, Team: 0},
		{Name: "watcher", Kind: autohost.KindPlayer, Spectator: true},
		{Name: "bot", Kind: autohost.KindAI, Team: 1, AIType: "BARb"},
	}}

	marks := cfg.Marks()
	require.Len(t, marks, 2)
	assert.Equal(t, "alice", marks[1].Name)
	assert.Equal(t, "bot", marks[2].Name)
	assert.Equal(t, 1, marks[2].Team)
}
