package autohost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/koopa0/system-design/14-lobby-server/internal/history"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// ErrHostUnavailable 指定的主機沒有連線
var ErrHostUnavailable = apperrors.ErrHostUnavailable

// ErrJobExists 同名房間已有進行中的對戰
var ErrJobExists = apperrors.New(apperrors.ErrCodeConflict, "match already running")

// Conn 一條主機連線
type Conn interface {
	Send(ctx context.Context, msg Message) error
}

type host struct {
	conn     Conn
	workload int
	seen     uint64
}

// Job 一場已派出的對戰
type Job struct {
	MatchID int64
	Title   string
	Host    string
	Config  MatchConfig
	Marks   map[int]*Mark
	Hosted  bool
	Port    int

	raw json.RawMessage
}

func (j *Job) snapshot() *Job {
	c := *j
	c.Marks = make(map[int]*Mark, len(j.Marks))
	for n, m := range j.Marks {
		mc := *m
		c.Marks[n] = &mc
	}
	return &c
}

func (j *Job) record() *history.Match {
	return &history.Match{
		ID:     j.MatchID,
		Title:  j.Title,
		Config: j.raw,
		Hosted: j.Hosted,
	}
}

// HostInfo 主機狀態
type HostInfo struct {
	Addr     string `json:"addr"`
	Workload int    `json:"workload"`
}

// Manager 主機登錄表與進行中的對戰
//
// hosts 與 jobs 由同一把 mutex 保護；儲存與網路 I/O 不在鎖內進行。
type Manager struct {
	repo   history.Repository
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]*host
	jobs  map[string]*Job
	seq   uint64
}

// NewManager 建立 Manager
func NewManager(repo history.Repository, logger *slog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: logger.With("component", "autohost"),
		hosts:  make(map[string]*host),
		jobs:   make(map[string]*Job),
	}
}

// Register 登錄主機連線，回傳被取代的舊連線（沒有則為 nil）
//
// 取代時保留 workload 與首次出現順序。
func (m *Manager) Register(addr string, conn Conn) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.hosts[addr]; ok {
		prev := h.conn
		h.conn = conn
		m.logger.Info("autohost reconnected", "host", addr)
		return prev
	}

	m.seq++
	m.hosts[addr] = &host{conn: conn, seen: m.seq}
	m.logger.Info("autohost registered", "host", addr)
	return nil
}

// Unregister 移除主機；只有 conn 仍是目前連線時才生效
//
// 該主機上進行中的對戰視為結束（沒有勝方），紀錄寫入錯誤並回傳 serverEnding 事件。
func (m *Manager) Unregister(ctx context.Context, addr string, conn Conn) []Event {
	m.mu.Lock()
	h, ok := m.hosts[addr]
	if !ok || h.conn != conn {
		m.mu.Unlock()
		return nil
	}
	delete(m.hosts, addr)

	// 快照在鎖內完成；job 指標離開 jobs 後仍可能被同時處理中的訊息讀到
	var orphaned []*history.Match
	for title, job := range m.jobs {
		if job.Host == addr {
			job.Hosted = false
			rec := job.record()
			rec.Error = "autohost disconnected"
			orphaned = append(orphaned, rec)
			delete(m.jobs, title)
		}
	}
	m.mu.Unlock()

	m.logger.Info("autohost unregistered", "host", addr, "orphaned_jobs", len(orphaned))

	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].Title < orphaned[j].Title })
	events := make([]Event, 0, len(orphaned))
	for _, rec := range orphaned {
		m.save(ctx, rec)
		events = append(events, Event{
			Action:  ActionServerEnding,
			Host:    addr,
			Title:   rec.Title,
			MatchID: rec.ID,
			Error:   rec.Error,
		})
	}
	return events
}

// LoadBalance workload 最低的主機，同分取最早出現者
func (m *Manager) LoadBalance() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best     string
		bestHost *host
	)
	for addr, h := range m.hosts {
		if bestHost == nil ||
			h.workload < bestHost.workload ||
			(h.workload == bestHost.workload && h.seen < bestHost.seen) {
			best, bestHost = addr, h
		}
	}
	return best, bestHost != nil
}

// Hosts 所有在線主機，依首次出現順序
func (m *Manager) Hosts() []HostInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		info HostInfo
		seen uint64
	}
	entries := make([]entry, 0, len(m.hosts))
	for addr, h := range m.hosts {
		entries = append(entries, entry{HostInfo{Addr: addr, Workload: h.workload}, h.seen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seen < entries[j].seen })

	out := make([]HostInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}

// Job 查詢進行中的對戰
func (m *Manager) Job(title string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[title]
	if !ok {
		return nil, false
	}
	return job.snapshot(), true
}

// Start 派出一場對戰
//
// 送出 startGame 之前先寫入紀錄（hosted=false）。
// 指定主機不在線時，紀錄帶著錯誤訊息寫入，回傳 ErrHostUnavailable，不建立 job。
func (m *Manager) Start(ctx context.Context, cfg MatchConfig) (*Job, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode match config")
	}

	job := &Job{
		MatchID: cfg.MatchID,
		Title:   cfg.Title,
		Host:    cfg.HostID,
		Config:  cfg,
		Marks:   cfg.Marks(),
		raw:     raw,
	}
	initial := job.record()

	m.mu.Lock()
	_, exists := m.jobs[cfg.Title]
	h, online := m.hosts[cfg.HostID]
	var conn Conn
	if !exists && online {
		// 先佔位，避免同名房間重複派工
		m.jobs[cfg.Title] = job
		h.workload++
		conn = h.conn
	}
	m.mu.Unlock()

	if exists {
		return nil, ErrJobExists.WithDetails(cfg.Title)
	}

	if !online {
		rec := initial
		rec.Error = fmt.Sprintf("autohost %s not available", cfg.HostID)
		m.save(ctx, rec)
		m.logger.WarnContext(ctx, "autohost not available", "host", cfg.HostID, "title", cfg.Title, "match_id", cfg.MatchID)
		return nil, ErrHostUnavailable.WithDetails(cfg.HostID)
	}

	if err := m.repo.Save(ctx, initial); err != nil {
		m.abandon(cfg.Title, cfg.HostID, job)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "save match record")
	}

	msg, err := newMessage(ActionStartGame, cfg)
	if err == nil {
		err = conn.Send(ctx, msg)
	}
	if err != nil {
		m.abandon(cfg.Title, cfg.HostID, job)
		rec := initial
		rec.Error = fmt.Sprintf("send startGame: %v", err)
		m.save(ctx, rec)
		m.logger.ErrorContext(ctx, "send startGame failed", "host", cfg.HostID, "title", cfg.Title, "error", err)
		return nil, ErrHostUnavailable.WithDetails(cfg.HostID)
	}

	m.logger.InfoContext(ctx, "match dispatched", "host", cfg.HostID, "title", cfg.Title, "match_id", cfg.MatchID)

	m.mu.Lock()
	defer m.mu.Unlock()
	return job.snapshot(), nil
}

// abandon 撤回 Start 先佔的 job 與 workload
func (m *Manager) abandon(title, addr string, job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.jobs[title] == job {
		delete(m.jobs, title)
	}
	if h, ok := m.hosts[addr]; ok && h.workload > 0 {
		h.workload--
	}
}

// MidJoin 讓玩家中途加入進行中的對戰
func (m *Manager) MidJoin(ctx context.Context, title string, player Participant) error {
	return m.sendToJob(ctx, title, ActionMidJoin, midJoinParams{Title: title, Player: player})
}

// KillEngine 強制結束對戰
func (m *Manager) KillEngine(ctx context.Context, title string) error {
	return m.sendToJob(ctx, title, ActionKillEngine, titleParams{Title: title})
}

func (m *Manager) sendToJob(ctx context.Context, title, action string, params any) error {
	m.mu.Lock()
	job, ok := m.jobs[title]
	var conn Conn
	if ok {
		if h, online := m.hosts[job.Host]; online {
			conn = h.conn
		}
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.ErrNotFound.WithDetails("match " + title)
	}
	if conn == nil {
		return ErrHostUnavailable.WithDetails(job.Host)
	}

	msg, err := newMessage(action, params)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode "+action)
	}
	if err := conn.Send(ctx, msg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeHostUnavailable, "send "+action)
	}
	return nil
}

// HandleMessage 處理主機回報
//
// 回報的 title 沒有對應 job 時，serverStarted / serverEnding / defeat 只記錄警告。
func (m *Manager) HandleMessage(ctx context.Context, addr string, msg Message) []Event {
	switch msg.Action {
	case ActionServerStarted:
		var p serverStartedParams
		if !m.decode(ctx, addr, msg, &p) {
			return nil
		}
		return m.serverStarted(ctx, addr, p)

	case ActionServerEnding:
		var p titleParams
		if !m.decode(ctx, addr, msg, &p) {
			return nil
		}
		return m.serverEnding(ctx, addr, p)

	case ActionDefeat:
		var p defeatParams
		if !m.decode(ctx, addr, msg, &p) {
			return nil
		}
		m.defeat(ctx, p)
		return nil

	case ActionInfo:
		m.logger.InfoContext(ctx, "autohost info", "host", addr, "parameters", string(msg.Parameters))
		return nil

	default:
		// workerExists、midJoined 以及未知訊息原樣轉成事件
		var p titleParams
		_ = json.Unmarshal(msg.Parameters, &p)
		return []Event{{
			Action:     msg.Action,
			Host:       addr,
			Title:      p.Title,
			Parameters: msg.Parameters,
		}}
	}
}

func (m *Manager) decode(ctx context.Context, addr string, msg Message, v any) bool {
	if err := json.Unmarshal(msg.Parameters, v); err != nil {
		m.logger.WarnContext(ctx, "malformed autohost message", "host", addr, "action", msg.Action, "error", err)
		return false
	}
	return true
}

func (m *Manager) serverStarted(ctx context.Context, addr string, p serverStartedParams) []Event {
	m.mu.Lock()
	job, ok := m.jobs[p.Title]
	if !ok {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "serverStarted for unknown match", "host", addr, "title", p.Title)
		return nil
	}
	job.Hosted = true
	job.Port = p.Port
	rec := job.record()
	matchID := job.MatchID
	m.mu.Unlock()

	m.save(ctx, rec)
	return []Event{{
		Action:  ActionServerStarted,
		Host:    addr,
		Title:   p.Title,
		MatchID: matchID,
		Port:    p.Port,
	}}
}

func (m *Manager) serverEnding(ctx context.Context, addr string, p titleParams) []Event {
	m.mu.Lock()
	job, ok := m.jobs[p.Title]
	if !ok {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "serverEnding for unknown match", "host", addr, "title", p.Title)
		return nil
	}
	delete(m.jobs, p.Title)
	if h, online := m.hosts[job.Host]; online && h.workload > 0 {
		h.workload--
	}
	job.Hosted = false
	rec := job.record()
	matchID := job.MatchID
	var winner *int
	if team, found := Winner(job.Marks); found {
		winner = &team
		rec.WinnerTeam = &team
	}
	m.mu.Unlock()

	m.save(ctx, rec)
	m.logger.InfoContext(ctx, "match ended", "host", addr, "title", p.Title, "match_id", matchID, "has_winner", winner != nil)
	return []Event{{
		Action:     ActionServerEnding,
		Host:       addr,
		Title:      p.Title,
		MatchID:    matchID,
		WinnerTeam: winner,
	}}
}

func (m *Manager) defeat(ctx context.Context, p defeatParams) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[p.Title]
	if !ok {
		return
	}
	mark, ok := job.Marks[p.PlayerNumber]
	if !ok {
		m.logger.WarnContext(ctx, "defeat for unknown player number", "title", p.Title, "player_number", p.PlayerNumber)
		return
	}
	mark.Lost = true
}

// save 寫入紀錄；失敗只記錄，不影響對戰流程
func (m *Manager) save(ctx context.Context, rec *history.Match) {
	if err := m.repo.Save(ctx, rec); err != nil {
		m.logger.ErrorContext(ctx, "save match record failed", "match_id", rec.ID, "error", err)
	}
}
