// Package lobby 大廳命令處理
//
// 每個命令先驗證參數（不取任何鎖），再依序：
//
//	取得所有相關資源鎖（排序後一次取得）→ 讀取 → 修改 → 寫回（使用者最後寫）→ 釋放
//
// 處理函數回傳 []dispatch.Response：給請求者的回覆加上給其他在線玩家的推送。
// 錯誤一律轉成失敗回覆，不會傳回分派層。
package lobby

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-lobby-server/internal/autohost"
	"github.com/koopa0/system-design/14-lobby-server/internal/delay"
	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/session"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// Launcher 對戰派工
type Launcher interface {
	LoadBalance() (string, bool)
	Start(ctx context.Context, cfg autohost.MatchConfig) (*autohost.Job, error)
	MidJoin(ctx context.Context, title string, player autohost.Participant) error
	KillEngine(ctx context.Context, title string) error
}

// IDGenerator 產生對戰與冒險 ID
type IDGenerator interface {
	Next() (int64, error)
}

// Scheduler 延遲任務
type Scheduler interface {
	Schedule(owner string, d time.Duration, fn delay.Func) delay.TaskID
	CancelOwner(owner string) int
}

// Options 業務參數
type Options struct {
	MaxFloors    int
	FloorSize    int
	ReadyRecheck time.Duration
	BcryptCost   int
}

// Service 大廳命令處理器，實作 dispatch.Handler 與 autohost.EventSink
type Service struct {
	store    *session.Store
	launcher Launcher
	ids      IDGenerator
	wheel    Scheduler
	sink     dispatch.Sink
	opts     Options
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	commands map[string]command
}

var (
	_ dispatch.Handler   = (*Service)(nil)
	_ autohost.EventSink = (*Service)(nil)
)

type handlerFunc func(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error)

type command struct {
	params []param
	// check 額外的參數檢查，同樣在取鎖之前執行
	check  func(p params, username string) error
	handle handlerFunc
}

// Deps Service 的依賴
type Deps struct {
	Store    *session.Store
	Launcher Launcher
	IDs      IDGenerator
	Wheel    Scheduler
	// Sink 非請求觸發的推送（主機事件、延遲任務）
	Sink   dispatch.Sink
	Rand   *rand.Rand
	Logger *slog.Logger
}

// New 建立 Service
func New(deps Deps, opts Options) *Service {
	if opts.MaxFloors <= 0 {
		opts.MaxFloors = 10
	}
	if opts.FloorSize < 2 {
		opts.FloorSize = 8
	}
	if opts.ReadyRecheck <= 0 {
		opts.ReadyRecheck = 5 * time.Minute
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	s := &Service{
		store:    deps.Store,
		launcher: deps.Launcher,
		ids:      deps.IDs,
		wheel:    deps.Wheel,
		sink:     deps.Sink,
		opts:     opts,
		logger:   deps.Logger.With("component", "lobby"),
		rng:      rng,
	}
	s.commands = s.commandTable()
	return s
}

func (s *Service) commandTable() map[string]command {
	return map[string]command{
		ActionLogin:    {params: []param{required("username", kindString), required("password", kindString)}, check: checkCredentials, handle: s.login},
		ActionRegister: {params: []param{required("username", kindString), required("password", kindString)}, check: checkCredentials, handle: s.register},

		ActionJoinChat:  {params: []param{required("chatName", kindString)}, check: checkName("chatName"), handle: s.joinChat},
		ActionLeaveChat: {params: []param{required("chatName", kindString)}, check: checkName("chatName"), handle: s.leaveChat},
		ActionSayChat:   {params: []param{required("chatName", kindString), required("message", kindString)}, check: checkMessage, handle: s.sayChat},

		ActionJoinGame:   {params: []param{required("gameName", kindString), optional("password", kindString)}, check: checkName("gameName"), handle: s.joinGame},
		ActionLeaveGame:  {handle: s.leaveGame},
		ActionSetTeam:    {params: []param{required("team", kindString), optional("player", kindString)}, check: checkTeam("team"), handle: s.setTeam},
		ActionSetSpec:    {params: []param{required("isSpec", kindBool)}, handle: s.setSpec},
		ActionSetMap:     {params: []param{required("mapId", kindInt)}, check: checkNonNegative("mapId"), handle: s.setMap},
		ActionSetMod:     {params: []param{required("mods", kindStrings)}, handle: s.setMod},
		ActionSetAI:      {params: []param{required("aiName", kindString), required("team", kindString), required("type", kindString)}, check: checkAI, handle: s.setAI},
		ActionDelAI:      {params: []param{required("aiName", kindString)}, handle: s.delAI},
		ActionSetChicken: {params: []param{required("team", kindString)}, check: checkTeam("team"), handle: s.setChicken},
		ActionHasMap:     {params: []param{required("hasMap", kindBool)}, handle: s.hasMap},
		ActionStartGame:  {handle: s.startGame},
		ActionKillEngine: {handle: s.killEngine},
		ActionMidJoin:    {params: []param{required("player", kindString)}, handle: s.midJoin},

		ActionAddFriend:         {params: []param{required("friendName", kindString)}, check: checkFriend, handle: s.addFriend},
		ActionClaimConfirmation: {params: []param{required("confirmationId", kindString), required("agree", kindBool)}, handle: s.claimConfirmation},

		ActionCreateAdventure:  {params: []param{required("floors", kindInt)}, check: s.checkFloors, handle: s.createAdventure},
		ActionJoinAdventure:    {params: []param{required("advId", kindInt)}, handle: s.joinAdventure},
		ActionMoveTo:           {params: []param{required("nodeIndex", kindInt)}, check: checkNonNegative("nodeIndex"), handle: s.moveTo},
		ActionReadyAdventure:   {handle: s.readyAdventure},
		ActionLeaveAdventure:   {handle: s.leaveAdventure},
		ActionForfeitAdventure: {handle: s.forfeitAdventure},
	}
}

// Actions 所有支援的命令
func (s *Service) Actions() []string {
	out := make([]string, 0, len(s.commands))
	for a := range s.commands {
		out = append(out, a)
	}
	return out
}

// Handle 實作 dispatch.Handler
func (s *Service) Handle(ctx context.Context, req dispatch.Request) []dispatch.Response {
	cmd, ok := s.commands[req.Action]
	if !ok {
		return []dispatch.Response{dispatch.Failure(req, apperrors.Newf(apperrors.ErrCodeValidation, "unknown action %q", req.Action))}
	}

	p, err := validate(cmd.params, req.Parameters)
	if err == nil && cmd.check != nil {
		err = cmd.check(p, req.Username)
	}
	if err != nil {
		return []dispatch.Response{dispatch.Failure(req, err)}
	}

	responses, err := cmd.handle(ctx, req, p)
	if err != nil {
		s.logFailure(ctx, req, err)
		return []dispatch.Response{dispatch.Failure(req, err)}
	}
	return responses
}

func (s *Service) logFailure(ctx context.Context, req dispatch.Request, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeInternal:
		s.logger.ErrorContext(ctx, "command failed", "action", req.Action, "error", err)
	case apperrors.ErrCodeLockUnavailable, apperrors.ErrCodeHostUnavailable:
		s.logger.WarnContext(ctx, "command rejected", "action", req.Action, "error", err)
	default:
		s.logger.DebugContext(ctx, "command rejected", "action", req.Action, "error", err)
	}
}

// push 非請求觸發的推送
func (s *Service) push(ctx context.Context, responses ...dispatch.Response) {
	if s.sink == nil || len(responses) == 0 {
		return
	}
	s.sink.Deliver(ctx, responses)
}

// release 釋放鎖；釋放失敗只記錄，鎖會在 TTL 後自動過期
func (s *Service) release(ctx context.Context, release func(context.Context) error) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "release lock failed", "error", err)
	}
}

func (s *Service) nextID() (int64, error) {
	id, err := s.ids.Next()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate id")
	}
	return id, nil
}

// others 名單中除了 self 以外的人
func others(names []string, self string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}
