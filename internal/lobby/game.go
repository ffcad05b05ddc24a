package lobby

import (
	"context"
	"fmt"
	"slices"

	"github.com/koopa0/system-design/14-lobby-server/internal/autohost"
	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// roomScope 已取鎖的使用者與所在房間
type roomScope struct {
	lease *lock.Lease
	user  *entity.User
	// game 為 nil 表示使用者記錄的房間已不存在
	game *entity.Game
}

// lockRoom 先讀出使用者所在房間，再同時鎖住房間與使用者並重新讀取
//
// 取鎖前後房間不同時回傳 ErrStateChanged。
func (s *Service) lockRoom(ctx context.Context, username string) (*roomScope, error) {
	peek, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if !peek.InGame() {
		return nil, ErrNotInGame
	}
	title := peek.GameTitle()

	lease, err := s.store.Lock(ctx, lock.Game(title), lock.User(username))
	if err != nil {
		return nil, err
	}

	scope, err := s.readRoom(ctx, username, title)
	if err != nil {
		s.release(ctx, lease.Release)
		return nil, err
	}
	scope.lease = lease
	return scope, nil
}

func (s *Service) readRoom(ctx context.Context, username, title string) (*roomScope, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.GameTitle() != title {
		return nil, ErrStateChanged
	}

	game, err := s.store.GetGame(ctx, title)
	switch {
	case apperrors.IsNotFound(err):
		game = nil
	case err != nil:
		return nil, err
	}
	return &roomScope{user: user, game: game}, nil
}

// withRoom 在房間鎖內修改房間設定並廣播
//
// 使用者記錄的房間已不存在時清除該記錄並回報 ErrNotInGame。
func (s *Service) withRoom(ctx context.Context, req dispatch.Request, mutate func(g *entity.Game) error) ([]dispatch.Response, error) {
	scope, err := s.lockRoom(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	if scope.game == nil || !scope.game.HasPlayer(req.Username) {
		scope.user.LeaveGame()
		if err := s.store.SetUser(ctx, scope.user); err != nil {
			return nil, err
		}
		return nil, ErrNotInGame
	}

	if err := mutate(scope.game); err != nil {
		return nil, err
	}
	return s.saveRoom(ctx, req, scope.game, "")
}

func (s *Service) saveRoom(ctx context.Context, req dispatch.Request, game *entity.Game, receipt string) ([]dispatch.Response, error) {
	if err := s.store.SetGame(ctx, game); err != nil {
		return nil, err
	}
	pub := game.Public()
	return fanout(dispatch.Success(req, pub, receipt), PushGameUpdate, pub, others(game.PlayerNames(), req.Username)), nil
}

func requireHoster(g *entity.Game, username string) error {
	if g.Hoster != username {
		return ErrNotHoster
	}
	return nil
}

func requireIdle(g *entity.Game) error {
	if g.Started || g.MatchID != 0 {
		return ErrAlreadyStarted
	}
	return nil
}

// joinGame 加入房間；房間不存在時建立並成為房主
func (s *Service) joinGame(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	title, self := p.str("gameName"), req.Username

	lease, err := s.store.Lock(ctx, lock.Game(title), lock.User(self))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	user, err := s.store.GetUser(ctx, self)
	if err != nil {
		return nil, err
	}
	if user.InGame() && user.GameTitle() != title {
		// 記錄的房間已不存在時視為未加入
		_, err := s.store.GetGame(ctx, user.GameTitle())
		switch {
		case err == nil:
			return nil, ErrInGame
		case !apperrors.IsNotFound(err):
			return nil, err
		}
	}

	game, err := s.store.GetGame(ctx, title)
	receipt := ""
	switch {
	case apperrors.IsNotFound(err):
		game = entity.NewGame(title, self, p.str("password"))
		receipt = "created " + title
	case err != nil:
		return nil, err
	default:
		if !game.HasPlayer(self) && game.Password != "" && game.Password != p.str("password") {
			return nil, ErrWrongPassword
		}
		game.AddPlayer(self)
	}

	user.JoinGame(title)
	if err := s.store.SetGame(ctx, game); err != nil {
		return nil, err
	}
	if err := s.store.SetUser(ctx, user); err != nil {
		return nil, err
	}

	pub := game.Public()
	return fanout(dispatch.Success(req, pub, receipt), PushGameUpdate, pub, others(game.PlayerNames(), self)), nil
}

// leaveGame 離開房間；房主離開時交給最早加入的玩家，房間空了就刪除
func (s *Service) leaveGame(ctx context.Context, req dispatch.Request, _ params) ([]dispatch.Response, error) {
	scope, err := s.lockRoom(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	title := scope.user.GameTitle()
	var remaining []string
	if g := scope.game; g != nil {
		_, empty := g.RemovePlayer(req.Username)
		if empty {
			if err := s.store.DelGame(ctx, title); err != nil {
				return nil, err
			}
			s.logger.InfoContext(ctx, "game closed", "title", title)
		} else {
			if err := s.store.SetGame(ctx, g); err != nil {
				return nil, err
			}
			remaining = g.PlayerNames()
		}
	}

	scope.user.LeaveGame()
	if err := s.store.SetUser(ctx, scope.user); err != nil {
		return nil, err
	}

	var pub *entity.Game
	if scope.game != nil {
		pub = scope.game.Public()
	}
	return fanout(dispatch.Success(req, nil, "left "+title), PushGameUpdate, pub, remaining), nil
}

// setTeam 設定自己的隊伍；房主可以設定其他玩家
func (s *Service) setTeam(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	target := req.Username
	if p.has("player") && p.str("player") != "" {
		target = p.str("player")
	}

	return s.withRoom(ctx, req, func(g *entity.Game) error {
		if err := requireIdle(g); err != nil {
			return err
		}
		if target != req.Username {
			if err := requireHoster(g, req.Username); err != nil {
				return err
			}
		}
		slot, ok := g.Player(target)
		if !ok {
			return apperrors.ErrNotFound.WithDetails("player " + target)
		}
		slot.Team = p.str("team")
		return nil
	})
}

func (s *Service) setSpec(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	return s.withRoom(ctx, req, func(g *entity.Game) error {
		if err := requireIdle(g); err != nil {
			return err
		}
		slot, _ := g.Player(req.Username)
		slot.Spectator = p.boolean("isSpec")
		return nil
	})
}

// setMap 換地圖後所有人的 HasMap 重設
func (s *Service) setMap(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	return s.withRoom(ctx, req, func(g *entity.Game) error {
		if err := requireHoster(g, req.Username); err != nil {
			return err
		}
		if err := requireIdle(g); err != nil {
			return err
		}
		g.MapID = int(p.int64("mapId"))
		for i := range g.Players {
			g.Players[i].HasMap = false
		}
		return nil
	})
}

func (s *Service) setMod(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	return s.withRoom(ctx, req, func(g *entity.Game) error {
		if err := requireHoster(g, req.Username); err != nil {
			return err
		}
		if err := requireIdle(g); err != nil {
			return err
		}
		g.Mods = p.strings("mods")
		return nil
	})
}

func (s *Service) setAI(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	return s.withRoom(ctx, req, func(g *entity.Game) error {
		if err := requireHoster(g, req.Username); err != nil {
			return err
		}
		if err := requireIdle(g); err != nil {
			return err
		}
		g.SetAI(entity.AISlot{Name: p.str("aiName"), Team: p.str("team"), Type: p.str("type")})
		return nil
	})
}

func (s *Service) delAI(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	return s.withRoom(ctx, req, func(g *entity.Game) error {
		if err := requireHoster(g, req.Username); err != nil {
			return err
		}
		if err := requireIdle(g); err != nil {
			return err
		}
		if !g.DelAI(p.str("aiName")) {
			return apperrors.ErrNotFound.WithDetails("AI " + p.str("aiName"))
		}
		return nil
	})
}

func (s *Service) setChicken(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	return s.withRoom(ctx, req, func(g *entity.Game) error {
		if err := requireHoster(g, req.Username); err != nil {
			return err
		}
		if err := requireIdle(g); err != nil {
			return err
		}
		g.Chickens = append(g.Chickens, entity.ChickenSlot{Team: p.str("team")})
		return nil
	})
}

func (s *Service) hasMap(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	return s.withRoom(ctx, req, func(g *entity.Game) error {
		slot, _ := g.Player(req.Username)
		slot.HasMap = p.boolean("hasMap")
		return nil
	})
}

// startGame 房主直接開局；其他玩家投票，過半數（非觀戰者）才開局
func (s *Service) startGame(ctx context.Context, req dispatch.Request, _ params) ([]dispatch.Response, error) {
	scope, err := s.lockRoom(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	g := scope.game
	if g == nil || !g.HasPlayer(req.Username) {
		return nil, ErrNotInGame
	}
	if err := requireIdle(g); err != nil {
		return nil, err
	}

	if g.Hoster != req.Username {
		if slot, _ := g.Player(req.Username); slot.Spectator {
			return nil, ErrSpectatorVote
		}
		g.Vote(ActionStartGame, req.Username)
		votes := activeVotes(g, ActionStartGame)
		need := activePlayers(g)/2 + 1
		if votes < need {
			return s.saveRoom(ctx, req, g, fmt.Sprintf("vote recorded (%d/%d)", votes, need))
		}
	}

	hostID, ok := s.launcher.LoadBalance()
	if !ok {
		return nil, apperrors.ErrHostUnavailable
	}
	matchID, err := s.nextID()
	if err != nil {
		return nil, err
	}

	if _, err := s.launcher.Start(ctx, buildMatchConfig(g, hostID, matchID)); err != nil {
		return nil, err
	}

	g.ClearPoll(ActionStartGame)
	g.MatchID = matchID
	g.ResponsibleHost = hostID
	return s.saveRoom(ctx, req, g, "match starting")
}

func activePlayers(g *entity.Game) int {
	n := 0
	for _, p := range g.Players {
		if !p.Spectator {
			n++
		}
	}
	return n
}

// activeVotes 只計目前仍在房內且非觀戰者的票；投票後才轉觀戰或離開的不算
func activeVotes(g *entity.Game, action string) int {
	n := 0
	for _, voter := range g.Polls[action] {
		if slot, ok := g.Player(voter); ok && !slot.Spectator {
			n++
		}
	}
	return n
}

// buildMatchConfig 將房間轉成主機的啟動設定；隊伍字母在此轉為整數
func buildMatchConfig(g *entity.Game, hostID string, matchID int64) autohost.MatchConfig {
	teams := g.TeamMapping()
	cfg := autohost.MatchConfig{
		MatchID: matchID,
		Title:   g.Title,
		HostID:  hostID,
		MapID:   g.MapID,
		Mods:    slices.Clone(g.Mods),
	}

	for _, p := range g.Players {
		team := -1
		if !p.Spectator {
			team = teams[p.Team]
		}
		cfg.Participants = append(cfg.Participants, autohost.Participant{
			Name:      p.Name,
			Kind:      autohost.KindPlayer,
			Team:      team,
			Spectator: p.Spectator,
		})
	}
	for _, ai := range g.AIs {
		cfg.Participants = append(cfg.Participants, autohost.Participant{
			Name:   ai.Name,
			Kind:   autohost.KindAI,
			Team:   teams[ai.Team],
			AIType: ai.Type,
		})
	}
	for i, c := range g.Chickens {
		cfg.Participants = append(cfg.Participants, autohost.Participant{
			Name: fmt.Sprintf("chicken-%d", i+1),
			Kind: autohost.KindChicken,
			Team: teams[c.Team],
		})
	}
	return cfg
}

func (s *Service) killEngine(ctx context.Context, req dispatch.Request, _ params) ([]dispatch.Response, error) {
	scope, err := s.lockRoom(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	g := scope.game
	if g == nil {
		return nil, ErrNotInGame
	}
	if err := requireHoster(g, req.Username); err != nil {
		return nil, err
	}
	if g.MatchID == 0 {
		return nil, ErrNotStarted
	}

	if err := s.launcher.KillEngine(ctx, g.Title); err != nil {
		return nil, err
	}
	return []dispatch.Response{dispatch.Success(req, nil, "kill requested")}, nil
}

// midJoin 讓房內玩家加入進行中的對戰
func (s *Service) midJoin(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	scope, err := s.lockRoom(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	g := scope.game
	if g == nil {
		return nil, ErrNotInGame
	}
	if err := requireHoster(g, req.Username); err != nil {
		return nil, err
	}
	if !g.Started {
		return nil, ErrNotStarted
	}

	name := p.str("player")
	slot, ok := g.Player(name)
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("player " + name)
	}

	player := autohost.Participant{Name: slot.Name, Kind: autohost.KindPlayer, Team: -1, Spectator: slot.Spectator}
	if !slot.Spectator {
		player.Team = g.TeamMapping()[slot.Team]
	}
	if err := s.launcher.MidJoin(ctx, g.Title, player); err != nil {
		return nil, err
	}
	return []dispatch.Response{dispatch.Success(req, nil, name+" joining")}, nil
}
