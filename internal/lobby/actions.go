package lobby

import (
	"regexp"
	"unicode/utf8"

	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// 客戶端命令
const (
	ActionLogin    = "login"
	ActionRegister = "register"

	ActionJoinChat  = "joinChat"
	ActionLeaveChat = "leaveChat"
	ActionSayChat   = "sayChat"

	ActionJoinGame   = "joinGame"
	ActionLeaveGame  = "leaveGame"
	ActionSetTeam    = "setTeam"
	ActionSetSpec    = "setSpec"
	ActionSetMap     = "setMap"
	ActionSetMod     = "setMod"
	ActionSetAI      = "setAI"
	ActionDelAI      = "delAI"
	ActionSetChicken = "setChicken"
	ActionHasMap     = "hasMap"
	ActionStartGame  = "startGame"
	ActionKillEngine = "killEngine"
	ActionMidJoin    = "midJoin"

	ActionAddFriend         = "addFriend"
	ActionClaimConfirmation = "claimConfirmation"

	ActionCreateAdventure  = "createAdventure"
	ActionJoinAdventure    = "joinAdventure"
	ActionMoveTo           = "moveTo"
	ActionReadyAdventure   = "readyAdventure"
	ActionLeaveAdventure   = "leaveAdventure"
	ActionForfeitAdventure = "forfeitAdventure"
)

// PublicActions 登入前允許的命令
var PublicActions = []string{ActionLogin, ActionRegister}

// 伺服器推送
const (
	PushChatMessage     = "chatMessage"
	PushChatUpdate      = "chatUpdate"
	PushGameUpdate      = "gameUpdate"
	PushGameClosed      = "gameClosed"
	PushMatchEnded      = "matchEnded"
	PushAutohost        = "autohostEvent"
	PushConfirmation    = "confirmation"
	PushFriendAdded     = "friendAdded"
	PushAdventureUpdate = "adventureUpdate"
	PushAdventureEnded  = "adventureEnded"
)

var (
	ErrBadCredentials = apperrors.New(apperrors.ErrCodeUnauthenticated, "invalid username or password")
	ErrBlocked        = apperrors.New(apperrors.ErrCodeForbidden, "account is blocked")
	ErrNameTaken      = apperrors.New(apperrors.ErrCodeConflict, "username already taken")

	ErrNotInChat = apperrors.New(apperrors.ErrCodeConflict, "not in chat")

	ErrInGame         = apperrors.New(apperrors.ErrCodeConflict, "already in another game")
	ErrNotInGame      = apperrors.New(apperrors.ErrCodeConflict, "not in a game")
	ErrWrongPassword  = apperrors.New(apperrors.ErrCodeForbidden, "wrong game password")
	ErrNotHoster      = apperrors.New(apperrors.ErrCodeForbidden, "only the hoster can do that")
	ErrAlreadyStarted = apperrors.New(apperrors.ErrCodeConflict, "game already started")
	ErrNotStarted     = apperrors.New(apperrors.ErrCodeConflict, "game not started")
	ErrSpectatorVote  = apperrors.New(apperrors.ErrCodeForbidden, "spectators cannot vote")

	ErrAlreadyFriends = apperrors.New(apperrors.ErrCodeConflict, "already friends")

	ErrInAdventure    = apperrors.New(apperrors.ErrCodeConflict, "already in another adventure")
	ErrNotInAdventure = apperrors.New(apperrors.ErrCodeConflict, "not in an adventure")
	ErrNotAtExit      = apperrors.New(apperrors.ErrCodeValidation, "reach the exit before getting ready")

	// ErrStateChanged 取鎖前後讀到的關聯不同，請客戶端重試
	ErrStateChanged = apperrors.New(apperrors.ErrCodeConflict, "state changed, try again")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\[\]]{1,32}$`)

const (
	minPasswordLen = 4
	maxPasswordLen = 72 // bcrypt 上限
	maxTitleLen    = 64
	maxMessageLen  = 500
)

func checkCredentials(p params, _ string) error {
	if !namePattern.MatchString(p.str("username")) {
		return apperrors.New(apperrors.ErrCodeValidation, "username must be 1-32 letters, digits or _-[]")
	}
	if n := len(p.str("password")); n < minPasswordLen || n > maxPasswordLen {
		return apperrors.Newf(apperrors.ErrCodeValidation, "password must be %d-%d bytes", minPasswordLen, maxPasswordLen)
	}
	return nil
}

func checkName(field string) func(params, string) error {
	return func(p params, _ string) error {
		name := p.str(field)
		if name == "" || utf8.RuneCountInString(name) > maxTitleLen {
			return apperrors.Newf(apperrors.ErrCodeValidation, "%s must be 1-%d characters", field, maxTitleLen)
		}
		return nil
	}
}

func checkMessage(p params, u string) error {
	if err := checkName("chatName")(p, u); err != nil {
		return err
	}
	msg := p.str("message")
	if msg == "" || utf8.RuneCountInString(msg) > maxMessageLen {
		return apperrors.Newf(apperrors.ErrCodeValidation, "message must be 1-%d characters", maxMessageLen)
	}
	return nil
}

func checkTeam(field string) func(params, string) error {
	return func(p params, _ string) error {
		if err := entity.ValidTeam(p.str(field)); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeValidation, "team must be a letter A-Z")
		}
		return nil
	}
}

func checkAI(p params, u string) error {
	if err := checkName("aiName")(p, u); err != nil {
		return err
	}
	if p.str("type") == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "AI type is required")
	}
	return checkTeam("team")(p, u)
}

func checkNonNegative(field string) func(params, string) error {
	return func(p params, _ string) error {
		if p.int64(field) < 0 {
			return apperrors.Newf(apperrors.ErrCodeValidation, "%s must not be negative", field)
		}
		return nil
	}
}

func checkFriend(p params, username string) error {
	name := p.str("friendName")
	if !namePattern.MatchString(name) {
		return apperrors.New(apperrors.ErrCodeValidation, "invalid friend name")
	}
	if name == username {
		return apperrors.New(apperrors.ErrCodeValidation, "cannot befriend yourself")
	}
	return nil
}

func (s *Service) checkFloors(p params, _ string) error {
	n := p.int64("floors")
	if n < 1 || n > int64(s.opts.MaxFloors) {
		return apperrors.Newf(apperrors.ErrCodeValidation, "floors must be 1-%d", s.opts.MaxFloors)
	}
	return nil
}
