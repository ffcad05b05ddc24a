package lobby

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"github.com/koopa0/system-design/14-lobby-server/internal/delay"
	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// AdventureEnded 冒險被放棄時的推送內容
type AdventureEnded struct {
	AdvID int64  `json:"advId,string"`
	By    string `json:"by"`
}

// RecheckOwner 冒險延遲任務的擁有者，刪除冒險時一併取消
func RecheckOwner(id int64) string {
	return "adv:" + strconv.FormatInt(id, 10)
}

type adventureScope struct {
	lease *lock.Lease
	user  *entity.User
	// adv 為 nil 表示使用者記錄的冒險已不存在
	adv *entity.Adventure
}

// lockAdventure 先讀出使用者所在冒險，再同時鎖住冒險與使用者並重新讀取
func (s *Service) lockAdventure(ctx context.Context, username string) (*adventureScope, error) {
	peek, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if peek.Adventure == nil {
		return nil, ErrNotInAdventure
	}
	id := *peek.Adventure

	lease, err := s.store.Lock(ctx, lock.Adventure(id), lock.User(username))
	if err != nil {
		return nil, err
	}

	scope, err := s.readAdventure(ctx, username, id)
	if err != nil {
		s.release(ctx, lease.Release)
		return nil, err
	}
	scope.lease = lease
	return scope, nil
}

func (s *Service) readAdventure(ctx context.Context, username string, id int64) (*adventureScope, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.Adventure == nil || *user.Adventure != id {
		return nil, ErrStateChanged
	}

	adv, err := s.store.GetAdventure(ctx, id)
	switch {
	case apperrors.IsNotFound(err):
		adv = nil
	case err != nil:
		return nil, err
	}
	return &adventureScope{user: user, adv: adv}, nil
}

// requireMember 使用者記錄的冒險已不存在時清除記錄
func (s *Service) requireMember(ctx context.Context, scope *adventureScope) error {
	if scope.adv != nil && scope.adv.HasMember(scope.user.Name) {
		return nil
	}
	scope.user.LeaveAdventure()
	if err := s.store.SetUser(ctx, scope.user); err != nil {
		return err
	}
	return ErrNotInAdventure
}

// inOtherAdventure 使用者是否仍在另一個存在的冒險
func (s *Service) inOtherAdventure(ctx context.Context, user *entity.User, id int64) error {
	if user.Adventure == nil || *user.Adventure == id {
		return nil
	}
	_, err := s.store.GetAdventure(ctx, *user.Adventure)
	switch {
	case err == nil:
		return ErrInAdventure
	case apperrors.IsNotFound(err):
		return nil
	default:
		return err
	}
}

func (s *Service) generateFloors(count int) []entity.Floor {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return entity.GenerateFloors(s.rng, count, s.opts.FloorSize)
}

func adventureError(err error) error {
	switch {
	case errors.Is(err, entity.ErrUnreachable):
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "node is not reachable")
	case errors.Is(err, entity.ErrFinished):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "adventure already finished")
	case errors.Is(err, entity.ErrNotMember):
		return ErrNotInAdventure
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "adventure update")
	}
}

func (s *Service) createAdventure(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	id, err := s.nextID()
	if err != nil {
		return nil, err
	}
	adv, err := entity.NewAdventure(id, s.generateFloors(int(p.int64("floors"))))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate floors")
	}

	lease, err := s.store.Lock(ctx, lock.Adventure(id), lock.User(req.Username))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	user, err := s.store.GetUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if err := s.inOtherAdventure(ctx, user, id); err != nil {
		return nil, err
	}

	adv.AddMember(user.Name)
	user.JoinAdventure(id)
	if err := s.store.SetAdventure(ctx, adv); err != nil {
		return nil, err
	}
	if err := s.store.SetUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "adventure created", "adventure_id", id, "floors", len(adv.Floors))
	return []dispatch.Response{dispatch.Success(req, adv, "")}, nil
}

func (s *Service) joinAdventure(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	id := p.int64("advId")

	lease, err := s.store.Lock(ctx, lock.Adventure(id), lock.User(req.Username))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	user, err := s.store.GetUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if err := s.inOtherAdventure(ctx, user, id); err != nil {
		return nil, err
	}
	adv, err := s.store.GetAdventure(ctx, id)
	if err != nil {
		return nil, err
	}
	if adv.Finished() {
		return nil, adventureError(entity.ErrFinished)
	}

	adv.AddMember(user.Name)
	user.JoinAdventure(id)
	if err := s.store.SetAdventure(ctx, adv); err != nil {
		return nil, err
	}
	if err := s.store.SetUser(ctx, user); err != nil {
		return nil, err
	}

	return fanout(dispatch.Success(req, adv, ""), PushAdventureUpdate, adv, others(adv.Recruits, user.Name)), nil
}

func (s *Service) moveTo(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	scope, err := s.lockAdventure(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	if err := s.requireMember(ctx, scope); err != nil {
		return nil, err
	}
	adv := scope.adv
	if err := adv.MoveTo(req.Username, int(p.int64("nodeIndex"))); err != nil {
		return nil, adventureError(err)
	}
	if err := s.store.SetAdventure(ctx, adv); err != nil {
		return nil, err
	}

	return fanout(dispatch.Success(req, adv, ""), PushAdventureUpdate, adv, others(adv.Recruits, req.Username)), nil
}

// readyAdventure 在出口標記準備；全員準備後進入下一層
//
// 尚有人未準備時排一個延遲檢查，到期仍未全員準備就清除準備狀態。
func (s *Service) readyAdventure(ctx context.Context, req dispatch.Request, _ params) ([]dispatch.Response, error) {
	scope, err := s.lockAdventure(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	if err := s.requireMember(ctx, scope); err != nil {
		return nil, err
	}
	adv := scope.adv
	if !adv.AtExit(req.Username) {
		return nil, ErrNotAtExit
	}
	if err := adv.SetReady(req.Username); err != nil {
		return nil, adventureError(err)
	}

	receipt := s.settleReady(adv)
	if err := s.store.SetAdventure(ctx, adv); err != nil {
		return nil, err
	}

	return fanout(dispatch.Success(req, adv, receipt), PushAdventureUpdate, adv, others(adv.Recruits, req.Username)), nil
}

// settleReady 全員準備時前進一層，否則重新排定延遲檢查
func (s *Service) settleReady(adv *entity.Adventure) string {
	owner := RecheckOwner(adv.ID)
	s.wheel.CancelOwner(owner)

	if !adv.AllReady() {
		if len(adv.Ready) > 0 {
			s.wheel.Schedule(owner, s.opts.ReadyRecheck, s.recheckReady(adv.ID))
		}
		return ""
	}

	adv.Advance()
	if adv.Finished() {
		return "adventure complete"
	}
	return "floor cleared"
}

// recheckReady 延遲檢查；冒險已刪除時什麼都不做
func (s *Service) recheckReady(id int64) delay.Func {
	return func(ctx context.Context) {
		lease, err := s.store.Lock(ctx, lock.Adventure(id))
		if err != nil {
			s.logger.WarnContext(ctx, "ready recheck skipped", "adventure_id", id, "error", err)
			return
		}
		defer s.release(ctx, lease.Release)

		adv, err := s.store.GetAdventure(ctx, id)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				s.logger.WarnContext(ctx, "ready recheck failed", "adventure_id", id, "error", err)
			}
			return
		}
		if len(adv.Ready) == 0 || adv.AllReady() {
			return
		}

		adv.ClearReady()
		if err := s.store.SetAdventure(ctx, adv); err != nil {
			s.logger.WarnContext(ctx, "ready recheck failed", "adventure_id", id, "error", err)
			return
		}
		s.logger.InfoContext(ctx, "ready check expired", "adventure_id", id)
		s.push(ctx, dispatch.Push(PushAdventureUpdate, adv, adv.Recruits...))
	}
}

// leaveAdventure 離開冒險；最後一人離開時刪除冒險並取消延遲檢查
func (s *Service) leaveAdventure(ctx context.Context, req dispatch.Request, _ params) ([]dispatch.Response, error) {
	scope, err := s.lockAdventure(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, scope.lease.Release)

	var (
		remaining []string
		adv       = scope.adv
	)
	if adv != nil {
		if adv.RemoveMember(req.Username) {
			if err := s.store.DelAdventure(ctx, adv.ID); err != nil {
				return nil, err
			}
			s.wheel.CancelOwner(RecheckOwner(adv.ID))
			s.logger.InfoContext(ctx, "adventure closed", "adventure_id", adv.ID)
		} else {
			if !adv.Finished() && len(adv.Ready) > 0 {
				s.settleReady(adv)
			}
			if err := s.store.SetAdventure(ctx, adv); err != nil {
				return nil, err
			}
			remaining = adv.Recruits
		}
	}

	scope.user.LeaveAdventure()
	if err := s.store.SetUser(ctx, scope.user); err != nil {
		return nil, err
	}

	return fanout(dispatch.Success(req, nil, "left adventure"), PushAdventureUpdate, adv, remaining), nil
}

// forfeitAdventure 放棄整個冒險：所有成員一起離開並刪除冒險
//
// 成員名單在取鎖前讀出；取鎖後名單不同則回傳 ErrStateChanged。
func (s *Service) forfeitAdventure(ctx context.Context, req dispatch.Request, _ params) ([]dispatch.Response, error) {
	self := req.Username
	peek, err := s.store.GetUser(ctx, self)
	if err != nil {
		return nil, err
	}
	if peek.Adventure == nil {
		return nil, ErrNotInAdventure
	}
	id := *peek.Adventure

	var members []string
	if adv, err := s.store.GetAdventure(ctx, id); err == nil {
		members = slices.Clone(adv.Recruits)
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	keys := []lock.Key{lock.Adventure(id), lock.User(self)}
	for _, m := range members {
		keys = append(keys, lock.User(m))
	}
	lease, err := s.store.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	scope, err := s.readAdventure(ctx, self, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, scope); err != nil {
		return nil, err
	}
	if !sameMembers(scope.adv.Recruits, members) {
		return nil, ErrStateChanged
	}

	rest := others(members, self)
	var users []*entity.User
	for _, name := range rest {
		u, err := s.store.GetUser(ctx, name)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if u.Adventure != nil && *u.Adventure == id {
			u.LeaveAdventure()
			users = append(users, u)
		}
	}

	if err := s.store.DelAdventure(ctx, id); err != nil {
		return nil, err
	}
	s.wheel.CancelOwner(RecheckOwner(id))

	for _, u := range users {
		if err := s.store.SetUser(ctx, u); err != nil {
			return nil, err
		}
	}
	scope.user.LeaveAdventure()
	if err := s.store.SetUser(ctx, scope.user); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "adventure forfeited", "adventure_id", id, "members", len(members))
	return fanout(dispatch.Success(req, nil, "adventure forfeited"), PushAdventureEnded, AdventureEnded{AdvID: id, By: self}, rest), nil
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
