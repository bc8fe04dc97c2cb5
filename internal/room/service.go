package room

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/store"
)

const (
	codeCharset    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength     = 6
	codeMaxRetries = 10

	minTimeLimitMinutes    = 5
	maxTimeLimitMinutes    = 60
	minParticipants        = 2
	maxParticipants        = 8
	defaultMaxParticipants = 2

	inviteTTL = 60 * time.Second

	defaultPageLimit = 10
	maxPageLimit     = 50
)

// UserDirectory tells whether a user exists. The reward ledger implements it.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	Users    UserDirectory
	NowFunc  func() time.Time
}

// Service is the RoomManager. Rooms are stored as JSON documents and mutated with optimistic transactions.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	users  UserDirectory
	now    func() time.Time
	rooms  *store.Store[domain.Room]
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		users:  c.Users,
		now:    c.NowFunc,
	}

	if s.now == nil {
		s.now = time.Now
	}

	s.rooms = store.New[domain.Room](store.Config{
		Redis:  c.Redis,
		Prefix: fmt.Sprintf("%s:room", c.Prefix),
	})

	return s
}

type CreateRequest struct {
	HostID   string
	Username string
	Name     string
	Settings domain.RoomSettings
}

// Create opens a new waiting room with the host as its only participant.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Room, error) {
	settings, err := validateSettings(req.Settings)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new room id: %w", err)
	}

	code, err := s.claimCode(ctx, id.String())
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s's room", req.Username)
	}

	now := s.now()
	r := &domain.Room{
		ID:           id.String(),
		Code:         code,
		Name:         name,
		HostID:       req.HostID,
		HostUsername: req.Username,
		Participants: []domain.RoomParticipant{
			{UserID: req.HostID, Username: req.Username, JoinedAt: now},
		},
		Settings:  settings,
		Status:    domain.RoomWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.rooms.Create(ctx, r.ID, r, func(pipe redis.Pipeliner) error {
		s.index(ctx, pipe, r, "")
		return nil
	})
	if err != nil {
		s.redis.Del(ctx, s.getCodeKey(code))
		return nil, fmt.Errorf("create room: %w", err)
	}

	slog.InfoContext(ctx, "room created", "room", r.ID, "code", r.Code, "host", r.HostID)
	s.eb.Publish(ctx, domain.EventRoomCreated{Room: *r})

	return r, nil
}

func validateSettings(in domain.RoomSettings) (domain.RoomSettings, error) {
	if in.TimeLimitMinutes == 0 || in.Difficulty == "" {
		return in, errors.Validation("time limit and difficulty are required")
	}

	if in.TimeLimitMinutes < minTimeLimitMinutes || in.TimeLimitMinutes > maxTimeLimitMinutes {
		return in, errors.Validation("time limit must be between %d and %d minutes", minTimeLimitMinutes, maxTimeLimitMinutes)
	}

	if !in.Difficulty.Valid() {
		return in, errors.Validation("unknown difficulty %q", in.Difficulty)
	}

	if in.MaxParticipants == 0 {
		in.MaxParticipants = defaultMaxParticipants
	}

	if in.MaxParticipants < minParticipants || in.MaxParticipants > maxParticipants {
		return in, errors.Validation("max participants must be between %d and %d", minParticipants, maxParticipants)
	}

	return in, nil
}

// claimCode reserves a random room code for roomID. The code key is the uniqueness guard.
func (s *Service) claimCode(ctx context.Context, roomID string) (string, error) {
	for i := 0; i < codeMaxRetries; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}

		ok, err := s.redis.SetNX(ctx, s.getCodeKey(code), roomID, 0).Result()
		if err != nil {
			return "", fmt.Errorf("claim room code: %w", err)
		}

		if ok {
			return code, nil
		}
	}

	return "", errors.New(errors.CodeUnavailable, errors.WithMessagef("failed to generate unique room code, please retry"))
}

func generateCode() (string, error) {
	var b strings.Builder
	b.Grow(codeLength)

	n := big.NewInt(int64(len(codeCharset)))
	for i := 0; i < codeLength; i++ {
		k, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		b.WriteByte(codeCharset[k.Int64()])
	}

	return b.String(), nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Room, error) {
	r, err := s.rooms.Get(ctx, id)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound("room not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}

	return r, nil
}

type ListRequest struct {
	// UserID is the caller. Codes of private rooms are hidden unless the caller is in the room.
	UserID string
	Status domain.RoomStatus
	Page   int
	Limit  int
}

type ListResponse struct {
	Rooms []*domain.Room `json:"rooms"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// List returns rooms of one status, newest first.
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResponse, error) {
	if req.Status == "" {
		req.Status = domain.RoomWaiting
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit < 1 {
		req.Limit = defaultPageLimit
	}
	req.Limit = min(req.Limit, maxPageLimit)

	switch req.Status {
	case domain.RoomWaiting, domain.RoomInProgress, domain.RoomCompleted:
	default:
		return nil, errors.Validation("unknown room status %q", req.Status)
	}

	key := s.getStatusKey(req.Status)
	start := int64((req.Page - 1) * req.Limit)

	var (
		ids   *redis.StringSliceCmd
		total *redis.IntCmd
	)
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ids = pipe.ZRevRange(ctx, key, start, start+int64(req.Limit)-1)
		total = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms, err := s.rooms.GetMany(ctx, ids.Val())
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	for i, r := range rooms {
		rooms[i] = r.ViewFor(req.UserID)
	}

	return &ListResponse{
		Rooms: rooms,
		Total: total.Val(),
		Page:  req.Page,
		Limit: req.Limit,
	}, nil
}

type JoinRequest struct {
	UserID   string
	Username string
	// Either RoomID or Code identifies the room. A code also unlocks private rooms.
	RoomID string
	Code   string
}

func (s *Service) Join(ctx context.Context, req JoinRequest) (*domain.Room, error) {
	roomID, err := s.resolve(ctx, req.RoomID, req.Code)
	if err != nil {
		return nil, err
	}

	invited := false
	if req.Code == "" {
		n, err := s.redis.Exists(ctx, s.getInviteKey(roomID, req.UserID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check invite: %w", err)
		}
		invited = n > 0
	}

	r, err := s.update(ctx, roomID, func(r *domain.Room, pipe redis.Pipeliner) error {
		if r.Status != domain.RoomWaiting {
			return errors.State("room is not accepting new participants")
		}

		if p, _ := r.Participant(req.UserID); p != nil {
			return errors.Conflict("already in room")
		}

		if r.Settings.IsPrivate && !invited && !strings.EqualFold(req.Code, r.Code) {
			return errors.Forbidden("cannot join private room without invitation")
		}

		if r.IsFull() {
			return errors.Capacity("room is full")
		}

		now := s.now()
		r.Participants = append(r.Participants, domain.RoomParticipant{
			UserID:   req.UserID,
			Username: req.Username,
			JoinedAt: now,
		})
		r.UpdatedAt = now

		pipe.Del(ctx, s.getInviteKey(r.ID, req.UserID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventUserJoinedRoom{Room: *r, UserID: req.UserID, Username: req.Username})
	s.eb.Publish(ctx, domain.EventRoomUpdated{Room: *r})

	return r, nil
}

func (s *Service) resolve(ctx context.Context, roomID, code string) (string, error) {
	if code == "" {
		if roomID == "" {
			return "", errors.Validation("room id or code is required")
		}
		return roomID, nil
	}

	id, err := s.redis.Get(ctx, s.getCodeKey(strings.ToUpper(code))).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", errors.NotFound("room not found")
	}
	if err != nil {
		return "", fmt.Errorf("resolve room code: %w", err)
	}

	if roomID != "" && roomID != id {
		return "", errors.Validation("room code does not match room")
	}

	return id, nil
}

type SetReadyRequest struct {
	UserID  string
	RoomID  string
	IsReady bool
}

func (s *Service) SetReady(ctx context.Context, req SetReadyRequest) (*domain.Room, error) {
	r, err := s.update(ctx, req.RoomID, func(r *domain.Room, _ redis.Pipeliner) error {
		p, _ := r.Participant(req.UserID)
		if p == nil {
			return errors.NotFound("participant not found in room")
		}

		if r.Status != domain.RoomWaiting {
			return errors.State("room is not waiting for players")
		}

		p.IsReady = req.IsReady
		r.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventReadyStatusChanged{Room: *r, UserID: req.UserID, IsReady: req.IsReady})
	s.eb.Publish(ctx, domain.EventRoomUpdated{Room: *r})

	return r, nil
}

type LeaveRequest struct {
	UserID string
	RoomID string
}

type LeaveResponse struct {
	Room *domain.Room `json:"room,omitempty"`
	// Deleted is set when the last participant left.
	Deleted   bool   `json:"deleted"`
	NewHostID string `json:"new_host_id,omitempty"`
}

// Leave removes the user from the room. A leaving host hands the room to the earliest
// remaining joiner; the last one out deletes it.
func (s *Service) Leave(ctx context.Context, req LeaveRequest) (*LeaveResponse, error) {
	var (
		res      LeaveResponse
		username string
		prevHost string
	)

	r, err := s.update(ctx, req.RoomID, func(r *domain.Room, pipe redis.Pipeliner) error {
		res = LeaveResponse{}

		p, i := r.Participant(req.UserID)
		if p == nil {
			return errors.NotFound("user not in room")
		}
		username = p.Username
		prevHost = r.HostID

		r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
		if len(r.Participants) == 0 {
			res.Deleted = true
			s.unindex(ctx, pipe, r)
			return store.Remove
		}

		if r.HostID == req.UserID {
			next := earliest(r.Participants)
			r.HostID = next.UserID
			r.HostUsername = next.Username
			res.NewHostID = next.UserID
		}

		r.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Deleted {
		slog.InfoContext(ctx, "room deleted, last participant left", "room", req.RoomID)
		s.eb.Publish(ctx, domain.EventRoomDeleted{RoomID: req.RoomID, Participants: []string{req.UserID}})
		return &res, nil
	}

	res.Room = r
	s.eb.Publish(ctx, domain.EventUserLeftRoom{Room: *r, UserID: req.UserID, Username: username})

	if res.NewHostID != "" {
		s.eb.Publish(ctx, domain.EventRoomHostTransferred{
			Room:         *r,
			PreviousHost: prevHost,
			NewHostID:    r.HostID,
			NewHostName:  r.HostUsername,
		})
	}

	s.eb.Publish(ctx, domain.EventRoomUpdated{Room: *r})

	return &res, nil
}

func earliest(ps []domain.RoomParticipant) domain.RoomParticipant {
	sorted := append([]domain.RoomParticipant(nil), ps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
	})
	return sorted[0]
}

type DeleteRequest struct {
	UserID string
	RoomID string
}

func (s *Service) Delete(ctx context.Context, req DeleteRequest) error {
	var participants []string

	_, err := s.update(ctx, req.RoomID, func(r *domain.Room, pipe redis.Pipeliner) error {
		if r.HostID != req.UserID {
			return errors.Forbidden("only room host can delete the room")
		}

		if r.Status == domain.RoomInProgress {
			return errors.State("cannot delete room while match is in progress")
		}

		participants = participants[:0]
		for _, p := range r.Participants {
			participants = append(participants, p.UserID)
		}

		s.unindex(ctx, pipe, r)
		return store.Remove
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "room deleted by host", "room", req.RoomID)
	s.eb.Publish(ctx, domain.EventRoomDeleted{RoomID: req.RoomID, Participants: participants})

	return nil
}

type InviteRequest struct {
	FromUserID   string
	FromUsername string
	RoomID       string
	ToUserID     string
}

type InviteResponse struct {
	InviteID  string    `json:"invite_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Invite lets the host invite a user. The invite unlocks a private room for the target for a short time.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (*InviteResponse, error) {
	if req.ToUserID == "" {
		return nil, errors.Validation("target user is required")
	}

	r, err := s.Get(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	if r.HostID != req.FromUserID {
		return nil, errors.Forbidden("only room host can send invites")
	}

	if r.Status != domain.RoomWaiting {
		return nil, errors.State("room is not accepting new participants")
	}

	if r.IsFull() {
		return nil, errors.Capacity("room is full")
	}

	if p, _ := r.Participant(req.ToUserID); p != nil {
		return nil, errors.Conflict("user is already in the room")
	}

	if s.users != nil {
		ok, err := s.users.UserExists(ctx, req.ToUserID)
		if err != nil {
			return nil, fmt.Errorf("lookup invited user: %w", err)
		}
		if !ok {
			return nil, errors.NotFound("user not found")
		}
	}

	id := uuid.NewString()
	expiresAt := s.now().Add(inviteTTL)

	if err := s.redis.Set(ctx, s.getInviteKey(r.ID, req.ToUserID), id, inviteTTL).Err(); err != nil {
		return nil, fmt.Errorf("store invite: %w", err)
	}

	s.eb.Publish(ctx, domain.EventRoomInvite{
		InviteID:     id,
		RoomID:       r.ID,
		RoomCode:     r.Code,
		RoomName:     r.Name,
		FromUserID:   req.FromUserID,
		FromUsername: req.FromUsername,
		ToUserID:     req.ToUserID,
		ExpiresAt:    expiresAt,
	})

	return &InviteResponse{InviteID: id, ExpiresAt: expiresAt}, nil
}

// CanStart returns why hostID cannot start a match in r, or nil.
func CanStart(r *domain.Room, hostID string) error {
	if r.HostID != hostID {
		return errors.Forbidden("only room host can start the match")
	}

	if r.Status != domain.RoomWaiting {
		return errors.State("match already started")
	}

	if len(r.Participants) < minParticipants || !r.AllReady() {
		return errors.State("all participants must be ready and there must be at least %d players", minParticipants)
	}

	return nil
}

// Begin moves a ready room to in-progress. fn runs inside the room transaction, so writes it
// queues on pipe (the new match) commit atomically with the transition.
func (s *Service) Begin(ctx context.Context, roomID, hostID string, fn func(r *domain.Room, pipe redis.Pipeliner) error) (*domain.Room, error) {
	r, err := s.update(ctx, roomID, func(r *domain.Room, pipe redis.Pipeliner) error {
		if err := CanStart(r, hostID); err != nil {
			return err
		}

		if err := fn(r, pipe); err != nil {
			return err
		}

		s.move(ctx, pipe, r, domain.RoomInProgress)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventRoomUpdated{Room: *r})

	return r, nil
}

// Complete closes the room after its match finished. A room deleted meanwhile is ignored.
func (s *Service) Complete(ctx context.Context, roomID string) error {
	r, err := s.update(ctx, roomID, func(r *domain.Room, pipe redis.Pipeliner) error {
		if r.Status == domain.RoomCompleted {
			return nil
		}

		s.move(ctx, pipe, r, domain.RoomCompleted)
		return nil
	})
	if errors.Is(err, errors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventRoomUpdated{Room: *r})

	return nil
}

func (s *Service) update(ctx context.Context, id string, fn func(r *domain.Room, pipe redis.Pipeliner) error) (*domain.Room, error) {
	r, err := s.rooms.Update(ctx, id, fn)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound("room not found")
	}
	if err != nil {
		var e *errors.Error
		if stderrors.As(err, &e) {
			return nil, e
		}
		return nil, fmt.Errorf("update room %s: %w", id, err)
	}

	return r, nil
}

func (s *Service) move(ctx context.Context, pipe redis.Pipeliner, r *domain.Room, to domain.RoomStatus) {
	from := r.Status
	r.Status = to
	r.UpdatedAt = s.now()
	s.index(ctx, pipe, r, from)
}

func (s *Service) index(ctx context.Context, pipe redis.Pipeliner, r *domain.Room, from domain.RoomStatus) {
	if from != "" {
		pipe.ZRem(ctx, s.getStatusKey(from), r.ID)
	}

	pipe.ZAdd(ctx, s.getStatusKey(r.Status), redis.Z{
		Score:  float64(r.CreatedAt.UnixMilli()),
		Member: r.ID,
	})
}

func (s *Service) unindex(ctx context.Context, pipe redis.Pipeliner, r *domain.Room) {
	pipe.ZRem(ctx, s.getStatusKey(r.Status), r.ID)
	pipe.Del(ctx, s.getCodeKey(r.Code))
}

func (s *Service) getCodeKey(code string) string {
	return fmt.Sprintf("%s:room-code:%s", s.prefix, code)
}

func (s *Service) getStatusKey(status domain.RoomStatus) string {
	return fmt.Sprintf("%s:rooms:%s", s.prefix, status)
}

func (s *Service) getInviteKey(roomID, userID string) string {
	return fmt.Sprintf("%s:room-invite:%s:%s", s.prefix, roomID, userID)
}
