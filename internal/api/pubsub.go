package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/event"
)

const maxConcurrent = 100

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// subscribe forwards domain events to the realtime channels:
// <prefix>:lobby for room list changes, <prefix>:room:<id> for everyone in a room,
// <prefix>:user:<id> for a single user.
func (a *API) subscribe(eb *event.Bus) {
	// The lobby is public, so private room codes are left out there.
	eb.Subscribe(domain.EventNameRoomCreated, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventRoomCreated)
		return a.publishLobby(ctx, e.Name(), ev.Room.ViewFor(""))
	})

	eb.Subscribe(domain.EventNameRoomUpdated, func(ctx context.Context, e event.Event) error {
		r := e.(domain.EventRoomUpdated).Room
		if err := a.publishRoom(ctx, r.ID, e.Name(), r); err != nil {
			return err
		}
		return a.publishLobby(ctx, e.Name(), r.ViewFor(""))
	})

	eb.Subscribe(domain.EventNameUserJoinedRoom, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventUserJoinedRoom)
		return a.publishRoom(ctx, ev.Room.ID, e.Name(), payload{"room": ev.Room, "user_id": ev.UserID, "username": ev.Username})
	})

	eb.Subscribe(domain.EventNameUserLeftRoom, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventUserLeftRoom)
		return a.publishRoom(ctx, ev.Room.ID, e.Name(), payload{"room": ev.Room, "user_id": ev.UserID, "username": ev.Username})
	})

	eb.Subscribe(domain.EventNameRoomHostTransferred, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventRoomHostTransferred)
		return a.publishRoom(ctx, ev.Room.ID, e.Name(), payload{
			"room":          ev.Room,
			"previous_host": ev.PreviousHost,
			"new_host_id":   ev.NewHostID,
			"new_host_name": ev.NewHostName,
		})
	})

	eb.Subscribe(domain.EventNameReadyStatusChanged, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventReadyStatusChanged)
		return a.publishRoom(ctx, ev.Room.ID, e.Name(), payload{"room": ev.Room, "user_id": ev.UserID, "is_ready": ev.IsReady})
	})

	eb.Subscribe(domain.EventNameRoomDeleted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventRoomDeleted)
		data := payload{"room_id": ev.RoomID}
		if err := a.publishUsers(ctx, ev.Participants, e.Name(), data); err != nil {
			return err
		}
		return a.publishLobby(ctx, e.Name(), data)
	})

	eb.Subscribe(domain.EventNameRoomInvite, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventRoomInvite)
		return a.publishNotification(ctx, a.getUserChannel(ev.ToUserID), e.Name(), payload{
			"invite_id":     ev.InviteID,
			"room_id":       ev.RoomID,
			"room_code":     ev.RoomCode,
			"room_name":     ev.RoomName,
			"from_user_id":  ev.FromUserID,
			"from_username": ev.FromUsername,
			"expires_at":    ev.ExpiresAt,
		})
	})

	eb.Subscribe(domain.EventNameMatchStarted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventMatchStarted)
		return a.publishRoom(ctx, ev.Match.RoomID, e.Name(), payload{"match": ev.Match, "challenge": ev.Challenge})
	})

	eb.Subscribe(domain.EventNameSubmissionReceived, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventSubmissionReceived)
		return a.publishUsers(ctx, ev.Participants, e.Name(), payload{
			"match_id":     ev.MatchID,
			"user_id":      ev.UserID,
			"username":     ev.Username,
			"score":        ev.Score,
			"best_score":   ev.BestScore,
			"passed_tests": ev.PassedTests,
			"total_tests":  ev.TotalTests,
			"submitted_at": ev.SubmittedAt,
		})
	})

	eb.Subscribe(domain.EventNameMatchCompleted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventMatchCompleted)
		return a.publishRoom(ctx, ev.Match.RoomID, e.Name(), payload{"match": ev.Match, "rewards": ev.Rewards})
	})

	eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventLeaderboardUpdated)
		return a.publishUsers(ctx, ev.Participants, e.Name(), ev.Leaderboard)
	})

	eb.Subscribe(domain.EventNameUserRankUp, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventUserRankUp)
		return a.publishNotification(ctx, a.getUserChannel(ev.UserID), e.Name(), payload{
			"old_rank":   ev.OldRank,
			"new_rank":   ev.NewRank,
			"experience": ev.Experience,
		})
	})
}

type payload = map[string]any

func (a *API) publishUsers(ctx context.Context, users []string, name string, data any) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, user := range users {
		user := user
		eg.Go(func() error {
			return a.publishNotification(ctx, a.getUserChannel(user), name, data)
		})
	}

	return eg.Wait()
}

func (a *API) publishRoom(ctx context.Context, roomID, name string, data any) error {
	return a.publishNotification(ctx, fmt.Sprintf("%s:room:%s", a.prefix, roomID), name, data)
}

func (a *API) publishLobby(ctx context.Context, name string, data any) error {
	return a.publishNotification(ctx, fmt.Sprintf("%s:lobby", a.prefix), name, data)
}

func (a *API) publishNotification(ctx context.Context, channel, name string, data any) error {
	n := Notification{
		Event: name,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", name, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) getUserChannel(user string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, user)
}
