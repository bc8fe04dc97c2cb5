package domain

import (
	"time"
)

const (
	EventNameRoomCreated         = "room.created"
	EventNameRoomUpdated         = "room.updated"
	EventNameUserJoinedRoom      = "room.user_joined"
	EventNameUserLeftRoom        = "room.user_left"
	EventNameRoomHostTransferred = "room.host_transferred"
	EventNameRoomDeleted         = "room.deleted"
	EventNameReadyStatusChanged  = "room.ready_changed"
	EventNameRoomInvite          = "room.invite"
	EventNameMatchStarted        = "match.started"
	EventNameSubmissionReceived  = "match.submission_received"
	EventNameMatchCompleted      = "match.completed"
	EventNameLeaderboardUpdated  = "leaderboard.updated"
	EventNameUserRankUp          = "user.rank_up"
)

type EventRoomCreated struct {
	Room Room
}

func (EventRoomCreated) Name() string { return EventNameRoomCreated }

type EventRoomUpdated struct {
	Room Room
}

func (EventRoomUpdated) Name() string { return EventNameRoomUpdated }

type EventUserJoinedRoom struct {
	Room     Room
	UserID   string
	Username string
}

func (EventUserJoinedRoom) Name() string { return EventNameUserJoinedRoom }

type EventUserLeftRoom struct {
	Room     Room
	UserID   string
	Username string
}

func (EventUserLeftRoom) Name() string { return EventNameUserLeftRoom }

type EventRoomHostTransferred struct {
	Room         Room
	PreviousHost string
	NewHostID    string
	NewHostName  string
}

func (EventRoomHostTransferred) Name() string { return EventNameRoomHostTransferred }

type EventRoomDeleted struct {
	RoomID string
	// Participants are the users still in the room when it was deleted.
	Participants []string
}

func (EventRoomDeleted) Name() string { return EventNameRoomDeleted }

type EventReadyStatusChanged struct {
	Room    Room
	UserID  string
	IsReady bool
}

func (EventReadyStatusChanged) Name() string { return EventNameReadyStatusChanged }

type EventRoomInvite struct {
	InviteID     string
	RoomID       string
	RoomCode     string
	RoomName     string
	FromUserID   string
	FromUsername string
	ToUserID     string
	ExpiresAt    time.Time
}

func (EventRoomInvite) Name() string { return EventNameRoomInvite }

type EventMatchStarted struct {
	Match Match
	// Challenge is stripped of hidden test cases.
	Challenge Challenge
}

func (EventMatchStarted) Name() string { return EventNameMatchStarted }

type EventSubmissionReceived struct {
	MatchID     string
	RoomID      string
	UserID      string
	Username    string
	Score       int
	BestScore   int
	PassedTests int
	TotalTests  int
	SubmittedAt time.Time
	// Participants lists every user of the match, used for fan-out.
	Participants []string
}

func (EventSubmissionReceived) Name() string { return EventNameSubmissionReceived }

type EventMatchCompleted struct {
	Match Match
	// XP awarded per user.
	Rewards map[string]int
}

func (EventMatchCompleted) Name() string { return EventNameMatchCompleted }

type EventLeaderboardUpdated struct {
	Leaderboard  Leaderboard
	Participants []string
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

type EventUserRankUp struct {
	UserID     string
	OldRank    Rank
	NewRank    Rank
	Experience int
}

func (EventUserRankUp) Name() string { return EventNameUserRankUp }
