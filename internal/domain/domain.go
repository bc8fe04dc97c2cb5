package domain

import (
	"time"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

type RoomStatus string

const (
	RoomWaiting    RoomStatus = "waiting"
	RoomInProgress RoomStatus = "in-progress"
	RoomCompleted  RoomStatus = "completed"
)

// Room is the pre-match lobby aggregate.
type Room struct {
	ID           string            `json:"id"`
	Code         string            `json:"code,omitempty"`
	Name         string            `json:"name"`
	HostID       string            `json:"host_id"`
	HostUsername string            `json:"host_username"`
	Participants []RoomParticipant `json:"participants"`
	Settings     RoomSettings      `json:"settings"`
	Status       RoomStatus        `json:"status"`
	MatchID      string            `json:"match_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type RoomParticipant struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
	IsReady  bool      `json:"is_ready"`
}

type RoomSettings struct {
	TimeLimitMinutes int        `json:"time_limit_minutes"`
	Difficulty       Difficulty `json:"difficulty"`
	MaxParticipants  int        `json:"max_participants"`
	IsPrivate        bool       `json:"is_private"`
	Language         string     `json:"language,omitempty"`
}

// Participant returns the participant with the given user ID and its position, or -1.
func (r *Room) Participant(userID string) (*RoomParticipant, int) {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return &r.Participants[i], i
		}
	}
	return nil, -1
}

// ViewFor is the room as userID sees it. The join code of a private room is only shown to its participants.
func (r *Room) ViewFor(userID string) *Room {
	v := *r
	if v.Settings.IsPrivate {
		if p, _ := r.Participant(userID); p == nil {
			v.Code = ""
		}
	}
	return &v
}

func (r *Room) IsFull() bool {
	return len(r.Participants) >= r.Settings.MaxParticipants
}

// AllReady is false for an empty room.
func (r *Room) AllReady() bool {
	if len(r.Participants) == 0 {
		return false
	}
	for _, p := range r.Participants {
		if !p.IsReady {
			return false
		}
	}
	return true
}

type MatchStatus string

const (
	MatchActive     MatchStatus = "active"
	MatchInProgress MatchStatus = "in-progress"
	MatchCompleted  MatchStatus = "completed"
)

// Match is a running or finished head-to-head session bound to one challenge.
type Match struct {
	ID               string             `json:"id"`
	RoomID           string             `json:"room_id"`
	RoomName         string             `json:"room_name"`
	HostID           string             `json:"host_id"`
	ChallengeID      string             `json:"challenge_id"`
	ChallengeTitle   string             `json:"challenge_title"`
	Participants     []MatchParticipant `json:"participants"`
	Status           MatchStatus        `json:"status"`
	WinnerID         string             `json:"winner_id,omitempty"`
	ForfeitedBy      string             `json:"forfeited_by,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	TimeLimitMinutes int                `json:"time_limit_minutes"`
	Difficulty       Difficulty         `json:"difficulty"`
}

type MatchParticipant struct {
	UserID           string       `json:"user_id"`
	Username         string       `json:"username"`
	Score            int          `json:"score"`
	PassedTests      int          `json:"passed_tests"`
	TotalTests       int          `json:"total_tests"`
	CompletionTimeMs int64        `json:"completion_time_ms"`
	SubmittedAt      *time.Time   `json:"submitted_at,omitempty"`
	Submissions      []Submission `json:"submissions"`
	IsWinner         bool         `json:"is_winner"`
	Forfeited        bool         `json:"forfeited,omitempty"`
}

// PassedAll is false until the participant has submitted at least once.
func (p *MatchParticipant) PassedAll() bool {
	return p.SubmittedAt != nil && p.TotalTests > 0 && p.PassedTests == p.TotalTests
}

// IsActive reports whether the match still accepts submissions.
func (m *Match) IsActive() bool {
	return m.Status == MatchActive || m.Status == MatchInProgress
}

func (m *Match) Participant(userID string) (*MatchParticipant, int) {
	for i := range m.Participants {
		if m.Participants[i].UserID == userID {
			return &m.Participants[i], i
		}
	}
	return nil, -1
}

func (m *Match) Deadline() time.Time {
	return m.StartedAt.Add(time.Duration(m.TimeLimitMinutes) * time.Minute)
}

// TimeRemaining never goes below zero.
func (m *Match) TimeRemaining(now time.Time) time.Duration {
	return max(0, m.Deadline().Sub(now))
}

// Submission is one append-only attempt inside a match.
type Submission struct {
	Code        string           `json:"code"`
	Language    string           `json:"language"`
	Score       int              `json:"score"`
	SubmittedAt time.Time        `json:"submitted_at"`
	TestResults []TestCaseResult `json:"test_results"`
}

// Verdict is the closed set of execution outcomes for one test case or a whole submission.
type Verdict string

const (
	VerdictQueued       Verdict = "Queued"
	VerdictProcessing   Verdict = "Processing"
	VerdictAccepted     Verdict = "Accepted"
	VerdictWrongAnswer  Verdict = "Wrong Answer"
	VerdictCompileError Verdict = "Compilation Error"
	VerdictTimeout      Verdict = "Time Limit Exceeded"
	VerdictMemoryLimit  Verdict = "Memory Limit Exceeded"
	VerdictRuntimeError Verdict = "Runtime Error"
	VerdictSystemError  Verdict = "System Error"
)

// ProgramFault reports whether the verdict blames the submitted code.
func (v Verdict) ProgramFault() bool {
	switch v {
	case VerdictWrongAnswer, VerdictCompileError, VerdictTimeout, VerdictMemoryLimit, VerdictRuntimeError:
		return true
	}
	return false
}

// TestCaseResult is produced fresh per execution and never mutated.
type TestCaseResult struct {
	TestCaseIndex   int     `json:"test_case_index"`
	Input           string  `json:"input"`
	ExpectedOutput  string  `json:"expected_output"`
	ActualOutput    string  `json:"actual_output"`
	Passed          bool    `json:"passed"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	MemoryUsedKB    int     `json:"memory_used_kb"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	Status          Verdict `json:"status"`
	Points          int     `json:"points"`
}

const defaultTestCasePoints = 10

// Challenge is supplied by the challenge source and treated as read-only.
type Challenge struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Difficulty    Difficulty `json:"difficulty"`
	TestCases     []TestCase `json:"test_cases"`
	TimeLimitSec  float64    `json:"time_limit_sec"`
	MemoryLimitMB int        `json:"memory_limit_mb"`
	TokenReward   int        `json:"token_reward"`
	IsActive      bool       `json:"is_active"`
}

type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Points         int    `json:"points"`
	IsHidden       bool   `json:"is_hidden"`
}

// PointValue falls back to a default when the test case carries no points.
func (tc TestCase) PointValue() int {
	if tc.Points <= 0 {
		return defaultTestCasePoints
	}
	return tc.Points
}

// TotalPoints is the maximum score a single-player attempt can reach.
func (c *Challenge) TotalPoints() int {
	var total int
	for _, tc := range c.TestCases {
		total += tc.PointValue()
	}
	return total
}

// PublicTestCases hides inputs and outputs of hidden test cases.
func (c *Challenge) PublicTestCases() []TestCase {
	out := make([]TestCase, 0, len(c.TestCases))
	for _, tc := range c.TestCases {
		if !tc.IsHidden {
			out = append(out, tc)
		}
	}
	return out
}

type Rank string

const (
	RankNewbie       Rank = "Newbie"
	RankJunior       Rank = "Junior"
	RankIntermediate Rank = "Intermediate"
	RankSenior       Rank = "Senior"
	RankExpert       Rank = "Expert"
)

// rankLadder is ordered from the highest threshold down.
var rankLadder = []struct {
	rank Rank
	xp   int
}{
	{RankExpert, 1000},
	{RankSenior, 500},
	{RankIntermediate, 200},
	{RankJunior, 50},
	{RankNewbie, 0},
}

// RankFor returns the tier reached with the given cumulative experience.
func RankFor(experience int) Rank {
	for _, step := range rankLadder {
		if experience >= step.xp {
			return step.rank
		}
	}
	return RankNewbie
}

// UserRewards is the reward state of a user.
type UserRewards struct {
	UserID              string               `json:"user_id"`
	Username            string               `json:"username"`
	Experience          int                  `json:"experience"`
	Rank                Rank                 `json:"rank"`
	Tokens              int                  `json:"tokens"`
	PvP                 PvPStats             `json:"pvp_stats"`
	CompletedChallenges []CompletedChallenge `json:"completed_challenges,omitempty"`
}

type PvPStats struct {
	Wins          int `json:"wins"`
	Losses        int `json:"losses"`
	Draws         int `json:"draws"`
	TotalMatches  int `json:"total_matches"`
	CurrentStreak int `json:"current_streak"`
	BestStreak    int `json:"best_streak"`
}

// WinRate is a rounded percentage.
func (s PvPStats) WinRate() int {
	if s.TotalMatches == 0 {
		return 0
	}
	return (s.Wins*100 + s.TotalMatches/2) / s.TotalMatches
}

type CompletedChallenge struct {
	ChallengeID      string    `json:"challenge_id"`
	MaxScoreAchieved int       `json:"max_score_achieved"`
	TokenAwarded     bool      `json:"token_awarded"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Leaderboard represents the live scores of one match, sorted by score in descending order.
type Leaderboard struct {
	MatchID string             `json:"match_id"`
	Entries []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	UserID string  `json:"user_id"`
	Score  float64 `json:"score"`
}
