package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/score"
)

const (
	defaultTokenReward = 1

	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

var (
	// winXP is awarded for a PvP win regardless of the margin.
	winXP = map[domain.Difficulty]int{
		domain.DifficultyEasy:   20,
		domain.DifficultyMedium: 50,
		domain.DifficultyHard:   100,
	}

	// attemptBaseXP is scaled by the score percentage of a single-player attempt.
	attemptBaseXP = map[domain.Difficulty]int{
		domain.DifficultyEasy:   10,
		domain.DifficultyMedium: 25,
		domain.DifficultyHard:   50,
	}

	perfectBonus = decimal.NewFromFloat(1.5)
)

type Config struct {
	EventBus *event.Bus
	Store    Store
	NowFunc  func() time.Time
}

// Service is the RewardLedger: experience, tokens, rank and PvP statistics.
type Service struct {
	eb    *event.Bus
	store Store
	now   func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:    c.EventBus,
		store: c.Store,
		now:   c.NowFunc,
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// WinXP is the experience for winning a match of the difficulty.
func WinXP(d domain.Difficulty) int {
	return winXP[d]
}

// DrawXP is half the win experience, rounded down.
func DrawXP(d domain.Difficulty) int {
	return winXP[d] / 2
}

// AttemptXP is base(difficulty) * points / total rounded down, with a 50% bonus only when every point was earned.
func AttemptXP(d domain.Difficulty, points, total int) int {
	if points <= 0 || total <= 0 {
		return 0
	}

	base := decimal.NewFromInt(int64(attemptBaseXP[d]))
	if points >= total {
		return int(base.Mul(perfectBonus).Floor().IntPart())
	}

	return int(base.Mul(decimal.NewFromInt(int64(points))).Div(decimal.NewFromInt(int64(total))).Floor().IntPart())
}

// AttemptPercentage is the rounded share of points earned. Only a perfect attempt reaches 100.
func AttemptPercentage(points, total int) int {
	if total > 0 && points >= total {
		return 100
	}
	return min(score.Percentage(points, total), 99)
}

// Touch registers the user, or refreshes the username of a known one.
func (s *Service) Touch(ctx context.Context, userID, username string) error {
	_, err := s.store.Update(ctx, UpdateRequest{UserID: userID, Username: username}, func(*domain.UserRewards, *domain.CompletedChallenge) error {
		return nil
	})
	return err
}

func (s *Service) UserExists(ctx context.Context, userID string) (bool, error) {
	return s.store.UserExists(ctx, userID)
}

type matchResult int

const (
	resultLoss matchResult = iota
	resultWin
	resultDraw
)

// AwardMatch credits every participant of a completed match and returns the experience each one earned.
// Winners of a draw earn DrawXP; winners left by a forfeit earn the full WinXP. A match nobody won
// counts as a draw worth nothing for everyone but forfeiters.
func (s *Service) AwardMatch(ctx context.Context, m *domain.Match) (map[string]int, error) {
	if m.Status != domain.MatchCompleted {
		return nil, errors.State("match is not completed")
	}

	var winners int
	for _, p := range m.Participants {
		if p.IsWinner {
			winners++
		}
	}
	draw := m.WinnerID == "" && m.ForfeitedBy == ""

	rewards := make(map[string]int, len(m.Participants))
	var errs []error

	for _, p := range m.Participants {
		result, xp := resultLoss, 0
		switch {
		case p.Forfeited:
		case draw && winners == 0:
			result = resultDraw
		case p.IsWinner && draw:
			result, xp = resultDraw, DrawXP(m.Difficulty)
		case p.IsWinner:
			result, xp = resultWin, WinXP(m.Difficulty)
		}

		if err := s.recordMatch(ctx, p, result, xp); err != nil {
			slog.ErrorContext(ctx, "ledger: record match result failed",
				"match", m.ID,
				"user", p.UserID,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}

		rewards[p.UserID] = xp
	}

	if len(errs) > 0 {
		return rewards, fmt.Errorf("award match %s: %d of %d participants failed: %w", m.ID, len(errs), len(m.Participants), errs[0])
	}

	return rewards, nil
}

func (s *Service) recordMatch(ctx context.Context, p domain.MatchParticipant, result matchResult, xp int) error {
	var before domain.Rank

	u, err := s.store.Update(ctx, UpdateRequest{UserID: p.UserID, Username: p.Username}, func(u *domain.UserRewards, _ *domain.CompletedChallenge) error {
		before = u.Rank

		u.PvP.TotalMatches++
		switch result {
		case resultWin:
			u.PvP.Wins++
			u.PvP.CurrentStreak++
			u.PvP.BestStreak = max(u.PvP.BestStreak, u.PvP.CurrentStreak)
		case resultLoss:
			u.PvP.Losses++
			u.PvP.CurrentStreak = 0
		case resultDraw:
			u.PvP.Draws++
		}

		u.Experience += xp
		u.Rank = domain.RankFor(u.Experience)
		return nil
	})
	if err != nil {
		return err
	}

	s.publishRankUp(ctx, before, u)
	return nil
}

type AttemptRequest struct {
	UserID    string
	Username  string
	Challenge *domain.Challenge
	// Points earned out of the challenge's total points.
	Points    int
	Verdict   domain.Verdict
	AllPassed bool
}

type AttemptResult struct {
	XP            int                 `json:"xp_earned"`
	TokensAwarded int                 `json:"tokens_awarded"`
	PreviousBest  int                 `json:"previous_best"`
	Rewards       *domain.UserRewards `json:"rewards"`
}

// RecordAttempt credits a single-player attempt. Experience is granted only when the attempt improves on
// the user's best score for the challenge; the token is granted on the first full completion only.
func (s *Service) RecordAttempt(ctx context.Context, req AttemptRequest) (*AttemptResult, error) {
	c := req.Challenge
	total := c.TotalPoints()
	pct := AttemptPercentage(req.Points, total)
	full := req.Verdict == domain.VerdictAccepted && req.AllPassed && req.Points >= total

	var (
		res    AttemptResult
		before domain.Rank
	)

	u, err := s.store.Update(ctx, UpdateRequest{
		UserID:      req.UserID,
		Username:    req.Username,
		ChallengeID: c.ID,
	}, func(u *domain.UserRewards, cc *domain.CompletedChallenge) error {
		res = AttemptResult{PreviousBest: cc.MaxScoreAchieved}
		before = u.Rank

		first := cc.CompletedAt.IsZero()
		if first || pct > cc.MaxScoreAchieved {
			res.XP = AttemptXP(c.Difficulty, req.Points, total)
		}

		if full && !cc.TokenAwarded {
			res.TokensAwarded = c.TokenReward
			if res.TokensAwarded <= 0 {
				res.TokensAwarded = defaultTokenReward
			}
			cc.TokenAwarded = true
		}

		if pct > 0 || cc.TokenAwarded {
			cc.MaxScoreAchieved = max(cc.MaxScoreAchieved, pct)
			if first {
				cc.CompletedAt = s.now()
			}
		}

		u.Experience += res.XP
		u.Tokens += res.TokensAwarded
		u.Rank = domain.RankFor(u.Experience)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	s.publishRankUp(ctx, before, u)

	res.Rewards = u
	return &res, nil
}

func (s *Service) publishRankUp(ctx context.Context, before domain.Rank, u *domain.UserRewards) {
	if before == "" || before == u.Rank {
		return
	}

	slog.InfoContext(ctx, "user ranked up", "user", u.UserID, "from", before, "to", u.Rank)
	s.eb.Publish(ctx, domain.EventUserRankUp{
		UserID:     u.UserID,
		OldRank:    before,
		NewRank:    u.Rank,
		Experience: u.Experience,
	})
}

type UserStats struct {
	*domain.UserRewards
	WinRate  int `json:"win_rate"`
	Position int `json:"leaderboard_position"`
}

func (s *Service) Stats(ctx context.Context, userID string) (*UserStats, error) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	pos, err := s.store.Position(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &UserStats{UserRewards: u, WinRate: u.PvP.WinRate(), Position: pos}, nil
}

type LeaderboardRequest struct {
	Limit  int
	Offset int
}

type LeaderboardRow struct {
	Position      int         `json:"position"`
	UserID        string      `json:"user_id"`
	Username      string      `json:"username"`
	Experience    int         `json:"experience"`
	Rank          domain.Rank `json:"rank"`
	Wins          int         `json:"wins"`
	Losses        int         `json:"losses"`
	Draws         int         `json:"draws"`
	TotalMatches  int         `json:"total_matches"`
	WinRate       int         `json:"win_rate"`
	CurrentStreak int         `json:"current_streak"`
	BestStreak    int         `json:"best_streak"`
}

type LeaderboardResponse struct {
	Rows   []LeaderboardRow `json:"leaderboard"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// Leaderboard ranks users with at least one match by wins, then experience.
func (s *Service) Leaderboard(ctx context.Context, req LeaderboardRequest) (*LeaderboardResponse, error) {
	if req.Limit <= 0 {
		req.Limit = defaultLeaderboardLimit
	}
	req.Limit = min(req.Limit, maxLeaderboardLimit)
	req.Offset = max(req.Offset, 0)

	users, total, err := s.store.Leaderboard(ctx, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}

	rows := make([]LeaderboardRow, 0, len(users))
	for i, u := range users {
		rows = append(rows, LeaderboardRow{
			Position:      req.Offset + i + 1,
			UserID:        u.UserID,
			Username:      u.Username,
			Experience:    u.Experience,
			Rank:          u.Rank,
			Wins:          u.PvP.Wins,
			Losses:        u.PvP.Losses,
			Draws:         u.PvP.Draws,
			TotalMatches:  u.PvP.TotalMatches,
			WinRate:       u.PvP.WinRate(),
			CurrentStreak: u.PvP.CurrentStreak,
			BestStreak:    u.PvP.BestStreak,
		})
	}

	return &LeaderboardResponse{Rows: rows, Total: total, Limit: req.Limit, Offset: req.Offset}, nil
}
