package practice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/victornm/codearena/internal/challenge"
	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/judge"
	"github.com/victornm/codearena/internal/ledger"
	"github.com/victornm/codearena/internal/score"
	"github.com/victornm/codearena/internal/telemetry"
)

type Judge interface {
	Execute(ctx context.Context, req judge.ExecuteRequest) (*judge.ExecuteResponse, error)
}

type Config struct {
	Challenges challenge.Source
	Judge      Judge
	Score      *score.Service
	Ledger     *ledger.Service
}

// Service runs single-player attempts on a challenge outside of any match.
type Service struct {
	challenges challenge.Source
	judge      Judge
	score      *score.Service
	ledger     *ledger.Service
}

func NewService(c Config) *Service {
	return &Service{
		challenges: c.Challenges,
		judge:      c.Judge,
		score:      c.Score,
		ledger:     c.Ledger,
	}
}

type SubmitRequest struct {
	UserID      string
	Username    string
	ChallengeID string
	Code        string
	Language    string
}

type SubmitResponse struct {
	Verdict         domain.Verdict          `json:"status"`
	Points          int                     `json:"score"`
	TotalPoints     int                     `json:"max_score"`
	ScorePercentage int                     `json:"score_percentage"`
	PassedTests     int                     `json:"passed_tests"`
	TotalTests      int                     `json:"total_tests"`
	TotalTimeMs     float64                 `json:"execution_time_ms"`
	PeakMemoryKB    int                     `json:"memory_used_kb"`
	Results         []domain.TestCaseResult `json:"test_results"`
	XP              int                     `json:"xp_earned"`
	TokensAwarded   int                     `json:"tokens_awarded"`
	PreviousBest    int                     `json:"previous_best"`
	Rank            domain.Rank             `json:"rank"`
}

// Submit judges the code against every test case of the challenge and credits the attempt.
// Only the results of public test cases are returned; hidden ones still count towards the score.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.Code == "" {
		return nil, errors.Validation("code is required")
	}

	if req.ChallengeID == "" {
		return nil, errors.Validation("challenge id is required")
	}

	ch, err := s.challenges.Get(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}

	if !ch.IsActive {
		return nil, errors.NotFound("challenge not found")
	}

	out, err := s.judge.Execute(ctx, judge.ExecuteRequest{
		Code:          req.Code,
		Language:      req.Language,
		TestCases:     ch.TestCases,
		TimeLimitSec:  ch.TimeLimitSec,
		MemoryLimitMB: ch.MemoryLimitMB,
	})
	if err != nil {
		return nil, err
	}

	var passed int
	for _, r := range out.Results {
		if r.Passed {
			passed++
		}
	}

	points := s.score.Points(out.Results)
	rollup := s.score.Rollup(out.Results)

	res := &SubmitResponse{
		Verdict:         s.score.Classify(out.Results, ""),
		Points:          points,
		TotalPoints:     ch.TotalPoints(),
		ScorePercentage: ledger.AttemptPercentage(points, ch.TotalPoints()),
		PassedTests:     passed,
		TotalTests:      len(out.Results),
		TotalTimeMs:     rollup.TotalTimeMs,
		PeakMemoryKB:    rollup.PeakMemoryKB,
	}

	for i, r := range out.Results {
		if !ch.TestCases[i].IsHidden {
			res.Results = append(res.Results, r)
		}
	}

	credit, err := s.ledger.RecordAttempt(ctx, ledger.AttemptRequest{
		UserID:    req.UserID,
		Username:  req.Username,
		Challenge: ch,
		Points:    points,
		Verdict:   res.Verdict,
		AllPassed: passed == len(ch.TestCases),
	})
	if err != nil {
		return nil, fmt.Errorf("credit attempt: %w", err)
	}

	res.XP = credit.XP
	res.TokensAwarded = credit.TokensAwarded
	res.PreviousBest = credit.PreviousBest
	res.Rank = credit.Rewards.Rank

	telemetry.Submissions.WithLabelValues("practice", string(res.Verdict)).Inc()
	slog.InfoContext(ctx, "practice submission judged",
		"user", req.UserID,
		"challenge", ch.ID,
		"score", res.ScorePercentage,
		"verdict", res.Verdict,
		"xp", res.XP,
		"fallback", out.Fallback,
	)

	return res, nil
}
