package match

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/codearena/internal/challenge"
	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/judge"
	"github.com/victornm/codearena/internal/ledger"
	"github.com/victornm/codearena/internal/room"
	"github.com/victornm/codearena/internal/score"
	"github.com/victornm/codearena/internal/store"
	"github.com/victornm/codearena/internal/telemetry"
)

const (
	outcomeWinner  = "winner"
	outcomeDraw    = "draw"
	outcomeForfeit = "forfeit"
)

// Judge runs a submission against test cases.
type Judge interface {
	Execute(ctx context.Context, req judge.ExecuteRequest) (*judge.ExecuteResponse, error)
}

type Config struct {
	EventBus   *event.Bus
	Redis      redis.UniversalClient
	Prefix     string
	Rooms      *room.Service
	Challenges challenge.Source
	Judge      Judge
	Score      *score.Service
	Ledger     *ledger.Service
	NowFunc    func() time.Time
}

// Service is the MatchCoordinator.
type Service struct {
	eb         *event.Bus
	redis      redis.UniversalClient
	prefix     string
	rooms      *room.Service
	challenges challenge.Source
	judge      Judge
	score      *score.Service
	ledger     *ledger.Service
	now        func() time.Time
	matches    *store.Store[domain.Match]
}

func NewService(c Config) *Service {
	s := &Service{
		eb:         c.EventBus,
		redis:      c.Redis,
		prefix:     c.Prefix,
		rooms:      c.Rooms,
		challenges: c.Challenges,
		judge:      c.Judge,
		score:      c.Score,
		ledger:     c.Ledger,
		now:        c.NowFunc,
	}

	if s.now == nil {
		s.now = time.Now
	}

	s.matches = store.New[domain.Match](store.Config{
		Redis:  c.Redis,
		Prefix: fmt.Sprintf("%s:match", c.Prefix),
	})

	return s
}

type StartRequest struct {
	HostID string
	RoomID string
}

type StartResponse struct {
	Match *domain.Match `json:"match"`
	// Challenge only carries the public test cases.
	Challenge *domain.Challenge `json:"challenge"`
}

// Start picks a random challenge of the room's difficulty and starts the match. The room moves to
// in-progress and the match is created in the same transaction.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	r, err := s.rooms.Get(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	if err := room.CanStart(r, req.HostID); err != nil {
		return nil, err
	}

	ch, err := s.challenges.Random(ctx, r.Settings.Difficulty)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new match id: %w", err)
	}

	var m *domain.Match
	_, err = s.rooms.Begin(ctx, req.RoomID, req.HostID, func(r *domain.Room, pipe redis.Pipeliner) error {
		m = newMatch(id.String(), r, ch, s.now())
		r.MatchID = m.ID

		if err := s.matches.Put(ctx, pipe, m.ID, m); err != nil {
			return err
		}

		pipe.ZAdd(ctx, s.getDeadlinesKey(), redis.Z{
			Score:  float64(m.Deadline().UnixMilli()),
			Member: m.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	public := publicChallenge(ch)

	slog.InfoContext(ctx, "match started",
		"match", m.ID,
		"room", m.RoomID,
		"challenge", ch.ID,
		"participants", len(m.Participants),
	)
	s.eb.Publish(ctx, domain.EventMatchStarted{Match: *m, Challenge: *public})

	return &StartResponse{Match: m, Challenge: public}, nil
}

func newMatch(id string, r *domain.Room, ch *domain.Challenge, now time.Time) *domain.Match {
	m := &domain.Match{
		ID:               id,
		RoomID:           r.ID,
		RoomName:         r.Name,
		HostID:           r.HostID,
		ChallengeID:      ch.ID,
		ChallengeTitle:   ch.Title,
		Status:           domain.MatchActive,
		StartedAt:        now,
		TimeLimitMinutes: r.Settings.TimeLimitMinutes,
		Difficulty:       r.Settings.Difficulty,
	}

	for _, p := range r.Participants {
		m.Participants = append(m.Participants, domain.MatchParticipant{
			UserID:      p.UserID,
			Username:    p.Username,
			TotalTests:  len(ch.TestCases),
			Submissions: []domain.Submission{},
		})
	}

	return m
}

func publicChallenge(ch *domain.Challenge) *domain.Challenge {
	c := *ch
	c.TestCases = ch.PublicTestCases()
	return &c
}

type SubmitRequest struct {
	UserID   string
	MatchID  string
	Code     string
	Language string
}

type SubmitResponse struct {
	Score       int            `json:"score"`
	BestScore   int            `json:"best_score"`
	PassedTests int            `json:"passed_tests"`
	TotalTests  int            `json:"total_tests"`
	Verdict     domain.Verdict `json:"verdict"`
	// Results holds the public test cases only.
	Results []domain.TestCaseResult `json:"test_results"`
}

// Submit judges the code against every test case of the match challenge. The participant's live score
// only moves up; every attempt is kept in the submission history.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.Code == "" {
		return nil, errors.Validation("code is required")
	}

	m, err := s.get(ctx, req.MatchID)
	if err != nil {
		return nil, err
	}

	if err := s.checkSubmittable(m, req.UserID); err != nil {
		return nil, err
	}

	ch, err := s.challenges.Get(ctx, m.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("get match challenge: %w", err)
	}

	if len(ch.TestCases) == 0 {
		return nil, errors.NotFound("challenge test cases not found")
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

	res := &SubmitResponse{
		Score:       s.score.MatchScore(out.Results),
		PassedTests: passed,
		TotalTests:  len(out.Results),
		Verdict:     s.score.Classify(out.Results, ""),
		Results:     publicResults(ch, out.Results),
	}

	submittedAt := s.now()
	var participants []string

	m, err = s.update(ctx, req.MatchID, func(m *domain.Match, _ redis.Pipeliner) error {
		if err := s.checkSubmittable(m, req.UserID); err != nil {
			return err
		}

		p, _ := m.Participant(req.UserID)
		p.Submissions = append(p.Submissions, domain.Submission{
			Code:        req.Code,
			Language:    req.Language,
			Score:       res.Score,
			SubmittedAt: submittedAt,
			TestResults: redactHidden(ch, out.Results),
		})

		if p.SubmittedAt == nil || res.Score > p.Score {
			p.Score = res.Score
			p.PassedTests = res.PassedTests
			p.TotalTests = res.TotalTests
			p.CompletionTimeMs = submittedAt.Sub(m.StartedAt).Milliseconds()
			p.SubmittedAt = &submittedAt
		}

		res.BestScore = p.Score
		participants = participantIDs(m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.Submissions.WithLabelValues("match", string(res.Verdict)).Inc()
	slog.InfoContext(ctx, "match submission judged",
		"match", m.ID,
		"user", req.UserID,
		"score", res.Score,
		"verdict", res.Verdict,
		"fallback", out.Fallback,
	)

	p, _ := m.Participant(req.UserID)
	s.eb.Publish(ctx, domain.EventSubmissionReceived{
		MatchID:      m.ID,
		RoomID:       m.RoomID,
		UserID:       req.UserID,
		Username:     p.Username,
		Score:        res.Score,
		BestScore:    res.BestScore,
		PassedTests:  res.PassedTests,
		TotalTests:   res.TotalTests,
		SubmittedAt:  submittedAt,
		Participants: participants,
	})

	return res, nil
}

func (s *Service) checkSubmittable(m *domain.Match, userID string) error {
	if !m.IsActive() {
		return errors.State("match is not active")
	}

	p, _ := m.Participant(userID)
	if p == nil {
		return errors.Forbidden("not a participant in this match")
	}

	if p.Forfeited {
		return errors.State("you have forfeited this match")
	}

	if !s.now().Before(m.Deadline()) {
		return errors.State("match time limit has passed")
	}

	return nil
}

func publicResults(ch *domain.Challenge, results []domain.TestCaseResult) []domain.TestCaseResult {
	out := make([]domain.TestCaseResult, 0, len(results))
	for i, r := range results {
		if i < len(ch.TestCases) && !ch.TestCases[i].IsHidden {
			out = append(out, r)
		}
	}
	return out
}

// redactHidden keeps the verdicts of hidden test cases but drops their inputs and outputs.
func redactHidden(ch *domain.Challenge, results []domain.TestCaseResult) []domain.TestCaseResult {
	out := make([]domain.TestCaseResult, len(results))
	for i, r := range results {
		if i >= len(ch.TestCases) || ch.TestCases[i].IsHidden {
			r.Input, r.ExpectedOutput, r.ActualOutput, r.ErrorMessage = "", "", "", ""
		}
		out[i] = r
	}
	return out
}

type FinishRequest struct {
	UserID  string
	MatchID string
}

// Finish ends the match on behalf of the room host, decides the winners and credits the rewards.
func (s *Service) Finish(ctx context.Context, req FinishRequest) (*domain.Match, error) {
	return s.finish(ctx, req.MatchID, func(m *domain.Match) error {
		if m.HostID != req.UserID {
			return errors.Forbidden("only room host can finish the match")
		}
		return nil
	})
}

func (s *Service) finish(ctx context.Context, matchID string, authorize func(m *domain.Match) error) (*domain.Match, error) {
	var outcome score.Outcome

	m, err := s.complete(ctx, matchID, func(m *domain.Match) error {
		if err := authorize(m); err != nil {
			return err
		}

		outcome = s.score.DetermineWinners(m.Participants)
		winners := make(map[string]bool, len(outcome.Winners))
		for _, id := range outcome.Winners {
			winners[id] = true
		}

		for i := range m.Participants {
			m.Participants[i].IsWinner = winners[m.Participants[i].UserID]
		}
		m.WinnerID = outcome.WinnerID
		return nil
	})
	if err != nil {
		return nil, err
	}

	label := outcomeWinner
	if outcome.Draw {
		label = outcomeDraw
	}

	s.settle(ctx, m, label)
	return m, nil
}

type ForfeitRequest struct {
	UserID  string
	MatchID string
}

// Forfeit ends the match: the forfeiting participant scores zero and every other participant wins.
func (s *Service) Forfeit(ctx context.Context, req ForfeitRequest) (*domain.Match, error) {
	m, err := s.complete(ctx, req.MatchID, func(m *domain.Match) error {
		p, _ := m.Participant(req.UserID)
		if p == nil {
			return errors.Forbidden("not a participant in this match")
		}

		p.Score = 0
		p.IsWinner = false
		p.Forfeited = true

		var remaining []string
		for i := range m.Participants {
			mp := &m.Participants[i]
			mp.IsWinner = !mp.Forfeited
			if mp.IsWinner {
				remaining = append(remaining, mp.UserID)
			}
		}

		m.WinnerID = ""
		if len(remaining) == 1 {
			m.WinnerID = remaining[0]
		}
		m.ForfeitedBy = req.UserID
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "match forfeited", "match", m.ID, "user", req.UserID)
	s.settle(ctx, m, outcomeForfeit)

	return m, nil
}

// complete applies fn and marks the match completed in one transaction. A completed match is rejected.
func (s *Service) complete(ctx context.Context, matchID string, fn func(m *domain.Match) error) (*domain.Match, error) {
	return s.update(ctx, matchID, func(m *domain.Match, pipe redis.Pipeliner) error {
		if m.Status == domain.MatchCompleted {
			return errors.Conflict("match already completed")
		}

		if err := fn(m); err != nil {
			return err
		}

		now := s.now()
		m.Status = domain.MatchCompleted
		m.CompletedAt = &now

		pipe.ZRem(ctx, s.getDeadlinesKey(), m.ID)
		return nil
	})
}

// settle runs the side effects of a completed match. Failures are logged; the match stays completed.
func (s *Service) settle(ctx context.Context, m *domain.Match, outcome string) {
	telemetry.MatchesCompleted.WithLabelValues(outcome).Inc()

	rewards, err := s.ledger.AwardMatch(ctx, m)
	if err != nil {
		slog.ErrorContext(ctx, "match: award rewards failed", "match", m.ID, "error", err)
	}

	if err := s.rooms.Complete(ctx, m.RoomID); err != nil {
		slog.ErrorContext(ctx, "match: complete room failed", "match", m.ID, "room", m.RoomID, "error", err)
	}

	slog.InfoContext(ctx, "match completed", "match", m.ID, "winner", m.WinnerID, "outcome", outcome)
	s.eb.Publish(ctx, domain.EventMatchCompleted{Match: *m, Rewards: rewards})
}

type StatusRequest struct {
	UserID  string
	MatchID string
}

type StatusResponse struct {
	Match           *domain.Match `json:"match"`
	TimeRemainingMs int64         `json:"time_remaining_ms"`
}

// Status is a participant-only view of the match. Other participants' submissions are left out.
func (s *Service) Status(ctx context.Context, req StatusRequest) (*StatusResponse, error) {
	m, err := s.get(ctx, req.MatchID)
	if err != nil {
		return nil, err
	}

	if p, _ := m.Participant(req.UserID); p == nil {
		return nil, errors.Forbidden("not a participant in this match")
	}

	for i := range m.Participants {
		if m.Participants[i].UserID != req.UserID {
			m.Participants[i].Submissions = nil
		}
	}

	remaining := m.TimeRemaining(s.now())
	if !m.IsActive() {
		remaining = 0
	}

	return &StatusResponse{Match: m, TimeRemainingMs: remaining.Milliseconds()}, nil
}

// Authorize fails with PermissionDenied unless userID takes part in the match.
func (s *Service) Authorize(ctx context.Context, matchID, userID string) error {
	m, err := s.get(ctx, matchID)
	if err != nil {
		return err
	}

	if p, _ := m.Participant(userID); p == nil {
		return errors.Forbidden("not a participant in this match")
	}

	return nil
}

// Sweep finishes every active match whose time limit has passed and returns how many it finished.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.redis.ZRangeByScore(ctx, s.getDeadlinesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(s.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired matches: %w", err)
	}

	var finished int
	for _, id := range ids {
		_, err := s.finish(ctx, id, func(*domain.Match) error { return nil })
		switch {
		case err == nil:
			finished++
			slog.InfoContext(ctx, "match finished on time limit", "match", id)
		case errors.Is(err, errors.CodeNotFound), errors.Is(err, errors.CodeAlreadyExists):
			s.redis.ZRem(ctx, s.getDeadlinesKey(), id)
		default:
			slog.ErrorContext(ctx, "match: sweep failed", "match", id, "error", err)
		}
	}

	return finished, nil
}

func (s *Service) get(ctx context.Context, id string) (*domain.Match, error) {
	m, err := s.matches.Get(ctx, id)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound("match not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get match: %w", err)
	}

	return m, nil
}

func (s *Service) update(ctx context.Context, id string, fn func(m *domain.Match, pipe redis.Pipeliner) error) (*domain.Match, error) {
	m, err := s.matches.Update(ctx, id, fn)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound("match not found")
	}
	if err != nil {
		var e *errors.Error
		if stderrors.As(err, &e) {
			return nil, e
		}
		return nil, fmt.Errorf("update match %s: %w", id, err)
	}

	return m, nil
}

func participantIDs(m *domain.Match) []string {
	ids := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (s *Service) getDeadlinesKey() string {
	return fmt.Sprintf("%s:matches:deadlines", s.prefix)
}
