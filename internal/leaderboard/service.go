package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/event"
)

const (
	defaultPublishInterval = 200 * time.Millisecond

	// keyTTL outlives the longest allowed match.
	keyTTL = 2 * time.Hour

	trailingTimeout = 5 * time.Second
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// PublishInterval is the shortest gap between two leaderboard.updated of a match.
	PublishInterval time.Duration
}

// Service keeps the live scoreboard of every running match.
type Service struct {
	eb       *event.Bus
	redis    redis.UniversalClient
	prefix   string
	interval time.Duration

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		redis:    c.Redis,
		prefix:   c.Prefix,
		interval: c.PublishInterval,
		done:     make(chan struct{}),
	}

	if s.interval <= 0 {
		s.interval = defaultPublishInterval
	}

	s.eb.Subscribe(domain.EventNameSubmissionReceived, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventSubmissionReceived))
	})

	return s
}

type GetLeaderboardRequest struct {
	MatchID string
}

// GetLeaderboard returns the best score of every participant who submitted, highest first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.MatchID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: match=%s", req.MatchID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: z.Member.(string),
			Score:  z.Score,
		})
	}

	return &domain.Leaderboard{
		MatchID: req.MatchID,
		Entries: entries,
	}, nil
}

// UpdateLeaderboard overwrites the participant's best score in the match scoreboard.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventSubmissionReceived) error {
	key := s.getLeaderboardKey(e.MatchID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(e.BestScore),
			Member: e.UserID,
		})
		pipe.Expire(ctx, key, keyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e)
}

// schedulePublishLeaderboard publishes at most one leaderboard.updated per match and publish interval.
// An update landing inside the interval is not lost: one trailing publish per window carries the latest
// state once the window ends. The SETNX guards also hold across instances sharing the Redis.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, e domain.EventSubmissionReceived) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(e.MatchID), e.SubmittedAt.UnixMilli(), s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if ok {
		return s.publishLeaderboard(ctx, e)
	}

	ok, err = s.redis.SetNX(ctx, s.getLeaderboardPendingKey(e.MatchID), 1, 2*s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx pending: %w", err)
	}

	if ok {
		s.publishLater(ctx, e)
	}

	return nil
}

func (s *Service) publishLater(ctx context.Context, e domain.EventSubmissionReceived) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		t := time.NewTimer(s.interval)
		defer t.Stop()

		select {
		case <-t.C:
		case <-s.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trailingTimeout)
		defer cancel()

		if err := s.publishTrailing(ctx, e); err != nil {
			slog.ErrorContext(ctx, "leaderboard: trailing publish failed", "match", e.MatchID, "error", err)
		}
	}()
}

// publishTrailing opens a new publish window and publishes the current leaderboard.
func (s *Service) publishTrailing(ctx context.Context, e domain.EventSubmissionReceived) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.getLeaderboardPendingKey(e.MatchID))
		pipe.Set(ctx, s.getLeaderboardTimeKey(e.MatchID), time.Now().UnixMilli(), s.interval)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset publish window: %w", err)
	}

	return s.publishLeaderboard(ctx, e)
}

// Stop drops pending trailing publishes and waits for running ones.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Service) publishLeaderboard(ctx context.Context, e domain.EventSubmissionReceived) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		MatchID: e.MatchID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: match=%s: %w", e.MatchID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard:  *l,
		Participants: e.Participants,
	})

	return nil
}

func (s *Service) getLeaderboardKey(match string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, match)
}

func (s *Service) getLeaderboardTimeKey(match string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, match)
}

func (s *Service) getLeaderboardPendingKey(match string) string {
	return fmt.Sprintf("%s:%s:pending", s.prefix, match)
}
