package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/leaderboard"
)

func TestService_UpdateLeaderboard(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	for _, e := range []domain.EventSubmissionReceived{
		{MatchID: "m1", UserID: "u1", Score: 50, BestScore: 50, SubmittedAt: time.Now()},
		{MatchID: "m1", UserID: "u2", Score: 75, BestScore: 75, SubmittedAt: time.Now()},
		{MatchID: "m1", UserID: "u1", Score: 100, BestScore: 100, SubmittedAt: time.Now()},
	} {
		require.NoError(t, s.UpdateLeaderboard(ctx, e))
	}

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{
		MatchID: "m1",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		MatchID: "m1",
		Entries: []domain.LeaderboardEntry{
			{UserID: "u1", Score: 100},
			{UserID: "u2", Score: 75},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_GetLeaderboardNotFound(t *testing.T) {
	s := makeService(t)

	_, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{MatchID: "missing"})
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestServer_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventSubmissionReceived
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish correct event leaderboard.updated after receiving a submission": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventSubmissionReceived{
						{
							MatchID:      "m1",
							UserID:       "u1",
							Score:        40,
							BestScore:    60,
							SubmittedAt:  time.Now(),
							Participants: []string{"u1", "u2"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					MatchID: "m1",
					Entries: []domain.LeaderboardEntry{
						{UserID: "u1", Score: 60},
					},
				}, out.publishedEvents[0].Leaderboard)
				require.Equal(t, []string{"u1", "u2"}, out.publishedEvents[0].Participants)
			},
		},

		"should publish 2 events leaderboard.updated after receiving submissions for 2 different matches": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventSubmissionReceived{
						{MatchID: "m1", UserID: "u1", BestScore: 10, SubmittedAt: time.Now()},
						{MatchID: "m2", UserID: "u2", BestScore: 20, SubmittedAt: time.Now()},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated event")
			},
		},

		"should publish 1 event leaderboard.updated after receiving submissions for the same match within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventSubmissionReceived{
						{MatchID: "m1", UserID: "u1", BestScore: 10, SubmittedAt: time.Now()},
						{MatchID: "m1", UserID: "u2", BestScore: 20, SubmittedAt: time.Now()},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
			}

			s.Stop()
			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func TestService_PublishesLatestStateAfterBurst(t *testing.T) {
	eb := event.NewBus()
	updates := make(chan domain.EventLeaderboardUpdated, 10)
	eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		updates <- e.(domain.EventLeaderboardUpdated)
		return nil
	})

	s := makeService(t, withEventBus(eb), withPublishInterval(50*time.Millisecond))
	t.Cleanup(func() {
		s.Stop()
		eb.Stop()
	})

	for _, e := range []domain.EventSubmissionReceived{
		{MatchID: "m1", UserID: "u1", BestScore: 10, SubmittedAt: time.Now()},
		{MatchID: "m1", UserID: "u2", BestScore: 20, SubmittedAt: time.Now()},
		{MatchID: "m1", UserID: "u1", BestScore: 30, SubmittedAt: time.Now()},
	} {
		require.NoError(t, s.UpdateLeaderboard(context.Background(), e))
	}

	receive := func() domain.EventLeaderboardUpdated {
		select {
		case u := <-updates:
			return u
		case <-time.After(2 * time.Second):
			t.Fatal("leaderboard.updated was not published")
			return domain.EventLeaderboardUpdated{}
		}
	}

	first := receive()
	require.Equal(t, []domain.LeaderboardEntry{{UserID: "u1", Score: 10}}, first.Leaderboard.Entries)

	last := receive()
	require.Equal(t, []domain.LeaderboardEntry{
		{UserID: "u1", Score: 30},
		{UserID: "u2", Score: 20},
	}, last.Leaderboard.Entries, "the trailing publish carries the final state")

	select {
	case u := <-updates:
		t.Fatalf("unexpected extra publish: %+v", u)
	case <-time.After(150 * time.Millisecond):
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withPublishInterval(d time.Duration) options {
	return func(c *leaderboard.Config) {
		c.PublishInterval = d
	}
}

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
