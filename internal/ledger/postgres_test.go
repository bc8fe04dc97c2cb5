package ledger_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/ledger"
	"github.com/victornm/codearena/migrations"
)

func TestPostgresStore_TokenAwardedOnce(t *testing.T) {
	dsn := os.Getenv("ARENA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARENA_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, migrations.Apply(ctx, db))

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	s := ledger.NewService(ledger.Config{EventBus: eb, Store: ledger.NewPostgresStore(db)})

	userID := uuid.NewString()
	ch := &domain.Challenge{ID: uuid.NewString(), Difficulty: domain.DifficultyMedium, TokenReward: 2, TestCases: []domain.TestCase{{Points: 10}}}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.RecordAttempt(ctx, ledger.AttemptRequest{
				UserID: userID, Username: "pg", Challenge: ch, Points: 10,
				Verdict: domain.VerdictAccepted, AllPassed: true,
			})
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			tokens += res.TokensAwarded
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, tokens)

	st, err := s.Stats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Tokens)
	assert.Equal(t, 37, st.Experience)
	require.Len(t, st.CompletedChallenges, 1)
	assert.Equal(t, 100, st.CompletedChallenges[0].MaxScoreAchieved)
	assert.True(t, st.CompletedChallenges[0].TokenAwarded)
}
