package challenge

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
)

const selectColumns = `id, title, description, difficulty, test_cases, time_limit_sec, memory_limit_mb, token_reward, is_active`

// PostgresSource reads challenges from the challenges table.
type PostgresSource struct {
	db *pgxpool.Pool
}

func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Random(ctx context.Context, difficulty domain.Difficulty) (*domain.Challenge, error) {
	const stmt = `
SELECT ` + selectColumns + `
FROM challenges
WHERE difficulty = $1 AND is_active AND jsonb_array_length(test_cases) > 0
ORDER BY random()
LIMIT 1;`

	c, err := s.queryOne(ctx, stmt, string(difficulty))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("no %s challenges available", difficulty)
	}
	if err != nil {
		return nil, fmt.Errorf("random challenge: %w", err)
	}

	return c, nil
}

func (s *PostgresSource) Get(ctx context.Context, id string) (*domain.Challenge, error) {
	const stmt = `SELECT ` + selectColumns + ` FROM challenges WHERE id = $1;`

	c, err := s.queryOne(ctx, stmt, id)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("challenge not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}

	return c, nil
}

// Put inserts or replaces a challenge.
func (s *PostgresSource) Put(ctx context.Context, c domain.Challenge) error {
	const stmt = `
INSERT INTO challenges (` + selectColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	difficulty = EXCLUDED.difficulty,
	test_cases = EXCLUDED.test_cases,
	time_limit_sec = EXCLUDED.time_limit_sec,
	memory_limit_mb = EXCLUDED.memory_limit_mb,
	token_reward = EXCLUDED.token_reward,
	is_active = EXCLUDED.is_active;`

	testCases := c.TestCases
	if testCases == nil {
		testCases = []domain.TestCase{}
	}

	_, err := s.db.Exec(ctx, stmt,
		c.ID, c.Title, c.Description, string(c.Difficulty), testCases,
		c.TimeLimitSec, c.MemoryLimitMB, c.TokenReward, c.IsActive,
	)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}

	return nil
}

func (s *PostgresSource) queryOne(ctx context.Context, stmt string, args ...any) (*domain.Challenge, error) {
	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}

	c, err := pgx.CollectExactlyOneRow(rows, func(r pgx.CollectableRow) (domain.Challenge, error) {
		var (
			c          domain.Challenge
			difficulty string
		)
		err := r.Scan(&c.ID, &c.Title, &c.Description, &difficulty, &c.TestCases,
			&c.TimeLimitSec, &c.MemoryLimitMB, &c.TokenReward, &c.IsActive)
		c.Difficulty = domain.Difficulty(difficulty)
		return c, err
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}
