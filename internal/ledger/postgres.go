package ledger

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
)

const userColumns = `id, username, experience, rank, tokens,
	pvp_wins, pvp_losses, pvp_draws, pvp_total_matches, pvp_current_streak, pvp_best_streak`

// PostgresStore keeps rewards in the users and completed_challenges tables.
// Updates lock the user row, so concurrent updates of one user run one after another.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1);`, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}

	return ok, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*domain.UserRewards, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1;`, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	const stmt = `
SELECT challenge_id, max_score_achieved, token_awarded, completed_at
FROM completed_challenges
WHERE user_id = $1
ORDER BY challenge_id;`

	rows, err = s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("get completed challenges: %w", err)
	}

	u.CompletedChallenges, err = pgx.CollectRows(rows, scanCompleted)
	if err != nil {
		return nil, fmt.Errorf("get completed challenges: %w", err)
	}

	return &u, nil
}

func (s *PostgresStore) Update(ctx context.Context, req UpdateRequest, fn UpdateFunc) (*domain.UserRewards, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const upsertUser = `
INSERT INTO users (id, username) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username);`

	if _, err := tx.Exec(ctx, upsertUser, req.UserID, req.Username); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE;`, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}

	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}

	var cc *domain.CompletedChallenge
	if req.ChallengeID != "" {
		cc, err = s.completed(ctx, tx, req.UserID, req.ChallengeID)
		if err != nil {
			return nil, err
		}
	}

	if err := fn(&u, cc); err != nil {
		return nil, err
	}

	const updateUser = `
UPDATE users SET
	experience = $2, rank = $3, tokens = $4,
	pvp_wins = $5, pvp_losses = $6, pvp_draws = $7, pvp_total_matches = $8,
	pvp_current_streak = $9, pvp_best_streak = $10
WHERE id = $1;`

	_, err = tx.Exec(ctx, updateUser, u.UserID, u.Experience, string(u.Rank), u.Tokens,
		u.PvP.Wins, u.PvP.Losses, u.PvP.Draws, u.PvP.TotalMatches, u.PvP.CurrentStreak, u.PvP.BestStreak)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}

	if cc != nil && !cc.CompletedAt.IsZero() {
		// token_awarded never goes back to false and the best score never drops.
		const upsertCompleted = `
INSERT INTO completed_challenges (user_id, challenge_id, max_score_achieved, token_awarded, completed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, challenge_id) DO UPDATE SET
	max_score_achieved = GREATEST(completed_challenges.max_score_achieved, EXCLUDED.max_score_achieved),
	token_awarded = completed_challenges.token_awarded OR EXCLUDED.token_awarded;`

		_, err := tx.Exec(ctx, upsertCompleted, u.UserID, cc.ChallengeID, cc.MaxScoreAchieved, cc.TokenAwarded, cc.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("upsert completed challenge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &u, nil
}

func (s *PostgresStore) completed(ctx context.Context, tx pgx.Tx, userID, challengeID string) (*domain.CompletedChallenge, error) {
	const stmt = `
SELECT challenge_id, max_score_achieved, token_awarded, completed_at
FROM completed_challenges
WHERE user_id = $1 AND challenge_id = $2;`

	rows, err := tx.Query(ctx, stmt, userID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("get completed challenge: %w", err)
	}

	cc, err := pgx.CollectExactlyOneRow(rows, scanCompleted)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return &domain.CompletedChallenge{ChallengeID: challengeID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get completed challenge: %w", err)
	}

	return &cc, nil
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit, offset int) ([]domain.UserRewards, int, error) {
	var total int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE pvp_total_matches > 0;`).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count leaderboard: %w", err)
	}

	const stmt = `
SELECT ` + userColumns + `
FROM users
WHERE pvp_total_matches > 0
ORDER BY pvp_wins DESC, experience DESC, id
LIMIT $1 OFFSET $2;`

	rows, err := s.db.Query(ctx, stmt, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("leaderboard: %w", err)
	}

	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, 0, fmt.Errorf("leaderboard: %w", err)
	}

	return users, total, nil
}

func (s *PostgresStore) Position(ctx context.Context, userID string) (int, error) {
	const stmt = `
SELECT COUNT(*) + 1
FROM users o, users u
WHERE u.id = $1 AND u.pvp_total_matches > 0 AND o.pvp_total_matches > 0
	AND (o.pvp_wins > u.pvp_wins
		OR (o.pvp_wins = u.pvp_wins AND o.experience > u.experience)
		OR (o.pvp_wins = u.pvp_wins AND o.experience = u.experience AND o.id < u.id));`

	var ranked bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND pvp_total_matches > 0);`, userID).Scan(&ranked)
	if err != nil {
		return 0, fmt.Errorf("position: %w", err)
	}
	if !ranked {
		return 0, nil
	}

	var pos int
	if err := s.db.QueryRow(ctx, stmt, userID).Scan(&pos); err != nil {
		return 0, fmt.Errorf("position: %w", err)
	}

	return pos, nil
}

func scanUser(r pgx.CollectableRow) (domain.UserRewards, error) {
	var (
		u    domain.UserRewards
		rank string
	)
	err := r.Scan(&u.UserID, &u.Username, &u.Experience, &rank, &u.Tokens,
		&u.PvP.Wins, &u.PvP.Losses, &u.PvP.Draws, &u.PvP.TotalMatches, &u.PvP.CurrentStreak, &u.PvP.BestStreak)
	u.Rank = domain.Rank(rank)
	return u, err
}

func scanCompleted(r pgx.CollectableRow) (domain.CompletedChallenge, error) {
	var c domain.CompletedChallenge
	err := r.Scan(&c.ChallengeID, &c.MaxScoreAchieved, &c.TokenAwarded, &c.CompletedAt)
	return c, err
}
