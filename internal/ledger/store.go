package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
)

type UpdateRequest struct {
	UserID string
	// Username refreshes the stored name when not empty.
	Username string
	// ChallengeID, when set, loads the user's completed challenge record for that challenge.
	ChallengeID string
}

// UpdateFunc mutates the user's rewards. cc is nil unless a challenge was requested; it is saved only
// when its CompletedAt is set.
type UpdateFunc func(u *domain.UserRewards, cc *domain.CompletedChallenge) error

// Store persists user rewards. Update calls for the same user are serialized.
type Store interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	Get(ctx context.Context, userID string) (*domain.UserRewards, error)
	// Update creates the user when missing, runs fn and saves the result atomically.
	Update(ctx context.Context, req UpdateRequest, fn UpdateFunc) (*domain.UserRewards, error)
	// Leaderboard lists users with at least one match, by wins then experience, and the total count.
	Leaderboard(ctx context.Context, limit, offset int) ([]domain.UserRewards, int, error)
	// Position is the 1-based leaderboard position, or 0 for users without matches.
	Position(ctx context.Context, userID string) (int, error)
}

type memoryUser struct {
	rewards   domain.UserRewards
	completed map[string]domain.CompletedChallenge
}

// MemoryStore keeps rewards in process. A single mutex serializes every update.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*memoryUser
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memoryUser)}
}

func (m *MemoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.users[userID]
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*domain.UserRewards, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, errors.NotFound("user not found")
	}

	return u.snapshot(), nil
}

func (m *MemoryStore) Update(_ context.Context, req UpdateRequest, fn UpdateFunc) (*domain.UserRewards, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[req.UserID]
	if !ok {
		u = &memoryUser{
			rewards:   domain.UserRewards{UserID: req.UserID, Rank: domain.RankNewbie},
			completed: make(map[string]domain.CompletedChallenge),
		}
	}

	rewards := u.rewards
	if req.Username != "" {
		rewards.Username = req.Username
	}

	var cc *domain.CompletedChallenge
	if req.ChallengeID != "" {
		c, ok := u.completed[req.ChallengeID]
		if !ok {
			c = domain.CompletedChallenge{ChallengeID: req.ChallengeID}
		}
		cc = &c
	}

	if err := fn(&rewards, cc); err != nil {
		return nil, err
	}

	u.rewards = rewards
	if cc != nil && !cc.CompletedAt.IsZero() {
		u.completed[cc.ChallengeID] = *cc
	}
	m.users[req.UserID] = u

	return u.snapshot(), nil
}

func (m *MemoryStore) Leaderboard(_ context.Context, limit, offset int) ([]domain.UserRewards, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ranked := m.ranked()
	total := len(ranked)

	if offset >= total {
		return []domain.UserRewards{}, total, nil
	}

	end := min(total, offset+limit)
	return ranked[offset:end], total, nil
}

func (m *MemoryStore) Position(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, u := range m.ranked() {
		if u.UserID == userID {
			return i + 1, nil
		}
	}

	return 0, nil
}

func (m *MemoryStore) ranked() []domain.UserRewards {
	var out []domain.UserRewards
	for _, u := range m.users {
		if u.rewards.PvP.TotalMatches > 0 {
			out = append(out, u.rewards)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PvP.Wins != b.PvP.Wins {
			return a.PvP.Wins > b.PvP.Wins
		}
		if a.Experience != b.Experience {
			return a.Experience > b.Experience
		}
		return a.UserID < b.UserID
	})

	return out
}

func (u *memoryUser) snapshot() *domain.UserRewards {
	out := u.rewards
	out.CompletedChallenges = make([]domain.CompletedChallenge, 0, len(u.completed))
	for _, c := range u.completed {
		out.CompletedChallenges = append(out.CompletedChallenges, c)
	}

	sort.Slice(out.CompletedChallenges, func(i, j int) bool {
		return out.CompletedChallenges[i].ChallengeID < out.CompletedChallenges[j].ChallengeID
	})

	return &out
}
