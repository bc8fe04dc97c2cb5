package challenge

import (
	"context"

	"github.com/victornm/codearena/internal/domain"
)

// Source supplies challenges. Returned challenges must be treated as read-only.
type Source interface {
	// Random picks one active challenge of the difficulty, uniformly among those with at least one test case.
	Random(ctx context.Context, difficulty domain.Difficulty) (*domain.Challenge, error)
	Get(ctx context.Context, id string) (*domain.Challenge, error)
}
