package challenge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codearena/internal/challenge"
	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
)

func TestMemorySource_Random(t *testing.T) {
	withCases := []domain.TestCase{{Input: "1", ExpectedOutput: "1"}}

	tests := map[string]struct {
		pool   []domain.Challenge
		assert func(t *testing.T, c *domain.Challenge, err error)
	}{
		"should pick the only eligible challenge": {
			pool: []domain.Challenge{
				{ID: "easy-1", Difficulty: domain.DifficultyEasy, IsActive: true, TestCases: withCases},
				{ID: "hard-1", Difficulty: domain.DifficultyHard, IsActive: true, TestCases: withCases},
			},
			assert: func(t *testing.T, c *domain.Challenge, err error) {
				require.NoError(t, err)
				assert.Equal(t, "easy-1", c.ID)
			},
		},
		"should skip challenges without test cases": {
			pool: []domain.Challenge{
				{ID: "empty", Difficulty: domain.DifficultyEasy, IsActive: true},
				{ID: "easy-2", Difficulty: domain.DifficultyEasy, IsActive: true, TestCases: withCases},
			},
			assert: func(t *testing.T, c *domain.Challenge, err error) {
				require.NoError(t, err)
				assert.Equal(t, "easy-2", c.ID)
			},
		},
		"should skip inactive challenges": {
			pool: []domain.Challenge{
				{ID: "retired", Difficulty: domain.DifficultyEasy, TestCases: withCases},
			},
			assert: func(t *testing.T, _ *domain.Challenge, err error) {
				assert.True(t, errors.Is(err, errors.CodeNotFound))
			},
		},
		"should fail when nothing matches the difficulty": {
			pool: []domain.Challenge{
				{ID: "hard-1", Difficulty: domain.DifficultyHard, IsActive: true, TestCases: withCases},
			},
			assert: func(t *testing.T, _ *domain.Challenge, err error) {
				assert.True(t, errors.Is(err, errors.CodeNotFound))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := challenge.NewMemorySource(tt.pool...)
			c, err := s.Random(context.Background(), domain.DifficultyEasy)
			tt.assert(t, c, err)
		})
	}
}

func TestMemorySource_RandomCoversPool(t *testing.T) {
	cases := []domain.TestCase{{Input: "1", ExpectedOutput: "1"}}
	s := challenge.NewMemorySource(
		domain.Challenge{ID: "a", Difficulty: domain.DifficultyMedium, IsActive: true, TestCases: cases},
		domain.Challenge{ID: "b", Difficulty: domain.DifficultyMedium, IsActive: true, TestCases: cases},
	)

	seen := make(map[string]bool)
	for i := 0; i < 200 && len(seen) < 2; i++ {
		c, err := s.Random(context.Background(), domain.DifficultyMedium)
		require.NoError(t, err)
		seen[c.ID] = true
	}

	assert.Len(t, seen, 2)
}

func TestMemorySource_GetReturnsCopy(t *testing.T) {
	s := challenge.NewMemorySource(domain.Challenge{
		ID:        "c1",
		TestCases: []domain.TestCase{{Input: "1", ExpectedOutput: "2"}},
	})

	c, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	c.TestCases[0].ExpectedOutput = "tampered"

	again, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "2", again.TestCases[0].ExpectedOutput)

	_, err = s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "challenges.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{
			"id": "two-sum",
			"title": "Two Sum",
			"difficulty": "Easy",
			"is_active": true,
			"token_reward": 2,
			"test_cases": [
				{"input": "1 2", "expected_output": "3", "points": 10},
				{"input": "5 5", "expected_output": "10", "points": 10, "is_hidden": true}
			]
		}
	]`), 0o600))

	s, err := challenge.LoadFile(path)
	require.NoError(t, err)

	c, err := s.Random(context.Background(), domain.DifficultyEasy)
	require.NoError(t, err)
	assert.Equal(t, "Two Sum", c.Title)
	assert.Equal(t, 2, c.TokenReward)
	require.Len(t, c.TestCases, 2)
	assert.True(t, c.TestCases[1].IsHidden)
}
