package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
)

// MemorySource keeps the challenge pool in process. Used for local runs and tests.
type MemorySource struct {
	mu         sync.RWMutex
	challenges map[string]domain.Challenge
	order      []string
}

func NewMemorySource(cs ...domain.Challenge) *MemorySource {
	m := &MemorySource{challenges: make(map[string]domain.Challenge)}
	for _, c := range cs {
		m.Put(c)
	}
	return m
}

// LoadFile reads a JSON array of challenges.
func LoadFile(path string) (*MemorySource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read challenges: %w", err)
	}

	var cs []domain.Challenge
	if err := json.Unmarshal(b, &cs); err != nil {
		return nil, fmt.Errorf("decode challenges %s: %w", path, err)
	}

	return NewMemorySource(cs...), nil
}

// Put adds or replaces a challenge.
func (m *MemorySource) Put(c domain.Challenge) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.challenges[c.ID] = c
}

func (m *MemorySource) Random(_ context.Context, difficulty domain.Difficulty) (*domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pool []string
	for _, id := range m.order {
		c := m.challenges[id]
		if c.IsActive && c.Difficulty == difficulty && len(c.TestCases) > 0 {
			pool = append(pool, id)
		}
	}

	if len(pool) == 0 {
		return nil, errors.NotFound("no %s challenges available", difficulty)
	}

	c := clone(m.challenges[pool[rand.Intn(len(pool))]])
	return &c, nil
}

func (m *MemorySource) Get(_ context.Context, id string) (*domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, errors.NotFound("challenge not found")
	}

	c = clone(c)
	return &c, nil
}

func clone(c domain.Challenge) domain.Challenge {
	c.TestCases = append([]domain.TestCase(nil), c.TestCases...)
	return c
}
