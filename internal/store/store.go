package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/codearena/internal/errors"
)

const defaultMaxRetries = 50

var (
	// ErrNotFound is returned when the document does not exist.
	ErrNotFound = stderrors.New("store: document not found")

	// ErrExists is returned by Create when the document already exists.
	ErrExists = stderrors.New("store: document already exists")

	// Remove may be returned by an Update callback to delete the document instead of saving it.
	// It is never returned as an error by the store.
	Remove = stderrors.New("store: remove document")
)

type Config struct {
	Redis redis.UniversalClient
	// Prefix namespaces the document keys, e.g. "arena:match".
	Prefix     string
	MaxRetries int
}

// Store keeps JSON documents in Redis and updates them with optimistic transactions:
// the document key is watched, read, mutated and written back in MULTI/EXEC, and the
// whole cycle is retried when another writer changed the key in between.
type Store[T any] struct {
	redis      redis.UniversalClient
	prefix     string
	maxRetries int
}

func New[T any](c Config) *Store[T] {
	s := &Store[T]{
		redis:      c.Redis,
		prefix:     c.Prefix,
		maxRetries: c.MaxRetries,
	}

	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}

	return s
}

func (s *Store[T]) Key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

func (s *Store[T]) Get(ctx context.Context, id string) (*T, error) {
	return s.get(ctx, s.redis, s.Key(id))
}

// GetMany returns the documents in the order of ids, skipping missing ones.
func (s *Store[T]) GetMany(ctx context.Context, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.Key(id)
	}

	// Keys may hash to different cluster slots, so no MGET.
	cmds, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Get(ctx, k)
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: get many: %w", err)
	}

	docs := make([]*T, 0, len(ids))
	for _, cmd := range cmds {
		b, err := cmd.(*redis.StringCmd).Bytes()
		if stderrors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get many: %w", err)
		}

		doc := new(T)
		if err := json.Unmarshal(b, doc); err != nil {
			return nil, fmt.Errorf("store: unmarshal: %w", err)
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// Create stores a new document. fn, when not nil, may queue extra writes that commit atomically with it.
func (s *Store[T]) Create(ctx context.Context, id string, doc *T, fn func(pipe redis.Pipeliner) error) error {
	key := s.Key(id)

	return s.transact(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if fn != nil {
				if err := fn(pipe); err != nil {
					return err
				}
			}
			return s.Put(ctx, pipe, id, doc)
		})
		return err
	}, key)
}

// Update reads the document, applies fn and writes it back atomically, retrying on concurrent modification.
// Errors returned by fn abort the update unchanged. Extra writes queued on pipe commit with the document.
func (s *Store[T]) Update(ctx context.Context, id string, fn func(doc *T, pipe redis.Pipeliner) error) (*T, error) {
	key := s.Key(id)

	var out *T
	err := s.transact(ctx, func(tx *redis.Tx) error {
		doc, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			err := fn(doc, pipe)
			if stderrors.Is(err, Remove) {
				pipe.Del(ctx, key)
				return nil
			}
			if err != nil {
				return err
			}
			return s.Put(ctx, pipe, id, doc)
		})
		if err != nil {
			return err
		}

		out = doc
		return nil
	}, key)
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Put queues a write of the document on pipe.
func (s *Store[T]) Put(ctx context.Context, pipe redis.Pipeliner, id string, doc *T) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	pipe.Set(ctx, s.Key(id), b, 0)
	return nil
}

func (s *Store[T]) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.redis.Watch(ctx, fn, keys...)
		if !stderrors.Is(err, redis.TxFailedErr) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Millisecond):
		}
	}

	return errors.New(errors.CodeAborted,
		errors.WithMessagef("too many concurrent updates, please retry"),
		errors.WithCause(redis.TxFailedErr),
	)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store[T]) get(ctx context.Context, c getter, key string) (*T, error) {
	b, err := c.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}

	doc := new(T)
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("store: unmarshal %s: %w", key, err)
	}

	return doc, nil
}
