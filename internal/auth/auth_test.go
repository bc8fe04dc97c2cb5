package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codearena/internal/auth"
	"github.com/victornm/codearena/internal/errors"
)

func TestService_Authenticate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		token  func(t *testing.T, s *auth.Service) string
		assert func(t *testing.T, id *auth.Identity, err error)
	}{
		"should resolve the caller of a valid token": {
			token: func(t *testing.T, s *auth.Service) string {
				tok, err := s.Issue("u1", "alice", time.Hour)
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, id *auth.Identity, err error) {
				require.NoError(t, err)
				assert.Equal(t, &auth.Identity{UserID: "u1", Username: "alice"}, id)
			},
		},
		"should reject an expired token": {
			token: func(t *testing.T, s *auth.Service) string {
				tok, err := s.Issue("u1", "alice", -time.Minute)
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, id *auth.Identity, err error) {
				assert.True(t, errors.Is(err, errors.CodeUnauthenticated))
			},
		},
		"should reject a token signed with another secret": {
			token: func(t *testing.T, _ *auth.Service) string {
				other := auth.NewService(auth.Config{Secret: "other", NowFunc: func() time.Time { return now }})
				tok, err := other.Issue("u1", "alice", time.Hour)
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, id *auth.Identity, err error) {
				assert.True(t, errors.Is(err, errors.CodeUnauthenticated))
			},
		},
		"should reject the none algorithm": {
			token: func(t *testing.T, _ *auth.Service) string {
				tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "u1"}).
					SignedString(jwt.UnsafeAllowNoneSignatureType)
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, id *auth.Identity, err error) {
				assert.True(t, errors.Is(err, errors.CodeUnauthenticated))
			},
		},
		"should fall back to the subject claim": {
			token: func(t *testing.T, _ *auth.Service) string {
				tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"sub": "u9",
					"exp": now.Add(time.Hour).Unix(),
				}).SignedString([]byte("secret"))
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, id *auth.Identity, err error) {
				require.NoError(t, err)
				assert.Equal(t, "u9", id.UserID)
			},
		},
		"should reject a missing token": {
			token: func(*testing.T, *auth.Service) string { return "" },
			assert: func(t *testing.T, id *auth.Identity, err error) {
				assert.True(t, errors.Is(err, errors.CodeUnauthenticated))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := auth.NewService(auth.Config{Secret: "secret", NowFunc: func() time.Time { return now }})

			id, err := s.Authenticate(context.Background(), tt.token(t, s))
			tt.assert(t, id, err)
		})
	}
}

func TestService_RegistersUserOnce(t *testing.T) {
	reg := &registrar{}
	s := auth.NewService(auth.Config{Secret: "secret", Registrar: reg})

	tok, err := s.Issue("u1", "alice", time.Hour)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Authenticate(context.Background(), tok)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, reg.count())
}

func TestContext(t *testing.T) {
	assert.Nil(t, auth.FromContext(context.Background()))

	id := &auth.Identity{UserID: "u1"}
	assert.Same(t, id, auth.FromContext(auth.WithIdentity(context.Background(), id)))
}

type registrar struct {
	mu    sync.Mutex
	calls int
}

func (r *registrar) Touch(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *registrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
