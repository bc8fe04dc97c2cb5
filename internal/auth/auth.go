package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/codearena/internal/errors"
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Registrar records users the first time they are seen.
type Registrar interface {
	Touch(ctx context.Context, userID, username string) error
}

type Config struct {
	Secret    string
	Registrar Registrar
	NowFunc   func() time.Time
}

// Service verifies HS256 tokens issued by the account service.
type Service struct {
	secret    []byte
	registrar Registrar
	now       func() time.Time

	group singleflight.Group
	seen  sync.Map
}

func NewService(c Config) *Service {
	s := &Service{
		secret:    []byte(c.Secret),
		registrar: c.Registrar,
		now:       c.NowFunc,
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// Authenticate verifies the token and returns the caller. The user is registered on first sight.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing bearer token"))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid token"), errors.WithCause(err))
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("token has no user"))
	}

	id := &Identity{UserID: claims.UserID, Username: claims.Username}
	if err := s.register(ctx, id); err != nil {
		return nil, err
	}

	return id, nil
}

func (s *Service) register(ctx context.Context, id *Identity) error {
	if s.registrar == nil {
		return nil
	}

	if _, ok := s.seen.Load(id.UserID); ok {
		return nil
	}

	_, err, _ := s.group.Do(id.UserID, func() (any, error) {
		if err := s.registrar.Touch(ctx, id.UserID, id.Username); err != nil {
			return nil, err
		}
		s.seen.Store(id.UserID, struct{}{})
		return nil, nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "auth: register user failed", "user", id.UserID, "error", err)
		return fmt.Errorf("register user: %w", err)
	}

	return nil
}

// Issue signs a token for the user. It is used by tooling and tests; production tokens come from the
// account service.
func (s *Service) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}
